package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/arbiterlabs/arbiter/pkg/provider"
)

// signaturePayload is the canonical identity of a request for loop and
// duplicate detection. Two requests with the same app, feature, model, and
// normalized message content are the same request.
type signaturePayload struct {
	App      string             `json:"app"`
	Feature  string             `json:"feature"`
	Model    string             `json:"model"`
	Messages []signatureMessage `json:"messages"`
}

type signatureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Signature computes the request signature: SHA-256 over the RFC 8785
// canonical form of the payload, so field order and whitespace in the
// original body never change the identity.
func Signature(app, feature, model string, messages []provider.Message) (string, error) {
	payload := signaturePayload{
		App:      app,
		Feature:  feature,
		Model:    strings.ToLower(model),
		Messages: make([]signatureMessage, 0, len(messages)),
	}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, signatureMessage{
			Role:    m.Role,
			Content: strings.TrimSpace(m.Content),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("abuse: marshal signature: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("abuse: canonicalize signature: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
