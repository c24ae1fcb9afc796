package provider

import "strings"

// EstimateTokens approximates the input token count before a request is
// sent: whitespace-delimited words times 1.3, plus a small per-message
// framing overhead. Good enough for budget reservation; the committed
// cost always comes from the provider's reported usage.
func EstimateTokens(messages []Message) int {
	words := 0
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	return int(float64(words)*1.3) + 4*len(messages)
}

// EstimateTextTokens approximates tokens for raw text inputs (embeddings).
func EstimateTextTokens(inputs []string) int {
	words := 0
	for _, s := range inputs {
		words += len(strings.Fields(s))
	}
	return int(float64(words) * 1.3)
}
