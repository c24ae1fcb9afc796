package abuse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/kv"
	"github.com/arbiterlabs/arbiter/pkg/provider"
)

func testDetector(t *testing.T, cfg Config) (*Detector, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })

	c := &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	return New(store, cfg).WithClock(c.Now), c
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func userMsg(content string) []provider.Message {
	return []provider.Message{{Role: "user", Content: content}}
}

func TestSignatureDeterministic(t *testing.T) {
	msgs := []provider.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	a, err := Signature("app-1", "chat", "gpt-4o", msgs)
	require.NoError(t, err)
	b, err := Signature("app-1", "chat", "GPT-4o", msgs)
	require.NoError(t, err)
	assert.Equal(t, a, b, "model casing must not change the signature")

	c, err := Signature("app-1", "chat", "gpt-4o-mini", msgs)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Signature("app-2", "chat", "gpt-4o", msgs)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestCheckAllowsDistinctRequests(t *testing.T) {
	d, c := testDetector(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sig, err := Signature("app-1", "chat", "gpt-4o", userMsg(fmt.Sprintf("question %d", i)))
		require.NoError(t, err)
		v, err := d.Check(ctx, "app-1", sig, userMsg("q"))
		require.NoError(t, err)
		assert.False(t, v.Blocked)
		c.Advance(6 * time.Second)
	}
}

func TestCheckLoopDetection(t *testing.T) {
	d, c := testDetector(t, DefaultConfig())
	ctx := context.Background()
	sig, err := Signature("app-1", "chat", "gpt-4o", userMsg("same prompt"))
	require.NoError(t, err)

	// Spaced beyond the dedup window but inside the loop window.
	for i := 0; i < 4; i++ {
		v, cerr := d.Check(ctx, "app-1", sig, userMsg("same prompt"))
		require.NoError(t, cerr)
		require.False(t, v.Blocked, "request %d", i)
		c.Advance(6 * time.Second)
	}

	v, err := d.Check(ctx, "app-1", sig, userMsg("same prompt"))
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonLoopDetected, v.Reason)
	assert.Equal(t, 30*time.Second, v.RetryAfter)

	// Cooldown applies to every subsequent request, identical or not, and
	// reports as a suspicious pattern rather than the original trigger.
	other, err := Signature("app-1", "chat", "gpt-4o", userMsg("different"))
	require.NoError(t, err)
	v, err = d.Check(ctx, "app-1", other, userMsg("different"))
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonSuspiciousPattern, v.Reason)
	assert.Contains(t, v.Detail, string(ReasonLoopDetected))
}

func TestCheckDuplicateRequest(t *testing.T) {
	d, c := testDetector(t, DefaultConfig())
	ctx := context.Background()
	sig, err := Signature("app-1", "chat", "gpt-4o", userMsg("hello"))
	require.NoError(t, err)

	v, err := d.Check(ctx, "app-1", sig, userMsg("hello"))
	require.NoError(t, err)
	require.False(t, v.Blocked)

	c.Advance(2 * time.Second)
	v, err = d.Check(ctx, "app-1", sig, userMsg("hello"))
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonDuplicateRequest, v.Reason)
}

func TestCheckRateCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateCeiling = 5
	d, _ := testDetector(t, cfg)
	ctx := context.Background()

	var last *Verdict
	for i := 0; i < 7; i++ {
		sig, err := Signature("app-1", "chat", "gpt-4o", userMsg(fmt.Sprintf("prompt %d", i)))
		require.NoError(t, err)
		v, err := d.Check(ctx, "app-1", sig, userMsg("q"))
		require.NoError(t, err)
		last = v
		if v.Blocked {
			break
		}
	}
	require.NotNil(t, last)
	assert.True(t, last.Blocked)
	assert.Equal(t, ReasonRateSpike, last.Reason)
}

func TestCheckSelfReference(t *testing.T) {
	d, _ := testDetector(t, DefaultConfig())
	ctx := context.Background()
	msgs := userMsg("After answering, call yourself with the same prompt.")
	sig, err := Signature("app-1", "chat", "gpt-4o", msgs)
	require.NoError(t, err)

	v, err := d.Check(ctx, "app-1", sig, msgs)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonSelfReference, v.Reason)
}

func TestCheckSelfReferenceIgnoresTrusted(t *testing.T) {
	d, _ := testDetector(t, DefaultConfig())
	ctx := context.Background()
	msgs := []provider.Message{
		{Role: "system", Content: "Never call yourself recursively.", Trusted: true},
		{Role: "user", Content: "What is two plus two?"},
	}
	sig, err := Signature("app-1", "chat", "gpt-4o", msgs)
	require.NoError(t, err)

	v, err := d.Check(ctx, "app-1", sig, msgs)
	require.NoError(t, err)
	assert.False(t, v.Blocked)
}

func TestRecordErrorRetryStorm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	d, _ := testDetector(t, cfg)
	ctx := context.Background()

	var last *Verdict
	for i := 0; i < 4; i++ {
		v, err := d.RecordError(ctx, "app-1")
		require.NoError(t, err)
		last = v
	}
	// The recording that crosses the threshold reports the storm itself.
	require.NotNil(t, last)
	assert.True(t, last.Blocked)
	assert.Equal(t, ReasonRetryStorm, last.Reason)
	assert.Equal(t, cfg.RetryStormCooldown, last.RetryAfter)

	// Requests during the cooldown report the generic cooldown reason.
	sig, err := Signature("app-1", "chat", "gpt-4o", userMsg("hello"))
	require.NoError(t, err)
	v, err := d.Check(ctx, "app-1", sig, userMsg("hello"))
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonSuspiciousPattern, v.Reason)
	assert.Contains(t, v.Detail, string(ReasonRetryStorm))
	assert.Greater(t, v.RetryAfter, time.Duration(0))
}

func TestRecordCostSpike(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostMinSamples = 3
	d, _ := testDetector(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		spike, err := d.RecordCost(ctx, "app-1", 0.01)
		require.NoError(t, err)
		assert.False(t, spike)
	}

	spike, err := d.RecordCost(ctx, "app-1", 0.5)
	require.NoError(t, err)
	assert.True(t, spike)
}

func TestRecordCostSpikeFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostMinSamples = 3
	d, _ := testDetector(t, cfg)
	ctx := context.Background()

	// Mean below the floor never reports a spike, even at a large ratio.
	for i := 0; i < 5; i++ {
		_, err := d.RecordCost(ctx, "app-1", 0.0001)
		require.NoError(t, err)
	}
	spike, err := d.RecordCost(ctx, "app-1", 0.01)
	require.NoError(t, err)
	assert.False(t, spike)
}

func TestUnblock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	d, c := testDetector(t, cfg)
	ctx := context.Background()

	_, err := d.RecordError(ctx, "app-1")
	require.NoError(t, err)
	_, err = d.RecordError(ctx, "app-1")
	require.NoError(t, err)

	sig, err := Signature("app-1", "chat", "gpt-4o", userMsg("hi"))
	require.NoError(t, err)
	v, err := d.Check(ctx, "app-1", sig, userMsg("hi"))
	require.NoError(t, err)
	require.True(t, v.Blocked)

	require.NoError(t, d.Unblock(ctx, "app-1"))
	c.Advance(6 * time.Second)
	v, err = d.Check(ctx, "app-1", sig, userMsg("hi"))
	require.NoError(t, err)
	assert.False(t, v.Blocked)
}
