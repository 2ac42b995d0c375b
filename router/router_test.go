package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/stretchr/testify/assert"
)

func sampleLine(command string) string {
	return "2026-07-31 ChatWindow: Character Kessrun (uid 12345) : " + command
}

func TestDispatchFiresMatchingHandler(t *testing.T) {
	r := New(nil, rate.Inf, 100)

	var mu sync.Mutex
	var got Command
	done := make(chan struct{})
	r.On("deposit", func(ctx context.Context, cmd Command) {
		mu.Lock()
		got = cmd
		mu.Unlock()
		close(done)
	})

	r.Dispatch(context.Background(), sampleLine("!deposit 3"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "deposit", got.Name)
	assert.Equal(t, "Kessrun", got.Speaker.CharacterName)
	assert.Equal(t, []string{"3"}, got.Args)
}

func TestDispatchRequiresSpeaker(t *testing.T) {
	r := New(nil, rate.Inf, 100)
	fired := false
	r.On("balance", func(ctx context.Context, cmd Command) { fired = true })

	r.Dispatch(context.Background(), "!balance with no speaker marker")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired)
}

func TestDispatchOnlyFirstRuleWins(t *testing.T) {
	r := New(nil, rate.Inf, 100)

	var fired []string
	var mu sync.Mutex
	for _, name := range []string{"market", "markethelp"} {
		name := name
		r.On(name, func(ctx context.Context, cmd Command) {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		})
	}

	r.Dispatch(context.Background(), sampleLine("!markethelp"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"markethelp"}, fired)
}

func TestSuppressDuplicateWithinTTL(t *testing.T) {
	r := New(nil, rate.Inf, 100)

	assert.False(t, r.SuppressDuplicate("Kessrun", "home", "abc123"))
	assert.True(t, r.SuppressDuplicate("Kessrun", "home", "abc123"), "a repeat within the TTL must be suppressed")
	assert.False(t, r.SuppressDuplicate("Kessrun", "tavern", "abc123"), "a different destination is a distinct key")
}

func TestRateLimiting(t *testing.T) {
	r := New(nil, rate.Every(time.Hour), 1)

	var count int
	var mu sync.Mutex
	var wg sync.WaitGroup
	r.On("balance", func(ctx context.Context, cmd Command) {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
	})

	wg.Add(1)
	r.Dispatch(context.Background(), sampleLine("!balance"))
	r.Dispatch(context.Background(), sampleLine("!balance")) // should be dropped by the limiter
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
