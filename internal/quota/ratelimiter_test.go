package quota

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rpm int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rpm)
	rl.now = clock.now
	return rl, clock
}

// drain spends n tokens of userID and fails if any is refused.
func drain(t *testing.T, rl *RateLimiter, userID int64, n int) {
	t.Helper()
	for i := range n {
		if !rl.Allow(userID) {
			t.Fatalf("user %d: request %d refused", userID, i+1)
		}
	}
}

func TestAllowBurstIsOneMinute(t *testing.T) {
	rl, _ := newTestLimiter(10)
	drain(t, rl, 1, 10)
	if rl.Allow(1) {
		t.Error("11th request within the minute was allowed")
	}
}

func TestZeroRPMIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for range 1000 {
		if !rl.Allow(1) {
			t.Fatal("request refused with no limit configured")
		}
	}
	if got := rl.RetryAfter(1); got != 0 {
		t.Errorf("RetryAfter = %d, want 0", got)
	}
	if len(rl.users) != 0 {
		t.Error("unlimited limiter should not track users")
	}
}

func TestTokensRefill(t *testing.T) {
	rl, clock := newTestLimiter(60)
	drain(t, rl, 1, 60)
	if rl.Allow(1) {
		t.Fatal("allowed with an empty bucket")
	}

	clock.advance(1100 * time.Millisecond)
	if !rl.Allow(1) {
		t.Error("refused after a token refilled")
	}
}

func TestRetryAfter(t *testing.T) {
	rl, clock := newTestLimiter(30) // one token every 2s
	drain(t, rl, 1, 30)

	if got := rl.RetryAfter(1); got != 2 {
		t.Errorf("RetryAfter = %d, want 2", got)
	}
	clock.advance(1500 * time.Millisecond)
	if got := rl.RetryAfter(1); got != 1 {
		t.Errorf("RetryAfter after 1.5s = %d, want 1", got)
	}
	if got := rl.RetryAfter(2); got != 0 {
		t.Errorf("unseen user RetryAfter = %d, want 0", got)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(5)
	drain(t, rl, 1, 5)
	if rl.Allow(1) {
		t.Error("user 1 should be limited")
	}
	if !rl.Allow(2) {
		t.Error("user 2 limited by user 1's requests")
	}
}

func TestCleanupForgetsIdleUsers(t *testing.T) {
	rl, clock := newTestLimiter(10)

	rl.Allow(1)
	clock.advance(2 * time.Hour)
	rl.Allow(2)
	rl.Cleanup(time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.users[1]; ok {
		t.Error("idle user survived cleanup")
	}
	if _, ok := rl.users[2]; !ok {
		t.Error("recent user removed by cleanup")
	}
}
