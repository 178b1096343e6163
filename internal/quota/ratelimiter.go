// Package quota limits how often each user may start downloads.
package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gives every user a token bucket holding a minute's worth of
// requests and refilling continuously.
type RateLimiter struct {
	rpm int
	now func() time.Time

	mu    sync.Mutex
	users map[int64]*userLimit
}

type userLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows each user rpm requests per minute. rpm <= 0 means
// unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:   rpm,
		now:   time.Now,
		users: make(map[int64]*userLimit),
	}
}

func (rl *RateLimiter) perSecond() rate.Limit {
	return rate.Limit(float64(rl.rpm) / 60)
}

// Allow reports whether a request from userID may proceed, taking a token
// if so.
func (rl *RateLimiter) Allow(userID int64) bool {
	if rl.rpm <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	u, ok := rl.users[userID]
	if !ok {
		u = &userLimit{lim: rate.NewLimiter(rl.perSecond(), rl.rpm)}
		rl.users[userID] = u
	}
	u.lastSeen = now
	return u.lim.AllowN(now, 1)
}

// RetryAfter returns the whole seconds until userID gets a token, 0 when one
// is available now.
func (rl *RateLimiter) RetryAfter(userID int64) int {
	if rl.rpm <= 0 {
		return 0
	}
	now := rl.now()

	rl.mu.Lock()
	u, ok := rl.users[userID]
	rl.mu.Unlock()
	if !ok {
		return 0
	}
	missing := 1 - u.lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / float64(rl.perSecond())))
}

// Cleanup forgets users not seen within maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, u := range rl.users {
		if u.lastSeen.Before(cutoff) {
			delete(rl.users, id)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}
