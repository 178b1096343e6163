package transfer

import (
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Pool holds one ParallelTransferrer per backend account and balances new
// downloads across them.
type Pool struct {
	mu           sync.RWMutex
	transferrers []*ParallelTransferrer
}

// NewPool returns a pool over ts, in the given order.
func NewPool(ts ...*ParallelTransferrer) *Pool {
	return &Pool{transferrers: ts}
}

// Add appends t to the pool.
func (p *Pool) Add(t *ParallelTransferrer) {
	p.mu.Lock()
	p.transferrers = append(p.transferrers, t)
	p.mu.Unlock()
}

// Least returns the transferrer with the fewest active users. Ties go to
// the earliest added. It returns nil for an empty pool.
func (p *Pool) Least() *ParallelTransferrer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *ParallelTransferrer
	for _, t := range p.transferrers {
		if best == nil || t.Users() < best.Users() {
			best = t
		}
	}
	return best
}

// Get returns the transferrer of accountID, or nil.
func (p *Pool) Get(accountID int64) *ParallelTransferrer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.transferrers {
		if t.AccountID() == accountID {
			return t
		}
	}
	return nil
}

// All returns a copy of the pool's members.
func (p *Pool) All() []*ParallelTransferrer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*ParallelTransferrer(nil), p.transferrers...)
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.transferrers)
}

// Close shuts every transferrer down concurrently.
func (p *Pool) Close() error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, t := range p.All() {
		g.Go(func() error {
			if err := t.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}
