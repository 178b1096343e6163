// Package transfer implements the parallel download engine: pooled data-center
// connections per backend account, and chunk-aligned range streaming on top
// of them.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

const (
	// DefaultChunkSize is the largest read the backend accepts in one call.
	DefaultChunkSize = 1 << 20
	// DefaultConnectionLimit is the per-DC connection ceiling.
	DefaultConnectionLimit = 5
)

// ErrInvalidRange is returned by Download when start/end do not describe a
// non-empty range inside the object.
var ErrInvalidRange = errors.New("transfer: invalid range")

// Options configures a ParallelTransferrer.
type Options struct {
	ChunkSize       int64
	ConnectionLimit int
	Logger          *zap.Logger // defaults to the global logger
}

// ParallelTransferrer streams byte ranges of remote objects for one backend
// account.
type ParallelTransferrer struct {
	log       *zap.Logger
	session   remote.Session
	chunkSize int64
	limit     int

	mu       sync.Mutex
	managers map[int]*DCConnectionManager

	users atomic.Int64
}

// NewParallelTransferrer wraps an authorized session.
func NewParallelTransferrer(session remote.Session, opts Options) *ParallelTransferrer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ConnectionLimit <= 0 {
		opts.ConnectionLimit = DefaultConnectionLimit
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("transfer")
	}
	return &ParallelTransferrer{
		log:       log.Named(fmt.Sprintf("bot%d", session.AccountID())),
		session:   session,
		chunkSize: opts.ChunkSize,
		limit:     opts.ConnectionLimit,
		managers:  make(map[int]*DCConnectionManager),
	}
}

// Session returns the account session backing this transferrer.
func (t *ParallelTransferrer) Session() remote.Session {
	return t.session
}

// AccountID returns the backend account id.
func (t *ParallelTransferrer) AccountID() int64 {
	return t.session.AccountID()
}

// Users returns the number of downloads currently running through this
// transferrer.
func (t *ParallelTransferrer) Users() int64 {
	return t.users.Load()
}

// PostInit seeds the home-DC manager with the session's own auth key so
// connections there never export authorization.
func (t *ParallelTransferrer) PostInit() {
	t.manager(t.session.HomeDC()).setAuthKey(t.session.AuthKey())
}

func (t *ParallelTransferrer) manager(dcID int) *DCConnectionManager {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.managers[dcID]
	if !ok {
		m = newDCConnectionManager(t.session, dcID, t.limit, t.log)
		t.managers[dcID] = m
	}
	return m
}

func (t *ParallelTransferrer) enter() {
	n := t.users.Add(1)
	metrics.SetActiveUsers(t.AccountID(), n)
}

func (t *ParallelTransferrer) leave() {
	n := t.users.Add(-1)
	metrics.SetActiveUsers(t.AccountID(), n)
}

// Download prepares a stream of the bytes [start, end] of the object at loc,
// stored in data center dcID. Nothing is fetched until the stream is read.
func (t *ParallelTransferrer) Download(ctx context.Context, loc remote.Location, dcID int, fileSize, start, end int64) (*Stream, error) {
	if start < 0 || end < start || end >= fileSize {
		return nil, fmt.Errorf("%w: bytes %d-%d of %d", ErrInvalidRange, start, end, fileSize)
	}

	plan := newChunkPlan(t.chunkSize, fileSize, start, end)
	t.log.Debug("starting parallel download",
		zap.Int64("first_chunk", plan.first),
		zap.Int64("last_chunk", plan.last),
		zap.Int64("total_chunks", plan.total),
		zap.Stringer("location", loc))

	return &Stream{
		ctx:    ctx,
		t:      t,
		dcID:   dcID,
		loc:    loc,
		plan:   plan,
		log:    t.log,
		part:   plan.first,
		offset: plan.offset(),
	}, nil
}

// Close disconnects every DC manager.
func (t *ParallelTransferrer) Close() error {
	t.mu.Lock()
	managers := make([]*DCConnectionManager, 0, len(t.managers))
	for _, m := range t.managers {
		managers = append(managers, m)
	}
	t.mu.Unlock()

	var errs error
	for _, m := range managers {
		errs = multierr.Append(errs, m.Disconnect())
	}
	return multierr.Append(errs, t.session.Close())
}

// Stats is a snapshot of a transferrer's load.
type Stats struct {
	AccountID int64     `json:"account_id"`
	Users     int64     `json:"users"`
	DCs       []DCStats `json:"dcs"`
}

// Stats reports the transferrer's active downloads and the pool state of
// every DC it has touched, ordered by DC id.
func (t *ParallelTransferrer) Stats() Stats {
	t.mu.Lock()
	managers := make([]*DCConnectionManager, 0, len(t.managers))
	for _, m := range t.managers {
		managers = append(managers, m)
	}
	t.mu.Unlock()

	sort.Slice(managers, func(i, j int) bool { return managers[i].dcID < managers[j].dcID })

	st := Stats{AccountID: t.AccountID(), Users: t.Users(), DCs: make([]DCStats, 0, len(managers))}
	for _, m := range managers {
		st.DCs = append(st.DCs, m.Stats())
	}
	return st
}
