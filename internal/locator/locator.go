// Package locator resolves which remote object a download refers to and the
// per-account handle used to read it, minting fresh handles when an account
// has none.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

var (
	// ErrFileNotFound is returned for unknown, invisible or restricted files.
	ErrFileNotFound = errors.New("locator: file not found")
	// ErrRefreshFailed wraps every failure to mint a fresh location.
	ErrRefreshFailed = errors.New("locator: location refresh failed")
)

const (
	refreshTimeout = 30 * time.Second
	staleTTL       = 10 * time.Minute
)

// Account is a backend account that can read remote objects.
type Account interface {
	AccountID() int64
	Session() remote.Session
}

// Options configures a Resolver.
type Options struct {
	Store storage.Store
	// Primary forwards source messages into BinChannel during refresh.
	Primary    remote.Messenger
	BinChannel int64
	FileTTL    time.Duration
	Logger     *zap.Logger
}

// Resolver looks up files and location handles.
type Resolver struct {
	log        *zap.Logger
	store      storage.Store
	primary    remote.Messenger
	binChannel int64

	files     *cache.Cache
	locations *cache.Cache
	stale     *cache.Cache
	flights   singleflight.Group
}

// New returns a Resolver.
func New(opts Options) *Resolver {
	ttl := opts.FileTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("locator")
	}
	return &Resolver{
		log:        log,
		store:      opts.Store,
		primary:    opts.Primary,
		binChannel: opts.BinChannel,
		files:      cache.New(ttl, 2*ttl),
		locations:  cache.New(ttl, 2*ttl),
		stale:      cache.New(staleTTL, 2*staleTTL),
	}
}

func fileKey(fileID, userID int64) string {
	return fmt.Sprintf("%d:%d", fileID, userID)
}

func locationKey(fileID, accountID int64) string {
	return fmt.Sprintf("%d@%d", fileID, accountID)
}

// File returns the file userID asked for.
func (r *Resolver) File(ctx context.Context, fileID, userID int64) (*storage.FileInfo, error) {
	key := fileKey(fileID, userID)
	if v, ok := r.files.Get(key); ok {
		return checkVisible(v.(*storage.FileInfo))
	}

	file, err := r.store.GetFile(ctx, fileID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", fileID, err)
	}
	r.files.SetDefault(key, file)
	return checkVisible(file)
}

func checkVisible(file *storage.FileInfo) (*storage.FileInfo, error) {
	if file.IsDeleted {
		return nil, ErrFileNotFound
	}
	return file, nil
}

// Location returns acct's handle for file, minting one through userID's
// source message when acct has none or its handle was invalidated.
func (r *Resolver) Location(ctx context.Context, file *storage.FileInfo, userID int64, acct Account) (*remote.Location, error) {
	accountID := acct.AccountID()
	key := locationKey(file.ID, accountID)

	if v, ok := r.locations.Get(key); ok {
		return v.(*remote.Location), nil
	}

	if _, stale := r.stale.Get(key); !stale {
		loc, err := r.store.GetLocation(ctx, file, accountID)
		if err == nil {
			r.locations.SetDefault(key, loc)
			return loc, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get location: %w", err)
		}
	}

	v, err, shared := r.flights.Do(key, func() (any, error) {
		// Detached so one client going away does not fail the others
		// waiting on the same refresh.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		loc, err := r.refresh(rctx, file, userID, acct)
		metrics.RecordLocationRefresh(err == nil)
		if err != nil {
			return nil, err
		}
		r.stale.Delete(key)
		r.locations.SetDefault(key, loc)
		return loc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug("joined location refresh", zap.Int64("file", file.ID), zap.Int64("account", accountID))
	}
	return v.(*remote.Location), nil
}

// Invalidate drops the handle accountID holds for fileID. The next Location
// call mints a new one.
func (r *Resolver) Invalidate(fileID, accountID int64) {
	key := locationKey(fileID, accountID)
	r.locations.Delete(key)
	r.stale.SetDefault(key, struct{}{})
}

// refresh has the primary account forward the user's source message into the
// bin channel, reads the copy back as acct to get a handle scoped to acct,
// then deletes the copy.
func (r *Resolver) refresh(ctx context.Context, file *storage.FileInfo, userID int64, acct Account) (*remote.Location, error) {
	log := r.log.With(zap.Int64("file", file.ID), zap.Int64("account", acct.AccountID()))
	log.Info("refreshing file location")

	reader, ok := acct.Session().(remote.Messenger)
	if !ok {
		return nil, fmt.Errorf("%w: account %d cannot read messages", ErrRefreshFailed, acct.AccountID())
	}
	if r.primary == nil {
		return nil, fmt.Errorf("%w: no primary account", ErrRefreshFailed)
	}

	src, err := r.store.GetSource(ctx, file.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: get source: %w", ErrRefreshFailed, err)
	}

	fwdID, err := r.primary.ForwardMessage(ctx, r.binChannel, src.ChatID, src.MessageID)
	if err != nil {
		return nil, fmt.Errorf("%w: forward message %d: %w", ErrRefreshFailed, src.MessageID, err)
	}
	defer func() {
		if err := r.primary.DeleteMessage(ctx, r.binChannel, fwdID); err != nil {
			log.Warn("failed to delete forwarded message", zap.Int("message", fwdID), zap.Error(err))
		}
	}()

	loc, err := reader.MessageLocation(ctx, r.binChannel, fwdID)
	if err != nil {
		return nil, fmt.Errorf("%w: read forwarded message: %w", ErrRefreshFailed, err)
	}
	// The handle is stored under the file it was minted for.
	loc.ID = file.ID
	loc.ThumbSize = file.ThumbSize

	if err := r.store.UpsertLocation(ctx, acct.AccountID(), loc); err != nil {
		return nil, fmt.Errorf("%w: store location: %w", ErrRefreshFailed, err)
	}
	return &loc, nil
}
