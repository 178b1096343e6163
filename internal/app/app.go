// Package app wires the server together and owns the lifecycle of every
// component: storage, backend accounts, the download engine and the HTTP
// listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SpringsFern/TG-FileStream/internal/api"
	"github.com/SpringsFern/TG-FileStream/internal/config"
	"github.com/SpringsFern/TG-FileStream/internal/locator"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/quota"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/remote/gateway"
	"github.com/SpringsFern/TG-FileStream/internal/retry"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
	"github.com/SpringsFern/TG-FileStream/internal/transfer"
)

const (
	shutdownTimeout     = 10 * time.Second
	rateLimitCleanup    = time.Hour
	rateLimitMaxAge     = 24 * time.Hour
	dbMetricsInterval   = 15 * time.Second
	readHeaderTimeout   = 10 * time.Second
	multiClientsTimeout = 2 * time.Minute
)

// loginRetry is the backoff for logging accounts in.
var loginRetry = retry.DefaultConfig()

// LoginFunc logs a backend account in with token.
type LoginFunc func(ctx context.Context, token string) (remote.Session, error)

// GatewayLogin returns a LoginFunc dialing the configured gateway.
func GatewayLogin(cfg *config.Config) LoginFunc {
	return func(ctx context.Context, token string) (remote.Session, error) {
		return gateway.Login(ctx, gateway.Options{
			Addr:     cfg.GatewayAddr,
			Token:    token,
			ProxyURL: cfg.ProxyURL,
			Logger:   logging.Named("gateway"),
		})
	}
}

// App is a running TG-FileStream instance.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   storage.Store
	pool    *transfer.Pool
	limiter *quota.RateLimiter
	server  *api.Server

	closeMu sync.Mutex
	closed  bool
}

// New starts every backend account and builds the HTTP server. store is
// owned by the App from here on and closed by Close, also when New fails.
func New(ctx context.Context, cfg *config.Config, store storage.Store, login LoginFunc) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     logging.Named("app"),
		store:   store,
		pool:    transfer.NewPool(),
		limiter: quota.NewRateLimiter(cfg.RequestsPerMinute),
	}
	if err := a.init(ctx, login); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) init(ctx context.Context, login LoginFunc) error {
	if err := checkVersion(ctx, a.store, Version, a.log); err != nil {
		return err
	}
	signer, err := NewSigner(ctx, a.store)
	if err != nil {
		return err
	}

	if a.cfg.ConnectionLimitRisky() {
		a.log.Warn("connection limit is high and may cause reconnect loops",
			zap.Int("limit", a.cfg.ConnectionLimit),
			zap.Int("safe_limit", config.MaxSafeConnectionLimit))
	}

	a.log.Info("starting primary client")
	session, err := a.login(ctx, login, a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("start primary client: %w", err)
	}
	primary, ok := session.(remote.Messenger)
	if !ok {
		session.Close()
		return errors.New("primary client cannot forward messages")
	}
	a.addTransferrer(session)

	a.log.Info("starting additional clients", zap.Int("count", len(a.cfg.MultiTokens)))
	a.startClients(ctx, login)

	resolver := locator.New(locator.Options{
		Store:      a.store,
		Primary:    primary,
		BinChannel: a.cfg.BinChannel,
		FileTTL:    a.cfg.FileCacheTTL,
		Logger:     logging.Named("locator"),
	})
	a.server = api.NewServer(api.Options{
		Pool:      a.pool,
		Resolver:  resolver,
		Store:     a.store,
		Signer:    signer,
		Limiter:   a.limiter,
		PublicURL: a.cfg.PublicURL,
		Version:   Version,
	})
	return nil
}

func (a *App) login(ctx context.Context, login LoginFunc, token string) (remote.Session, error) {
	cfg := loginRetry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		a.log.Warn("login failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return retry.DoWithResult(ctx, cfg, func() (remote.Session, error) {
		s, err := login(ctx, token)
		if err != nil {
			if errors.Is(err, gateway.ErrNoToken) || ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.Retryable(err)
		}
		return s, nil
	})
}

func (a *App) addTransferrer(session remote.Session) *transfer.ParallelTransferrer {
	t := transfer.NewParallelTransferrer(session, transfer.Options{
		ChunkSize:       a.cfg.DownloadPartSize,
		ConnectionLimit: a.cfg.ConnectionLimit,
		Logger:          logging.Named("transfer"),
	})
	t.PostInit()
	a.pool.Add(t)
	return t
}

// startClients logs the MULTI_TOKEN accounts in concurrently. Accounts that
// fail, or that duplicate one already in the pool, are logged and skipped.
// The pool keeps token order.
func (a *App) startClients(ctx context.Context, login LoginFunc) {
	tokens := a.cfg.MultiTokens
	if len(tokens) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, multiClientsTimeout)
	defer cancel()

	sessions := make([]remote.Session, len(tokens))
	var g errgroup.Group
	for i, token := range tokens {
		g.Go(func() error {
			s, err := a.login(ctx, login, token)
			if err != nil {
				a.log.Error("failed to start client", zap.Int("index", i+1), zap.Error(err))
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	g.Wait()

	for i, s := range sessions {
		if s == nil {
			continue
		}
		if a.pool.Get(s.AccountID()) != nil {
			a.log.Warn("skipping duplicate client",
				zap.Int("index", i+1), zap.Int64("account", s.AccountID()))
			s.Close()
			continue
		}
		a.addTransferrer(s)
		a.log.Info("client started", zap.Int("index", i+1), zap.Int64("account", s.AccountID()))
	}
}

// Pool returns the backend accounts.
func (a *App) Pool() *transfer.Pool {
	return a.pool
}

// Handler returns the public HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run serves HTTP until ctx is cancelled, then shuts the listeners down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{
		Addr:              a.cfg.ListenAddr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if a.cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.limiter.Run(ctx, rateLimitCleanup, rateLimitMaxAge)
		return nil
	})

	if m, ok := a.store.(interface{ UpdateConnectionMetrics() }); ok {
		g.Go(func() error {
			ticker := time.NewTicker(dbMetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					m.UpdateConnectionMetrics()
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs error
		for _, srv := range servers {
			errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		}
		return errs
	})

	a.log.Info("TG-FileStream started",
		zap.String("version", Version),
		zap.Int("clients", a.pool.Len()),
		zap.String("url", a.cfg.PublicURL))
	return g.Wait()
}

// Close disconnects every backend account and closes storage. It is safe to
// call more than once.
func (a *App) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.log.Debug("closing clients and connections")
	err := a.pool.Close()
	a.log.Debug("closing database connection")
	err = multierr.Append(err, a.store.Close())
	a.log.Info("stopped services")
	return err
}
