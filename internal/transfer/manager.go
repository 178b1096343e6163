package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// DCConnectionManager owns the pool of connections one backend account keeps
// to one data center. Every connection in the pool shares one auth key,
// established through the first connection and reused afterwards.
type DCConnectionManager struct {
	log     *zap.Logger
	session remote.Session
	dcID    int
	limit   int

	// mu guards pool membership and auth key establishment. It is held only
	// while a connection is picked or created, never while one is in use.
	mu          sync.Mutex
	dc          *remote.DC
	authKey     remote.AuthKey
	connections []*Connection
	opened      int
}

func newDCConnectionManager(session remote.Session, dcID, limit int, parent *zap.Logger) *DCConnectionManager {
	if limit < 1 {
		limit = 1
	}
	return &DCConnectionManager{
		log:     parent.Named(fmt.Sprintf("dc%d", dcID)),
		session: session,
		dcID:    dcID,
		limit:   limit,
	}
}

// DCID returns the data center this manager connects to.
func (m *DCConnectionManager) DCID() int {
	return m.dcID
}

// setAuthKey seeds the shared key, skipping the export for the first
// connection.
func (m *DCConnectionManager) setAuthKey(key remote.AuthKey) {
	m.mu.Lock()
	m.authKey = key
	m.mu.Unlock()
}

// Acquire lends the least-loaded connection, opening a new one when every
// existing connection is busy and the pool is below its ceiling. The
// returned lease must be released.
func (m *DCConnectionManager) Acquire(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.nextConnection(ctx)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	conn.users.Add(1)
	conn.mu.Unlock()

	return &Lease{conn: conn}, nil
}

// WithConnection runs fn with a leased connection and releases it on every
// exit path.
func (m *DCConnectionManager) WithConnection(ctx context.Context, fn func(*Connection) error) error {
	lease, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}

// nextConnection must be called with m.mu held.
func (m *DCConnectionManager) nextConnection(ctx context.Context) (*Connection, error) {
	var best *Connection
	for _, conn := range m.connections {
		if best == nil || conn.Users() < best.Users() {
			best = conn
		}
	}
	if (best == nil || best.Users() > 0) && len(m.connections) < m.limit {
		return m.newConnection(ctx)
	}
	return best, nil
}

// newConnection must be called with m.mu held.
func (m *DCConnectionManager) newConnection(ctx context.Context) (*Connection, error) {
	accountID := m.session.AccountID()

	if m.dc == nil {
		dc, err := m.session.ResolveDC(ctx, m.dcID)
		if err != nil {
			metrics.RecordConnectionFailure(accountID, m.dcID)
			return nil, fmt.Errorf("resolve dc %d for account %d: %w", m.dcID, accountID, err)
		}
		m.dc = &dc
	}

	m.opened++
	conn := &Connection{
		log:   m.log.Named(fmt.Sprintf("conn%d", m.opened)),
		index: m.opened,
	}
	m.connections = append(m.connections, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := m.connect(ctx, conn); err != nil {
		if conn.sender != nil {
			conn.sender.Close()
			conn.sender = nil
		}
		m.remove(conn)
		metrics.RecordConnectionFailure(accountID, m.dcID)
		conn.log.Error("connection failed", zap.Int64("account", accountID), zap.Error(err))
		return nil, fmt.Errorf("connect to %s for account %d: %w", m.dc, accountID, err)
	}

	metrics.SetConnectionsOpen(accountID, m.dcID, len(m.connections))
	return conn, nil
}

// connect must be called with m.mu and conn.mu held.
func (m *DCConnectionManager) connect(ctx context.Context, conn *Connection) error {
	conn.log.Info("connecting", zap.Stringer("dc", m.dc))

	sender, err := m.session.Connect(ctx, *m.dc, m.authKey)
	if err != nil {
		return err
	}
	conn.sender = sender

	if m.authKey == nil {
		return m.exportAuthKey(ctx, conn)
	}
	return nil
}

// exportAuthKey authorizes conn through the home session and adopts its key
// as the pool's shared key.
func (m *DCConnectionManager) exportAuthKey(ctx context.Context, conn *Connection) error {
	m.log.Info("exporting auth",
		zap.Int("dc", m.dc.ID),
		zap.Int("home_dc", m.session.HomeDC()))

	auth, err := m.session.ExportAuthorization(ctx, m.dc.ID)
	if errors.Is(err, remote.ErrDCIDInvalid) {
		// The target shares the home authority: connect with the home key.
		m.log.Debug("got dc id invalid, reusing home auth key")
		key := m.session.AuthKey()
		conn.sender.Close()
		conn.sender = nil

		sender, err := m.session.Connect(ctx, *m.dc, key)
		if err != nil {
			metrics.RecordAuthExport("error")
			return err
		}
		conn.sender = sender
		m.authKey = key
		metrics.RecordAuthExport("home_key")
		return nil
	}
	if err != nil {
		metrics.RecordAuthExport("error")
		return fmt.Errorf("export authorization: %w", err)
	}

	if err := conn.sender.ImportAuthorization(ctx, auth); err != nil {
		metrics.RecordAuthExport("error")
		return fmt.Errorf("import authorization: %w", err)
	}
	m.authKey = conn.sender.AuthKey()
	metrics.RecordAuthExport("imported")
	return nil
}

// remove must be called with m.mu held.
func (m *DCConnectionManager) remove(conn *Connection) {
	for i, c := range m.connections {
		if c == conn {
			m.connections = append(m.connections[:i], m.connections[i+1:]...)
			return
		}
	}
}

// Disconnect closes every connection concurrently and empties the pool.
func (m *DCConnectionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		g    errgroup.Group
		errs error
		emu  sync.Mutex
	)
	for _, conn := range m.connections {
		g.Go(func() error {
			if err := conn.sender.Close(); err != nil && !errors.Is(err, remote.ErrClosed) {
				emu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close conn%d: %w", conn.index, err))
				emu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	m.connections = nil
	metrics.SetConnectionsOpen(m.session.AccountID(), m.dcID, 0)
	return errs
}

// DCStats is a snapshot of one manager's pool.
type DCStats struct {
	DCID  int     `json:"dc_id"`
	Users []int64 `json:"users"`
}

// Stats returns the active-user count of every pooled connection, in pool
// order.
func (m *DCConnectionManager) Stats() DCStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := DCStats{DCID: m.dcID, Users: make([]int64, 0, len(m.connections))}
	for _, conn := range m.connections {
		st.Users = append(st.Users, conn.Users())
	}
	return st
}
