package transfer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// Connection is one pooled physical connection to a data center. It is owned
// by a DCConnectionManager and only closed when the manager disconnects.
type Connection struct {
	log   *zap.Logger
	index int

	// mu is held while the connection is being connected or authorized and
	// when a new user is registered, so a reconnect never stacks on a user.
	mu     sync.Mutex
	sender remote.Sender
	users  atomic.Int64
}

// Sender returns the underlying sender. It is fixed once the connection has
// been handed out by Acquire.
func (c *Connection) Sender() remote.Sender {
	return c.sender
}

// Users returns the number of active users of the connection.
func (c *Connection) Users() int64 {
	return c.users.Load()
}

// Lease is a scoped claim on a Connection. Release must be called exactly
// when the caller is done with the connection; extra calls are no-ops.
type Lease struct {
	conn *Connection
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Connection {
	return l.conn
}

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.conn.users.Add(-1)
	})
}
