package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// wire is one request/response stream to the gateway. Calls are serialized.
// A transport failure drops the stream and the next call redials, presenting
// the wire's auth key again.
type wire struct {
	dial DialFunc
	addr string

	mu     sync.Mutex
	conn   net.Conn
	key    remote.AuthKey
	closed bool
}

func newWire(dial DialFunc, addr string, key remote.AuthKey) *wire {
	return &wire{dial: dial, addr: addr, key: key}
}

func (w *wire) authKey() remote.AuthKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key
}

func (w *wire) setKey(key remote.AuthKey) {
	w.mu.Lock()
	w.key = key
	w.mu.Unlock()
}

// call sends op with body and returns a decoder over the response body.
func (w *wire) call(ctx context.Context, op byte, body []byte) (*decoder, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensure(ctx); err != nil {
		return nil, err
	}
	return w.roundTrip(ctx, op, body)
}

// ensure must be called with w.mu held.
func (w *wire) ensure(ctx context.Context) error {
	if w.closed {
		return remote.ErrClosed
	}
	if w.conn != nil {
		return nil
	}

	conn, err := w.dial(ctx, w.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.addr, err)
	}
	w.conn = conn

	if w.key != nil {
		if _, err := w.roundTrip(ctx, opAuthorize, (&encoder{}).bytes(w.key).buf); err != nil {
			w.reset()
			return fmt.Errorf("authorize: %w", err)
		}
	}
	return nil
}

// roundTrip must be called with w.mu held and w.conn set.
func (w *wire) roundTrip(ctx context.Context, op byte, body []byte) (*decoder, error) {
	deadline, _ := ctx.Deadline()
	w.conn.SetDeadline(deadline)
	conn := w.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := make([]byte, 0, 1+len(body))
	req = append(append(req, op), body...)
	if err := writeFrame(w.conn, req); err != nil {
		return nil, w.broken(ctx, err)
	}
	resp, err := readFrame(w.conn)
	if err != nil {
		return nil, w.broken(ctx, err)
	}

	d := &decoder{buf: resp}
	status := d.u8()
	if d.err != nil {
		return nil, d.err
	}
	if status != statusOK {
		return nil, statusError(status, d.str())
	}
	return d, nil
}

// broken drops a stream left in an unknown state.
func (w *wire) broken(ctx context.Context, err error) error {
	w.reset()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) {
		return remote.ErrClosed
	}
	return fmt.Errorf("gateway %s: %w", w.addr, err)
}

func (w *wire) reset() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *wire) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return remote.ErrClosed
	}
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
