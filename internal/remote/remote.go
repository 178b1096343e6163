// Package remote defines the contracts between the transfer engine and the
// messaging backend. The backend is treated as an opaque RPC service: send a
// typed request over a session, get back a chunk of bytes. Drivers (see
// remote/gateway) implement these interfaces.
package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDCIDInvalid is returned by ExportAuthorization when the target data
	// center shares the home session's authority. Callers reuse the home
	// session's auth key instead.
	ErrDCIDInvalid = errors.New("remote: dc id invalid")

	// ErrLocationExpired is returned by GetFile when the location handle's
	// file reference is no longer accepted.
	ErrLocationExpired = errors.New("remote: file reference expired")

	// ErrClosed is returned when using a closed session or sender.
	ErrClosed = errors.New("remote: connection closed")
)

// AuthKey is an opaque authorization key. A nil key means "not authorized".
type AuthKey []byte

// DC is a resolved data-center endpoint.
type DC struct {
	ID   int
	Addr string // host:port
}

func (d DC) String() string {
	return fmt.Sprintf("dc%d(%s)", d.ID, d.Addr)
}

// Location references one remote binary object. It is scoped to the account
// that obtained it and must not be reused by another account.
type Location struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string // non-empty for photo thumbnails
}

func (l Location) String() string {
	if l.ThumbSize != "" {
		return fmt.Sprintf("photo(%d, %s)", l.ID, l.ThumbSize)
	}
	return fmt.Sprintf("document(%d)", l.ID)
}

// ExportedAuthorization is a one-shot ticket that lets a new connection in
// another data center act as the exporting account.
type ExportedAuthorization struct {
	ID    int64
	Bytes []byte
}

// Sender is one physical connection to one data center.
type Sender interface {
	// ImportAuthorization binds the connection to the account that exported
	// auth. On success AuthKey returns the key the connection now uses.
	ImportAuthorization(ctx context.Context, auth ExportedAuthorization) error

	// GetFile reads up to limit bytes of loc starting at offset. An empty
	// result means the object has no more data.
	GetFile(ctx context.Context, loc Location, offset int64, limit int) ([]byte, error)

	// AuthKey returns the key the connection is authorized with.
	AuthKey() AuthKey

	Close() error
}

// Session is a backend account's own authorized session in its home DC.
type Session interface {
	AccountID() int64
	HomeDC() int
	AuthKey() AuthKey

	// ResolveDC looks up the network endpoint of a data center.
	ResolveDC(ctx context.Context, dcID int) (DC, error)

	// ExportAuthorization asks the home session for a ticket usable in dcID.
	ExportAuthorization(ctx context.Context, dcID int) (ExportedAuthorization, error)

	// Connect opens a new physical connection to dc. key may be nil, in which
	// case the connection is unauthorized until ImportAuthorization.
	Connect(ctx context.Context, dc DC, key AuthKey) (Sender, error)

	Close() error
}

// Messenger is implemented by sessions that can move messages around. It
// is used to mint fresh location handles for an account.
type Messenger interface {
	// ForwardMessage copies message msgID of fromChat into toChat and returns
	// the id of the copy.
	ForwardMessage(ctx context.Context, toChat, fromChat int64, msgID int) (int, error)

	// MessageLocation returns the media location of a message as seen by
	// this session's account.
	MessageLocation(ctx context.Context, chat int64, msgID int) (Location, error)

	DeleteMessage(ctx context.Context, chat int64, msgID int) error
}
