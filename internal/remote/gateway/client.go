// Package gateway is a remote driver that talks to a messaging gateway over a
// length-prefixed binary protocol. One Client is one logged-in account; each
// Connect opens a separate stream to the gateway endpoint of a data center.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

var ErrNoToken = errors.New("gateway: token is required")

// Options configures Login.
type Options struct {
	Addr     string // gateway endpoint of the home session
	Token    string
	ProxyURL string   // optional socks5:// proxy
	Dial     DialFunc // overrides the default dialer
	Logger   *zap.Logger
}

// Client is a logged-in account. It implements remote.Session and
// remote.Messenger.
type Client struct {
	log  *zap.Logger
	dial DialFunc
	home *wire

	accountID int64
	homeDC    int
	authKey   remote.AuthKey

	mu  sync.Mutex
	dcs map[int]remote.DC
}

var (
	_ remote.Session   = (*Client)(nil)
	_ remote.Messenger = (*Client)(nil)
	_ remote.Sender    = (*sender)(nil)
)

// Login authenticates token against the gateway and returns the account's
// session.
func Login(ctx context.Context, opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, ErrNoToken
	}
	dial := opts.Dial
	if dial == nil {
		var err error
		if dial, err = newDialer(opts.ProxyURL); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("gateway")
	}

	home := newWire(dial, opts.Addr, nil)
	d, err := home.call(ctx, opLogin, (&encoder{}).str(opts.Token).buf)
	if err != nil {
		home.close()
		return nil, fmt.Errorf("login: %w", err)
	}
	c := &Client{
		dial:      dial,
		home:      home,
		accountID: d.i64(),
		homeDC:    int(d.u32()),
		authKey:   remote.AuthKey(d.bytes()),
	}
	if d.err != nil {
		home.close()
		return nil, fmt.Errorf("login: %w", d.err)
	}
	home.setKey(c.authKey)

	c.log = log.With(zap.Int64("account", c.accountID))
	c.log.Info("logged in", zap.Int("home_dc", c.homeDC))
	return c, nil
}

func (c *Client) AccountID() int64        { return c.accountID }
func (c *Client) HomeDC() int             { return c.homeDC }
func (c *Client) AuthKey() remote.AuthKey { return c.authKey }

// ResolveDC returns the endpoint of dcID, fetching the gateway's DC table on
// first use or when dcID is unknown.
func (c *Client) ResolveDC(ctx context.Context, dcID int) (remote.DC, error) {
	c.mu.Lock()
	dc, ok := c.dcs[dcID]
	c.mu.Unlock()
	if ok {
		return dc, nil
	}

	d, err := c.home.call(ctx, opGetConfig, nil)
	if err != nil {
		return remote.DC{}, fmt.Errorf("get config: %w", err)
	}
	n := int(d.u32())
	dcs := make(map[int]remote.DC, n)
	for i := 0; i < n && d.err == nil; i++ {
		dc := remote.DC{ID: int(d.u32()), Addr: d.str()}
		dcs[dc.ID] = dc
	}
	if d.err != nil {
		return remote.DC{}, fmt.Errorf("get config: %w", d.err)
	}

	c.mu.Lock()
	c.dcs = dcs
	c.mu.Unlock()

	dc, ok = dcs[dcID]
	if !ok {
		return remote.DC{}, fmt.Errorf("unknown dc %d", dcID)
	}
	return dc, nil
}

func (c *Client) ExportAuthorization(ctx context.Context, dcID int) (remote.ExportedAuthorization, error) {
	d, err := c.home.call(ctx, opExportAuth, (&encoder{}).u32(uint32(dcID)).buf)
	if err != nil {
		return remote.ExportedAuthorization{}, err
	}
	auth := remote.ExportedAuthorization{ID: d.i64(), Bytes: d.bytes()}
	return auth, d.err
}

// Connect opens a new stream to dc, authorized with key when it is non-nil.
func (c *Client) Connect(ctx context.Context, dc remote.DC, key remote.AuthKey) (remote.Sender, error) {
	w := newWire(c.dial, dc.Addr, key)

	w.mu.Lock()
	err := w.ensure(ctx)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &sender{wire: w}, nil
}

func (c *Client) ForwardMessage(ctx context.Context, toChat, fromChat int64, msgID int) (int, error) {
	d, err := c.home.call(ctx, opForward, (&encoder{}).i64(toChat).i64(fromChat).u32(uint32(msgID)).buf)
	if err != nil {
		return 0, err
	}
	id := int(d.u32())
	return id, d.err
}

func (c *Client) MessageLocation(ctx context.Context, chat int64, msgID int) (remote.Location, error) {
	d, err := c.home.call(ctx, opMessageLocation, (&encoder{}).i64(chat).u32(uint32(msgID)).buf)
	if err != nil {
		return remote.Location{}, err
	}
	loc := d.location()
	return loc, d.err
}

func (c *Client) DeleteMessage(ctx context.Context, chat int64, msgID int) error {
	_, err := c.home.call(ctx, opDeleteMessage, (&encoder{}).i64(chat).u32(uint32(msgID)).buf)
	return err
}

func (c *Client) Close() error {
	c.log.Info("logging out")
	return c.home.close()
}

// sender is one stream to a data center.
type sender struct {
	*wire
}

func (s *sender) ImportAuthorization(ctx context.Context, auth remote.ExportedAuthorization) error {
	d, err := s.call(ctx, opImportAuth, (&encoder{}).i64(auth.ID).bytes(auth.Bytes).buf)
	if err != nil {
		return err
	}
	key := remote.AuthKey(d.bytes())
	if d.err != nil {
		return d.err
	}
	s.setKey(key)
	return nil
}

func (s *sender) GetFile(ctx context.Context, loc remote.Location, offset int64, limit int) ([]byte, error) {
	d, err := s.call(ctx, opGetFile, (&encoder{}).location(loc).i64(offset).u32(uint32(limit)).buf)
	if err != nil {
		return nil, err
	}
	data := d.bytes()
	return data, d.err
}

func (s *sender) AuthKey() remote.AuthKey {
	return s.authKey()
}

func (s *sender) Close() error {
	return s.close()
}
