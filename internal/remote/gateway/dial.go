package gateway

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// DialFunc opens a raw stream to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// newDialer returns a dialer that goes through the SOCKS5 proxy at proxyURL,
// or dials directly when proxyURL is empty.
func newDialer(proxyURL string) (DialFunc, error) {
	direct := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if proxyURL == "" {
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return direct.DialContext(ctx, "tcp", addr)
		}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 proxy: %w", err)
	}

	return func(ctx context.Context, addr string) (net.Conn, error) {
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return d.Dial("tcp", addr)
	}, nil
}
