package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// fakeSession is an in-memory remote.Session serving one object.
type fakeSession struct {
	accountID int64
	homeDC    int
	homeKey   remote.AuthKey
	object    []byte

	exportErr  error
	connectErr error
	getFileErr func(offset int64) error
	gate       chan struct{} // when set, GetFile waits for a value or ctx

	mu         sync.Mutex
	connectKey []remote.AuthKey
	senders    []*fakeSender

	resolves atomic.Int32
	exports  atomic.Int32
	imports  atomic.Int32
	reads    atomic.Int32
}

func newFakeSession(accountID int64, object []byte) *fakeSession {
	return &fakeSession{
		accountID: accountID,
		homeDC:    2,
		homeKey:   remote.AuthKey("home-key"),
		object:    object,
	}
}

func (s *fakeSession) AccountID() int64        { return s.accountID }
func (s *fakeSession) HomeDC() int             { return s.homeDC }
func (s *fakeSession) AuthKey() remote.AuthKey { return s.homeKey }
func (s *fakeSession) Close() error            { return nil }

func (s *fakeSession) ResolveDC(_ context.Context, dcID int) (remote.DC, error) {
	s.resolves.Add(1)
	return remote.DC{ID: dcID, Addr: fmt.Sprintf("10.0.0.%d:443", dcID)}, nil
}

func (s *fakeSession) ExportAuthorization(_ context.Context, dcID int) (remote.ExportedAuthorization, error) {
	s.exports.Add(1)
	if s.exportErr != nil {
		return remote.ExportedAuthorization{}, s.exportErr
	}
	return remote.ExportedAuthorization{ID: int64(dcID), Bytes: []byte("ticket")}, nil
}

func (s *fakeSession) Connect(_ context.Context, dc remote.DC, key remote.AuthKey) (remote.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectKey = append(s.connectKey, key)
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	snd := &fakeSender{session: s, key: key}
	s.senders = append(s.senders, snd)
	return snd, nil
}

func (s *fakeSession) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectKey)
}

func (s *fakeSession) keys() []remote.AuthKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.AuthKey(nil), s.connectKey...)
}

func (s *fakeSession) openSenders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snd := range s.senders {
		if !snd.closed.Load() {
			n++
		}
	}
	return n
}

type fakeSender struct {
	session *fakeSession
	key     remote.AuthKey
	closed  atomic.Bool
}

func (f *fakeSender) ImportAuthorization(_ context.Context, auth remote.ExportedAuthorization) error {
	f.session.imports.Add(1)
	f.key = remote.AuthKey(fmt.Sprintf("dc%d-key", auth.ID))
	return nil
}

func (f *fakeSender) GetFile(ctx context.Context, _ remote.Location, offset int64, limit int) ([]byte, error) {
	if f.closed.Load() {
		return nil, remote.ErrClosed
	}
	f.session.reads.Add(1)
	if f.session.gate != nil {
		select {
		case <-f.session.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.session.getFileErr != nil {
		if err := f.session.getFileErr(offset); err != nil {
			return nil, err
		}
	}
	obj := f.session.object
	if offset >= int64(len(obj)) {
		return nil, nil
	}
	end := offset + int64(limit)
	if end > int64(len(obj)) {
		end = int64(len(obj))
	}
	return bytes.Clone(obj[offset:end]), nil
}

func (f *fakeSender) AuthKey() remote.AuthKey { return f.key }

func (f *fakeSender) Close() error {
	if f.closed.Swap(true) {
		return remote.ErrClosed
	}
	return nil
}

// synthetic returns an object whose byte at position p is p mod 251, so any
// misplaced byte shows up in comparisons.
func synthetic(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

var errBoom = errors.New("boom")
