package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SpringsFern/TG-FileStream/internal/auth"
	"github.com/SpringsFern/TG-FileStream/internal/locator"
	"github.com/SpringsFern/TG-FileStream/internal/quota"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
	badgerstore "github.com/SpringsFern/TG-FileStream/internal/storage/badger"
	"github.com/SpringsFern/TG-FileStream/internal/transfer"
)

const (
	testUser   = 42
	testFile   = 77
	testSize   = 1000
	chunkSize  = 64
	publicURL  = "https://files.example.com"
	binChannel = -1001
)

var errBoom = errors.New("boom")

// fakeBackend is one backend account: session, messenger and the senders it
// hands out, all serving a single object.
type fakeBackend struct {
	accountID int64
	object    []byte

	mu       sync.Mutex
	expired  map[string]bool
	readErr  error
	connects int
	forwards int
	refs     int
}

func newFakeBackend(accountID int64, object []byte) *fakeBackend {
	return &fakeBackend{accountID: accountID, object: object, expired: make(map[string]bool)}
}

func (b *fakeBackend) AccountID() int64        { return b.accountID }
func (b *fakeBackend) HomeDC() int             { return 2 }
func (b *fakeBackend) AuthKey() remote.AuthKey { return remote.AuthKey("home") }
func (b *fakeBackend) Close() error            { return nil }

func (b *fakeBackend) ResolveDC(_ context.Context, dcID int) (remote.DC, error) {
	return remote.DC{ID: dcID, Addr: "127.0.0.1:1"}, nil
}

func (b *fakeBackend) ExportAuthorization(_ context.Context, dcID int) (remote.ExportedAuthorization, error) {
	return remote.ExportedAuthorization{ID: int64(dcID), Bytes: []byte("ticket")}, nil
}

func (b *fakeBackend) Connect(context.Context, remote.DC, remote.AuthKey) (remote.Sender, error) {
	b.mu.Lock()
	b.connects++
	b.mu.Unlock()
	return &fakeSender{backend: b}, nil
}

func (b *fakeBackend) ForwardMessage(_ context.Context, _, _ int64, msgID int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwards++
	return 5000 + b.forwards, nil
}

func (b *fakeBackend) MessageLocation(_ context.Context, _ int64, msgID int) (remote.Location, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return remote.Location{AccessHash: int64(msgID), FileReference: []byte(fmt.Sprintf("ref-%d", b.refs))}, nil
}

func (b *fakeBackend) DeleteMessage(context.Context, int64, int) error { return nil }

func (b *fakeBackend) stats() (connects, forwards int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.forwards
}

type fakeSender struct {
	backend *fakeBackend
}

func (s *fakeSender) ImportAuthorization(context.Context, remote.ExportedAuthorization) error {
	return nil
}

func (s *fakeSender) GetFile(_ context.Context, loc remote.Location, offset int64, limit int) ([]byte, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	if b.expired[string(loc.FileReference)] {
		return nil, remote.ErrLocationExpired
	}
	if offset >= int64(len(b.object)) {
		return nil, nil
	}
	end := min(offset+int64(limit), int64(len(b.object)))
	return bytes.Clone(b.object[offset:end]), nil
}

func (s *fakeSender) AuthKey() remote.AuthKey { return remote.AuthKey("home") }
func (s *fakeSender) Close() error            { return nil }

func synthetic(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type testEnv struct {
	backend *fakeBackend
	store   *badgerstore.Store
	signer  *auth.Signer
	pool    *transfer.Pool
	handler http.Handler
	object  []byte
}

func newTestEnv(t *testing.T, rpm int) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := badgerstore.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	file := storage.FileInfo{ID: testFile, DCID: 2, Size: testSize, MimeType: "video/x-matroska", Name: "movie.mkv"}
	if err := store.AddFile(ctx, testUser, file, storage.FileSource{MessageID: 10}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	secret, err := store.Secret(ctx, false)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	object := synthetic(testSize)
	backend := newFakeBackend(1, object)
	tr := transfer.NewParallelTransferrer(backend, transfer.Options{ChunkSize: chunkSize, ConnectionLimit: 3})
	tr.PostInit()
	pool := transfer.NewPool(tr)

	srv := NewServer(Options{
		Pool:      pool,
		Resolver:  locator.New(locator.Options{Store: store, Primary: backend, BinChannel: binChannel}),
		Store:     store,
		Signer:    signer,
		Limiter:   quota.NewRateLimiter(rpm),
		PublicURL: publicURL + "/",
		Version:   "test",
	})

	return &testEnv{
		backend: backend,
		store:   store,
		signer:  signer,
		pool:    pool,
		handler: srv.Handler(),
		object:  object,
	}
}

func (e *testEnv) link(t *testing.T, prefix string, userID, id int64) string {
	t.Helper()
	token, err := e.signer.Make(userID, id)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	return prefix + token
}

func (e *testEnv) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	env.pool.Add(transfer.NewParallelTransferrer(newFakeBackend(2, nil), transfer.Options{}))

	// Touch DC 2 of account 1.
	if rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil); rec.Code != http.StatusOK {
		t.Fatalf("download: %d %s", rec.Code, rec.Body)
	}

	rec := env.do(http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %+v", resp.Accounts)
	}
	first := resp.Accounts[0]
	if first.AccountID != 1 || first.Users != 0 {
		t.Errorf("unexpected first account %+v", first)
	}
	if len(first.DCs) != 1 || first.DCs[0].DCID != 2 || len(first.DCs[0].Users) != 1 {
		t.Errorf("expected one idle connection in dc 2, got %+v", first.DCs)
	}
	if resp.Accounts[1].AccountID != 2 || len(resp.Accounts[1].DCs) != 0 {
		t.Errorf("unexpected second account %+v", resp.Accounts[1])
	}
}

func TestGroup(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	other := storage.FileInfo{ID: 78, DCID: 2, Size: 5, Name: "b.txt"}
	if err := env.store.AddFile(ctx, testUser, other, storage.FileSource{MessageID: 11}); err != nil {
		t.Fatal(err)
	}
	gid, err := env.store.CreateGroup(ctx, testUser, "both")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{78, testFile} {
		if err := env.store.AddFileToGroup(ctx, gid, testUser, id); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(http.MethodGet, env.link(t, "/group/", testUser, gid), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	want := publicURL + env.link(t, "/dl/", testUser, 78) + "\n" +
		publicURL + env.link(t, "/dl/", testUser, testFile) + "\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("group body:\n got %q\nwant %q", got, want)
	}

	if rec := env.do(http.MethodGet, env.link(t, "/group/", 7, gid), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's group, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/group/abc/def", nil); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a bad token, got %d", rec.Code)
	}
}

func TestBannedUser(t *testing.T) {
	env := newTestEnv(t, 0)
	banned := time.Now()
	if err := env.store.UpsertUser(context.Background(), storage.User{ID: testUser, BanDate: &banned}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if connects, _ := env.backend.stats(); connects != 0 {
		t.Errorf("expected no connections for a banned user, got %d", connects)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 1)
	target := env.link(t, "/dl/", testUser, testFile)

	if rec := env.do(http.MethodHead, target, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec := env.do(http.MethodHead, target, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("expected a positive Retry-After, got %q", got)
	}
}

func TestInvalidLink(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.link(t, "", testUser, testFile)
	payload, _, _ := strings.Cut(token, "/")

	rec := env.do(http.MethodGet, "/dl/"+payload+"/AAAA", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != http.StatusForbidden || body.Error == "" {
		t.Errorf("unexpected error body %+v", body)
	}
}
