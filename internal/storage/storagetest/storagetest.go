// Package storagetest holds the behaviour every storage.Store must share.
// Backends call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

// Run exercises store. The store must start empty.
func Run(t *testing.T, store storage.Store) {
	t.Run("Files", func(t *testing.T) { testFiles(t, store) })
	t.Run("Locations", func(t *testing.T) { testLocations(t, store) })
	t.Run("Users", func(t *testing.T) { testUsers(t, store) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, store) })
	t.Run("Config", func(t *testing.T) { testConfig(t, store) })
}

func sampleFile(id int64) storage.FileInfo {
	return storage.FileInfo{
		ID:       id,
		DCID:     4,
		Size:     1 << 20,
		MimeType: "video/mp4",
		Name:     "clip.mp4",
	}
}

func testFiles(t *testing.T, store storage.Store) {
	ctx := context.Background()
	file := sampleFile(1001)
	src := storage.FileSource{ChatID: 500, MessageID: 12}

	if _, err := store.GetFile(ctx, file.ID, 0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before add, got %v", err)
	}
	if err := store.AddFile(ctx, 500, file, src); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	got, err := store.GetFile(ctx, file.ID, 500)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if diff := cmp.Diff(file, *got); diff != "" {
		t.Errorf("file mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.GetFile(ctx, file.ID, 600); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected file hidden from another user, got %v", err)
	}
	if _, err := store.GetFile(ctx, file.ID, 0); err != nil {
		t.Errorf("expected unchecked lookup to succeed, got %v", err)
	}

	// A second user registering the same file gets their own source.
	if err := store.AddFile(ctx, 600, file, storage.FileSource{ChatID: 600, MessageID: 3}); err != nil {
		t.Fatalf("AddFile second user: %v", err)
	}
	s, err := store.GetSource(ctx, file.ID, 600)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if s.ChatID != 600 || s.MessageID != 3 {
		t.Errorf("unexpected source %+v", s)
	}
	if s.AddedAt.IsZero() {
		t.Error("expected added_at to be set")
	}
	s, err = store.GetSource(ctx, file.ID, 500)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if s.ChatID != 500 || s.MessageID != 12 {
		t.Errorf("first user's source changed: %+v", s)
	}
	if _, err := store.GetSource(ctx, file.ID, 700); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user source, got %v", err)
	}

	if err := store.SetFileRestricted(ctx, file.ID, true); err != nil {
		t.Fatalf("SetFileRestricted: %v", err)
	}
	got, err = store.GetFile(ctx, file.ID, 500)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !got.IsDeleted {
		t.Error("expected file restricted")
	}
	if err := store.SetFileRestricted(ctx, 9999, true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound restricting unknown file, got %v", err)
	}
}

func testLocations(t *testing.T, store storage.Store) {
	ctx := context.Background()
	file := sampleFile(2002)
	file.ThumbSize = "y"
	if err := store.AddFile(ctx, 500, file, storage.FileSource{ChatID: 500, MessageID: 1}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if _, err := store.GetLocation(ctx, &file, 11); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before upsert, got %v", err)
	}

	loc := remote.Location{ID: file.ID, AccessHash: 77, FileReference: []byte{1, 2, 3}}
	if err := store.UpsertLocation(ctx, 11, loc); err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}
	got, err := store.GetLocation(ctx, &file, 11)
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if got.ID != file.ID || got.AccessHash != 77 || !bytes.Equal(got.FileReference, []byte{1, 2, 3}) {
		t.Errorf("unexpected location %+v", got)
	}
	if got.ThumbSize != "y" {
		t.Errorf("expected thumb size from file, got %q", got.ThumbSize)
	}

	// Locations are per account.
	if _, err := store.GetLocation(ctx, &file, 12); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another account, got %v", err)
	}

	loc.AccessHash = 78
	loc.FileReference = []byte{9}
	if err := store.UpsertLocation(ctx, 11, loc); err != nil {
		t.Fatalf("UpsertLocation overwrite: %v", err)
	}
	got, err = store.GetLocation(ctx, &file, 11)
	if err != nil {
		t.Fatalf("GetLocation: %v", err)
	}
	if got.AccessHash != 78 || !bytes.Equal(got.FileReference, []byte{9}) {
		t.Errorf("expected overwritten location, got %+v", got)
	}
}

func testUsers(t *testing.T, store storage.Store) {
	ctx := context.Background()

	if _, err := store.GetUser(ctx, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	joined := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpsertUser(ctx, storage.User{ID: 42, JoinDate: joined, PreferredLang: "en"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, err := store.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Banned() {
		t.Error("expected user not banned")
	}
	if !u.JoinDate.Equal(joined) {
		t.Errorf("expected join date %s, got %s", joined, u.JoinDate)
	}

	banned := joined.Add(time.Hour)
	u.BanDate = &banned
	u.Warns = 2
	if err := store.UpsertUser(ctx, *u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, err = store.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Banned() || u.Warns != 2 {
		t.Errorf("expected banned user with 2 warns, got %+v", u)
	}
}

func testGroups(t *testing.T, store storage.Store) {
	ctx := context.Background()
	for _, id := range []int64{3001, 3002, 3003} {
		if err := store.AddFile(ctx, 500, sampleFile(id), storage.FileSource{ChatID: 500, MessageID: int(id)}); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}

	gid, err := store.CreateGroup(ctx, 500, "season 1")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, id := range []int64{3002, 3001, 3003} {
		if err := store.AddFileToGroup(ctx, gid, 500, id); err != nil {
			t.Fatalf("AddFileToGroup: %v", err)
		}
	}
	if err := store.AddFileToGroup(ctx, gid, 600, 3001); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound adding to another user's group, got %v", err)
	}

	g, err := store.GetGroup(ctx, gid, 500)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.Name != "season 1" || g.UserID != 500 {
		t.Errorf("unexpected group %+v", g)
	}
	if diff := cmp.Diff([]int64{3002, 3001, 3003}, g.Files); diff != "" {
		t.Errorf("group order mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.GetGroup(ctx, gid, 600); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected group hidden from another user, got %v", err)
	}

	other, err := store.CreateGroup(ctx, 500, "season 2")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if other == gid {
		t.Error("expected distinct group ids")
	}
}

func testConfig(t *testing.T, store storage.Store) {
	ctx := context.Background()

	first, err := store.Secret(ctx, false)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(first) != storage.SecretSize {
		t.Errorf("expected %d-byte secret, got %d", storage.SecretSize, len(first))
	}
	again, err := store.Secret(ctx, false)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Error("expected stable secret")
	}
	rotated, err := store.Secret(ctx, true)
	if err != nil {
		t.Fatalf("Secret rotate: %v", err)
	}
	if bytes.Equal(first, rotated) {
		t.Error("expected rotated secret to differ")
	}

	if _, err := store.GetConfigValue(ctx, storage.KeyVersion); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetConfigValue(ctx, storage.KeyVersion, "1.2.0"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	v, err := store.GetConfigValue(ctx, storage.KeyVersion)
	if err != nil {
		t.Fatalf("GetConfigValue: %v", err)
	}
	if v != "1.2.0" {
		t.Errorf("expected 1.2.0, got %q", v)
	}
}
