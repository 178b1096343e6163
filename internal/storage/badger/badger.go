// Package badger provides an embedded storage.Store on top of BadgerDB.
//
// Each file is one JSON document that embeds the users who registered it and
// the location handle of every backend account, so a lookup is a single key
// read.
package badger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/retry"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

const (
	prefixFile   = "file/"
	prefixUser   = "user/"
	prefixGroup  = "group/"
	prefixConfig = "config/"
	keyGroupSeq  = "seq/group"
)

// conflictRetry bounds retries of transactions that lost a write race.
var conflictRetry = retry.Config{
	MaxAttempts: 10,
	InitialWait: 5 * time.Millisecond,
	MaxWait:     100 * time.Millisecond,
	Multiplier:  2,
	Jitter:      0.5,
}

type fileDoc struct {
	storage.FileInfo
	Users     map[int64]storage.FileSource `json:"users"`
	Locations map[int64]locationDoc        `json:"locations"`
}

type locationDoc struct {
	AccessHash    int64     `json:"access_hash"`
	FileReference []byte    `json:"file_reference"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store is a BadgerDB store.
type Store struct {
	db       *badger.DB
	groupSeq *badger.Sequence
}

var _ storage.Store = (*Store)(nil)

// New opens the database in dir. An empty dir opens an in-memory database.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logging.Named("badger").Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyGroupSeq), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("group sequence: %w", err)
	}
	return &Store{db: db, groupSeq: seq}, nil
}

// Close releases the group sequence and closes the database.
func (s *Store) Close() error {
	if err := s.groupSeq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}

func fileKey(id int64) []byte  { return []byte(prefixFile + strconv.FormatInt(id, 10)) }
func userKey(id int64) []byte  { return []byte(prefixUser + strconv.FormatInt(id, 10)) }
func groupKey(id int64) []byte { return []byte(prefixGroup + strconv.FormatInt(id, 10)) }
func configKey(k string) []byte {
	return []byte(prefixConfig + k)
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction touched the same keys.
func (s *Store) update(ctx context.Context, query string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(query, time.Since(start)) }()

	return retry.Do(ctx, conflictRetry, func() error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return retry.Retryable(err)
		}
		return err
	})
}

func (s *Store) view(query string, fn func(txn *badger.Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(query, time.Since(start)) }()
	return s.db.View(fn)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) GetFile(ctx context.Context, fileID, userID int64) (*storage.FileInfo, error) {
	var doc fileDoc
	err := s.view("get_file", func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(fileID), &doc)
	})
	if err != nil {
		return nil, err
	}
	if userID != 0 {
		if _, ok := doc.Users[userID]; !ok {
			return nil, storage.ErrNotFound
		}
	}
	return &doc.FileInfo, nil
}

// AddFile upserts the file document and adds userID to it. The restriction
// flag of an existing file is left alone.
func (s *Store) AddFile(ctx context.Context, userID int64, file storage.FileInfo, src storage.FileSource) error {
	if src.ChatID == 0 {
		src.ChatID = userID
	}
	if src.AddedAt.IsZero() {
		src.AddedAt = time.Now().UTC()
	}

	return s.update(ctx, "add_file", func(txn *badger.Txn) error {
		var doc fileDoc
		err := getJSON(txn, fileKey(file.ID), &doc)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			doc = fileDoc{FileInfo: file}
		case err != nil:
			return err
		default:
			restricted := doc.IsDeleted
			doc.FileInfo = file
			doc.IsDeleted = restricted
		}
		if doc.Users == nil {
			doc.Users = make(map[int64]storage.FileSource)
		}
		if prev, ok := doc.Users[userID]; ok {
			src.AddedAt = prev.AddedAt
		}
		doc.Users[userID] = src
		return setJSON(txn, fileKey(file.ID), &doc)
	})
}

func (s *Store) SetFileRestricted(ctx context.Context, fileID int64, restricted bool) error {
	return s.update(ctx, "set_file_restricted", func(txn *badger.Txn) error {
		var doc fileDoc
		if err := getJSON(txn, fileKey(fileID), &doc); err != nil {
			return err
		}
		doc.IsDeleted = restricted
		return setJSON(txn, fileKey(fileID), &doc)
	})
}

func (s *Store) GetSource(ctx context.Context, fileID, userID int64) (*storage.FileSource, error) {
	var doc fileDoc
	if err := s.view("get_source", func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(fileID), &doc)
	}); err != nil {
		return nil, err
	}
	src, ok := doc.Users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &src, nil
}

func (s *Store) GetLocation(ctx context.Context, file *storage.FileInfo, accountID int64) (*remote.Location, error) {
	var doc fileDoc
	if err := s.view("get_location", func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(file.ID), &doc)
	}); err != nil {
		return nil, err
	}
	l, ok := doc.Locations[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &remote.Location{
		ID:            file.ID,
		AccessHash:    l.AccessHash,
		FileReference: l.FileReference,
		ThumbSize:     file.ThumbSize,
	}, nil
}

// UpsertLocation stores accountID's handle inside the document of file
// loc.ID. The file must exist.
func (s *Store) UpsertLocation(ctx context.Context, accountID int64, loc remote.Location) error {
	return s.update(ctx, "upsert_location", func(txn *badger.Txn) error {
		var doc fileDoc
		if err := getJSON(txn, fileKey(loc.ID), &doc); err != nil {
			return err
		}
		if doc.Locations == nil {
			doc.Locations = make(map[int64]locationDoc)
		}
		doc.Locations[accountID] = locationDoc{
			AccessHash:    loc.AccessHash,
			FileReference: loc.FileReference,
			UpdatedAt:     time.Now().UTC(),
		}
		return setJSON(txn, fileKey(loc.ID), &doc)
	})
}

func (s *Store) GetUser(ctx context.Context, userID int64) (*storage.User, error) {
	var u storage.User
	if err := s.view("get_user", func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &u)
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	if u.JoinDate.IsZero() {
		u.JoinDate = time.Now().UTC()
	}
	return s.update(ctx, "upsert_user", func(txn *badger.Txn) error {
		return setJSON(txn, userKey(u.ID), &u)
	})
}

func (s *Store) CreateGroup(ctx context.Context, userID int64, name string) (int64, error) {
	n, err := s.groupSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("next group id: %w", err)
	}
	g := storage.Group{
		ID:        int64(n) + 1,
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Files:     []int64{},
	}
	if err := s.update(ctx, "create_group", func(txn *badger.Txn) error {
		return setJSON(txn, groupKey(g.ID), &g)
	}); err != nil {
		return 0, err
	}
	return g.ID, nil
}

func (s *Store) AddFileToGroup(ctx context.Context, groupID, userID, fileID int64) error {
	return s.update(ctx, "add_file_to_group", func(txn *badger.Txn) error {
		var g storage.Group
		if err := getJSON(txn, groupKey(groupID), &g); err != nil {
			return err
		}
		if g.UserID != userID {
			return storage.ErrNotFound
		}
		for _, id := range g.Files {
			if id == fileID {
				return nil
			}
		}
		g.Files = append(g.Files, fileID)
		return setJSON(txn, groupKey(groupID), &g)
	})
}

func (s *Store) GetGroup(ctx context.Context, groupID, userID int64) (*storage.Group, error) {
	var g storage.Group
	if err := s.view("get_group", func(txn *badger.Txn) error {
		return getJSON(txn, groupKey(groupID), &g)
	}); err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return &g, nil
}

func (s *Store) Secret(ctx context.Context, rotate bool) ([]byte, error) {
	var secret []byte
	err := s.update(ctx, "secret", func(txn *badger.Txn) error {
		if !rotate {
			item, err := txn.Get(configKey(storage.KeyLinkSecret))
			if err == nil {
				secret, err = item.ValueCopy(nil)
				return err
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		secret = make([]byte, storage.SecretSize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		logging.Info("link secret generated", zap.Bool("rotated", rotate))
		return txn.Set(configKey(storage.KeyLinkSecret), secret)
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v []byte
	err := s.view("get_config", func(txn *badger.Txn) error {
		item, err := txn.Get(configKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	return s.update(ctx, "set_config", func(txn *badger.Txn) error {
		return txn.Set(configKey(key), []byte(value))
	})
}

// badgerLogger routes badger's logs to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
