// Package postgres provides a PostgreSQL-backed storage.Store with metrics.
package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a PostgreSQL store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens and pings the database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded SQL migrations in name order. Every migration is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// GetFile returns a file registered by userID, or any file when userID is 0.
func (s *Store) GetFile(ctx context.Context, fileID, userID int64) (*storage.FileInfo, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	var f storage.FileInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT f.id, f.dc_id, f.size, f.mime_type, f.file_name, f.thumb_size, f.is_deleted
		 FROM files f
		 WHERE f.id = $1
		   AND ($2::BIGINT = 0 OR EXISTS (SELECT 1 FROM user_files u WHERE u.file_id = f.id AND u.user_id = $2))`,
		fileID, userID,
	).Scan(&f.ID, &f.DCID, &f.Size, &f.MimeType, &f.Name, &f.ThumbSize, &f.IsDeleted)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return &f, nil
}

// AddFile upserts the file row and links it to userID. The restriction flag
// of an existing file is left alone.
func (s *Store) AddFile(ctx context.Context, userID int64, file storage.FileInfo, src storage.FileSource) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("add_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, dc_id, size, mime_type, file_name, thumb_size, is_deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   dc_id = EXCLUDED.dc_id,
		   size = EXCLUDED.size,
		   mime_type = EXCLUDED.mime_type,
		   file_name = EXCLUDED.file_name,
		   thumb_size = EXCLUDED.thumb_size`,
		file.ID, file.DCID, file.Size, file.MimeType, file.Name, file.ThumbSize, file.IsDeleted)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}

	chatID := src.ChatID
	if chatID == 0 {
		chatID = userID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_files (user_id, file_id, source_chat_id, source_msg_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, file_id) DO UPDATE SET
		   source_chat_id = EXCLUDED.source_chat_id,
		   source_msg_id = EXCLUDED.source_msg_id`,
		userID, file.ID, chatID, src.MessageID)
	if err != nil {
		return fmt.Errorf("link user file: %w", err)
	}
	return nil
}

// SetFileRestricted hides or unhides a file.
func (s *Store) SetFileRestricted(ctx context.Context, fileID int64, restricted bool) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_file_restricted", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET is_deleted = $2 WHERE id = $1`, fileID, restricted)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return expectRow(res)
}

// GetSource returns where userID registered the file from.
func (s *Store) GetSource(ctx context.Context, fileID, userID int64) (*storage.FileSource, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_source", time.Since(start)) }()

	var src storage.FileSource
	err := s.db.QueryRowContext(ctx,
		`SELECT source_chat_id, source_msg_id, added_at
		 FROM user_files WHERE file_id = $1 AND user_id = $2`,
		fileID, userID,
	).Scan(&src.ChatID, &src.MessageID, &src.AddedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	return &src, nil
}

// GetLocation returns accountID's handle for file.
func (s *Store) GetLocation(ctx context.Context, file *storage.FileInfo, accountID int64) (*remote.Location, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_location", time.Since(start)) }()

	loc := remote.Location{ID: file.ID, ThumbSize: file.ThumbSize}
	err := s.db.QueryRowContext(ctx,
		`SELECT access_hash, file_reference
		 FROM file_locations WHERE file_id = $1 AND account_id = $2`,
		file.ID, accountID,
	).Scan(&loc.AccessHash, &loc.FileReference)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query location: %w", err)
	}
	return &loc, nil
}

// UpsertLocation stores accountID's handle for file loc.ID.
func (s *Store) UpsertLocation(ctx context.Context, accountID int64, loc remote.Location) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_location", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_locations (account_id, file_id, access_hash, file_reference)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, file_id) DO UPDATE SET
		   access_hash = EXCLUDED.access_hash,
		   file_reference = EXCLUDED.file_reference,
		   updated_at = NOW()`,
		accountID, loc.ID, loc.AccessHash, loc.FileReference)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}

// GetUser returns a user.
func (s *Store) GetUser(ctx context.Context, userID int64) (*storage.User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_user", time.Since(start)) }()

	var (
		u   storage.User
		ban sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, join_date, ban_date, warns, preferred_lang FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.JoinDate, &ban, &u.Warns, &u.PreferredLang)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if ban.Valid {
		u.BanDate = &ban.Time
	}
	return &u, nil
}

// UpsertUser inserts or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_user", time.Since(start)) }()

	if u.JoinDate.IsZero() {
		u.JoinDate = time.Now()
	}
	var ban sql.NullTime
	if u.BanDate != nil {
		ban = sql.NullTime{Time: *u.BanDate, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, join_date, ban_date, warns, preferred_lang)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   join_date = EXCLUDED.join_date,
		   ban_date = EXCLUDED.ban_date,
		   warns = EXCLUDED.warns,
		   preferred_lang = EXCLUDED.preferred_lang`,
		u.ID, u.JoinDate, ban, u.Warns, u.PreferredLang)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateGroup creates an empty group and returns its id.
func (s *Store) CreateGroup(ctx context.Context, userID int64, name string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_group", time.Since(start)) }()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO file_groups (user_id, name) VALUES ($1, $2) RETURNING id`,
		userID, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return id, nil
}

// AddFileToGroup appends fileID to a group owned by userID. Adding a file
// that is already in the group is a no-op.
func (s *Store) AddFileToGroup(ctx context.Context, groupID, userID, fileID int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("add_file_to_group", time.Since(start)) }()

	var owned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM file_groups WHERE id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&owned)
	if err != nil {
		return fmt.Errorf("query group: %w", err)
	}
	if !owned {
		return storage.ErrNotFound
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_group_items (group_id, file_id, position)
		 SELECT $1::BIGINT, $2::BIGINT, COALESCE(MAX(position) + 1, 0) FROM file_group_items WHERE group_id = $1
		 ON CONFLICT (group_id, file_id) DO NOTHING`,
		groupID, fileID)
	if err != nil {
		return fmt.Errorf("insert group item: %w", err)
	}
	return nil
}

// GetGroup returns a group owned by userID with its files in order.
func (s *Store) GetGroup(ctx context.Context, groupID, userID int64) (*storage.Group, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_group", time.Since(start)) }()

	var g storage.Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM file_groups WHERE id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&g.ID, &g.UserID, &g.Name, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id FROM file_group_items WHERE group_id = $1 ORDER BY position`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("query group items: %w", err)
	}
	defer rows.Close()

	g.Files = []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group item: %w", err)
		}
		g.Files = append(g.Files, id)
	}
	return &g, rows.Err()
}

// Secret returns the link secret, creating or replacing it as needed.
func (s *Store) Secret(ctx context.Context, rotate bool) ([]byte, error) {
	if !rotate {
		v, err := s.configValue(ctx, storage.KeyLinkSecret)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	secret := make([]byte, storage.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := s.setConfigValue(ctx, storage.KeyLinkSecret, secret); err != nil {
		return nil, err
	}
	logging.Info("link secret generated", zap.Bool("rotated", rotate))
	return secret, nil
}

// GetConfigValue returns a service configuration value.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	v, err := s.configValue(ctx, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetConfigValue sets a service configuration value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	return s.setConfigValue(ctx, key, []byte(value))
}

func (s *Store) configValue(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_config", time.Since(start)) }()

	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM service_config WHERE key = $1`, key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query config %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setConfigValue(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_config", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
