// Package storage defines the persistence contract for files, users, groups,
// per-account location handles and service configuration.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the requesting user.
var ErrNotFound = errors.New("storage: not found")

// Config keys.
const (
	KeyLinkSecret = "link.secret"
	KeyVersion    = "VERSION"
	KeyOldVersion = "OLD_VERSION"
)

// SecretSize is the length of a freshly generated link secret.
const SecretSize = 32

// FileInfo describes a remote object registered by at least one user.
type FileInfo struct {
	ID        int64  `json:"id"`
	DCID      int    `json:"dc_id"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	Name      string `json:"name"`
	ThumbSize string `json:"thumb_size,omitempty"`
	IsDeleted bool   `json:"is_deleted"`
}

// FileSource is the message a user registered a file from.
type FileSource struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	AddedAt   time.Time `json:"added_at"`
}

// User is an end user of the service.
type User struct {
	ID            int64      `json:"id"`
	JoinDate      time.Time  `json:"join_date"`
	BanDate       *time.Time `json:"ban_date,omitempty"`
	Warns         int        `json:"warns"`
	PreferredLang string     `json:"preferred_lang"`
}

// Banned reports whether the user is banned.
func (u *User) Banned() bool {
	return u.BanDate != nil
}

// Group is a user's ordered list of files.
type Group struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     []int64   `json:"files"`
}

// Store is implemented by every storage backend.
type Store interface {
	// GetFile returns a file visible to userID. A zero userID skips the
	// visibility check.
	GetFile(ctx context.Context, fileID, userID int64) (*FileInfo, error)
	// AddFile registers file for userID, or adds userID to an existing file.
	AddFile(ctx context.Context, userID int64, file FileInfo, src FileSource) error
	SetFileRestricted(ctx context.Context, fileID int64, restricted bool) error
	GetSource(ctx context.Context, fileID, userID int64) (*FileSource, error)

	// GetLocation returns the handle accountID holds for file.
	GetLocation(ctx context.Context, file *FileInfo, accountID int64) (*remote.Location, error)
	// UpsertLocation stores loc as accountID's handle for file loc.ID.
	UpsertLocation(ctx context.Context, accountID int64, loc remote.Location) error

	GetUser(ctx context.Context, userID int64) (*User, error)
	UpsertUser(ctx context.Context, user User) error

	CreateGroup(ctx context.Context, userID int64, name string) (int64, error)
	// AddFileToGroup appends fileID to the end of a group owned by userID.
	AddFileToGroup(ctx context.Context, groupID, userID, fileID int64) error
	GetGroup(ctx context.Context, groupID, userID int64) (*Group, error)

	// Secret returns the link signing secret, generating it on first use or
	// when rotate is set.
	Secret(ctx context.Context, rotate bool) ([]byte, error)
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	Close() error
}
