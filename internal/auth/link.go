// Package auth signs and verifies download links.
//
// A link token is two path segments, payload and signature. The payload is
// the big-endian pair (user id, object id) and the signature is its
// HMAC-SHA256 under the service secret. Both are base64url without padding.
package auth

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const payloadSize = 16

var (
	// ErrInvalidToken is returned for a malformed token or a bad signature.
	ErrInvalidToken = errors.New("auth: invalid link token")
	// ErrNoSecret is returned when constructing a Signer without a secret.
	ErrNoSecret = errors.New("auth: empty link secret")
)

var encoding = base64.RawURLEncoding

// Signer makes and checks link tokens. It is safe for concurrent use.
type Signer struct {
	secret []byte
	method jwt.SigningMethod
}

// NewSigner returns a Signer keyed with secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Signer{
		secret: append([]byte(nil), secret...),
		method: jwt.SigningMethodHS256,
	}, nil
}

// Make returns the "<payload>/<sig>" token for (userID, id). id is a file id
// or a group id depending on the route the token is used with.
func (s *Signer) Make(userID, id int64) (string, error) {
	payload := make([]byte, payloadSize)
	binary.BigEndian.PutUint64(payload, uint64(userID))
	binary.BigEndian.PutUint64(payload[8:], uint64(id))

	sig, err := s.method.Sign(string(payload), s.secret)
	if err != nil {
		return "", fmt.Errorf("sign link: %w", err)
	}
	return encoding.EncodeToString(payload) + "/" + encoding.EncodeToString(sig), nil
}

// Parse verifies the two token segments and returns (userID, id).
func (s *Signer) Parse(payloadSeg, sigSeg string) (userID, id int64, err error) {
	payload, err := encoding.DecodeString(payloadSeg)
	if err != nil || len(payload) != payloadSize {
		return 0, 0, ErrInvalidToken
	}
	sig, err := encoding.DecodeString(sigSeg)
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	if err := s.method.Verify(string(payload), sig, s.secret); err != nil {
		return 0, 0, ErrInvalidToken
	}

	userID = int64(binary.BigEndian.Uint64(payload))
	id = int64(binary.BigEndian.Uint64(payload[8:]))
	return userID, id, nil
}
