package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid download token")
	// ErrTokenExpired is returned for a well-signed token past its deadline.
	ErrTokenExpired = errors.New("download token expired")
)

// Grant is what a signed download token authorises: one file belonging to one session.
type Grant struct {
	SessionID string    `json:"sid"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"-"`
}

type grantPayload struct {
	SessionID string `json:"sid"`
	Path      string `json:"path"`
	Expires   int64  `json:"exp"`
}

// SignedURLSigner creates and validates HMAC-signed download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a token of the form payload.signature for the grant.
func (s *SignedURLSigner) Sign(sessionID, relPath string) (string, time.Time, error) {
	if sessionID == "" || relPath == "" {
		return "", time.Time{}, errors.New("session id and path required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	raw, err := json.Marshal(grantPayload{SessionID: sessionID, Path: relPath, Expires: expiresAt.Unix()})
	if err != nil {
		return "", time.Time{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + s.sign(payload), expiresAt, nil
}

// Verify checks the signature and deadline and returns the grant.
func (s *SignedURLSigner) Verify(token string) (Grant, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || signature == "" {
		return Grant{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(signature)) {
		return Grant{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Grant{}, ErrInvalidToken
	}
	var decoded grantPayload
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.SessionID == "" || decoded.Path == "" {
		return Grant{}, ErrInvalidToken
	}
	grant := Grant{SessionID: decoded.SessionID, Path: decoded.Path, ExpiresAt: time.Unix(decoded.Expires, 0)}
	if s.now().After(grant.ExpiresAt) {
		return grant, ErrTokenExpired
	}
	return grant, nil
}

func (s *SignedURLSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
