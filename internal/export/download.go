package export

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// DownloadLink grants bounded, time-limited access to one export artifact.
// Possession of the token is the only credential.
type DownloadLink struct {
	Token         string    `json:"token"`
	ArtifactPath  string    `json:"-"`
	ExpiryTime    time.Time `json:"expiry_time"`
	MaxDownloads  int       `json:"max_downloads"`
	DownloadCount int       `json:"download_count"`
	CreatedTime   time.Time `json:"created_time"`
	FileSize      int64     `json:"file_size"`
}

// Denial reasons returned by Download. Every refusal names its cause.
const (
	DenyInvalidToken  = "invalid token"
	DenyExpired       = "download link expired"
	DenyLimitExceeded = "download limit exceeded"
	DenyFileMissing   = "file missing"
)

// mintToken returns an unguessable bearer token.
func mintToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint download token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newLink mints a link for path. expiry may be zero, producing a link that
// is already dead; callers rely on that for revocation-by-construction.
func newLink(path string, expiry time.Duration, maxDownloads int, size int64) (*DownloadLink, error) {
	token, err := mintToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &DownloadLink{
		Token:        token,
		ArtifactPath: path,
		ExpiryTime:   now.Add(expiry),
		MaxDownloads: maxDownloads,
		CreatedTime:  now,
		FileSize:     size,
	}, nil
}

// check validates the link and returns a denial reason, or "" when a
// download may proceed. It does not consume the link.
func (l *DownloadLink) check() string {
	if !time.Now().UTC().Before(l.ExpiryTime) {
		return DenyExpired
	}
	if l.DownloadCount >= l.MaxDownloads {
		return DenyLimitExceeded
	}
	if _, err := os.Stat(l.ArtifactPath); err != nil {
		return DenyFileMissing
	}
	return ""
}

// expired reports whether the link can never succeed again.
func (l *DownloadLink) expired() bool {
	return !time.Now().UTC().Before(l.ExpiryTime)
}
