// Package persist stores recordings documents and audio blobs for the
// server side and for offline use.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a challenge or audio blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID is returned for ids that cannot be used as storage keys.
	ErrInvalidID = errors.New("invalid id")
)

// Repository holds one recordings document per challenge and the audio
// blobs of its sessions.
type Repository interface {
	GetRecordings(ctx context.Context, challengeID string) ([]byte, error)
	PutRecordings(ctx context.Context, challengeID string, body []byte) error
	// DeleteRecordings removes the document and every audio blob of the
	// challenge.
	DeleteRecordings(ctx context.Context, challengeID string) error
	PutAudio(ctx context.Context, challengeID, sessionID string, r io.Reader) (ref string, err error)
	GetAudio(ctx context.Context, challengeID, sessionID string) (io.ReadCloser, error)
	ListChallenges(ctx context.Context) ([]string, error)
	Close() error
}

// ValidID rejects ids that are empty or could escape a storage directory.
func ValidID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validIDs(ids ...string) error {
	for _, id := range ids {
		if err := ValidID(id); err != nil {
			return err
		}
	}
	return nil
}

// Open returns the repository for backend ("disk" or "sqlite") rooted at
// dataDir.
func Open(backend, dataDir string) (Repository, error) {
	switch backend {
	case "", "disk":
		return NewDisk(dataDir)
	case "sqlite":
		return NewSQLite(filepath.Join(dataDir, "rewind.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
