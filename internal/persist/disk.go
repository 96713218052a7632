package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Disk stores recordings under dir/recordings/{challenge}.json and audio
// under dir/audio/{challenge}/{session}.webm.
type Disk struct {
	dir string
}

// NewDisk creates the directory layout under dir.
func NewDisk(dir string) (*Disk, error) {
	for _, sub := range []string{"recordings", "audio"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return &Disk{dir: dir}, nil
}

func (d *Disk) recordingsPath(challengeID string) string {
	return filepath.Join(d.dir, "recordings", challengeID+".json")
}

func (d *Disk) audioDir(challengeID string) string {
	return filepath.Join(d.dir, "audio", challengeID)
}

func (d *Disk) GetRecordings(_ context.Context, challengeID string) ([]byte, error) {
	if err := ValidID(challengeID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.recordingsPath(challengeID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read recordings: %w", err)
	}
	return data, nil
}

func (d *Disk) PutRecordings(_ context.Context, challengeID string, body []byte) error {
	if err := ValidID(challengeID); err != nil {
		return err
	}
	if err := writeAtomic(d.recordingsPath(challengeID), body); err != nil {
		return fmt.Errorf("failed to persist recordings: %w", err)
	}
	return nil
}

func (d *Disk) DeleteRecordings(_ context.Context, challengeID string) error {
	if err := ValidID(challengeID); err != nil {
		return err
	}
	if err := os.Remove(d.recordingsPath(challengeID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete recordings: %w", err)
	}
	if err := os.RemoveAll(d.audioDir(challengeID)); err != nil {
		return fmt.Errorf("failed to delete audio: %w", err)
	}
	return nil
}

func (d *Disk) PutAudio(_ context.Context, challengeID, sessionID string, r io.Reader) (string, error) {
	if err := validIDs(challengeID, sessionID); err != nil {
		return "", err
	}
	dir := d.audioDir(challengeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to persist audio: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}
	name := sessionID + ".webm"
	if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
		return "", fmt.Errorf("failed to persist audio: %w", err)
	}
	return name, nil
}

func (d *Disk) GetAudio(_ context.Context, challengeID, sessionID string) (io.ReadCloser, error) {
	if err := validIDs(challengeID, sessionID); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.audioDir(challengeID), sessionID+".webm"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return f, nil
}

func (d *Disk) ListChallenges(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.dir, "recordings"))
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Disk) Close() error { return nil }

// writeAtomic writes data to a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
