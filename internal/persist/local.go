package persist

import (
	"context"
	"errors"
	"io"
)

var emptyEnvelope = []byte(`{"recordings":[]}`)

// Local serves one challenge straight from a Repository, for offline use
// and for the server's own handlers.
type Local struct {
	repo        Repository
	challengeID string
}

// NewLocal binds repo to challengeID.
func NewLocal(repo Repository, challengeID string) *Local {
	return &Local{repo: repo, challengeID: challengeID}
}

func (l *Local) FetchRecordings(ctx context.Context, challengeID string) ([]byte, error) {
	body, err := l.repo.GetRecordings(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return emptyEnvelope, nil
	}
	return body, err
}

func (l *Local) PostRecordings(ctx context.Context, challengeID string, body []byte) error {
	return l.repo.PutRecordings(ctx, challengeID, body)
}

func (l *Local) DeleteRecordings(ctx context.Context, challengeID string) error {
	return l.repo.DeleteRecordings(ctx, challengeID)
}

func (l *Local) UploadAudio(ctx context.Context, sessionID string, r io.Reader) (string, error) {
	return l.repo.PutAudio(ctx, l.challengeID, sessionID, r)
}

func (l *Local) FetchAudio(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	return l.repo.GetAudio(ctx, l.challengeID, sessionID)
}
