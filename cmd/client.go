package cmd

import (
	"context"

	"github.com/fakeyudi/rewind/internal/audio"
	"github.com/fakeyudi/rewind/internal/persist"
	"github.com/fakeyudi/rewind/internal/session"
)

type audioStore interface {
	audio.Uploader
	audio.Fetcher
}

// client is the persistence a command talks to: the HTTP API when
// server_url is set, the local repository otherwise.
type client struct {
	backend session.Backend
	audio   audioStore
	list    func(ctx context.Context) ([]string, error)
	close   func() error
}

func openClient(challengeID string) (*client, error) {
	c := GetConfig()
	if c.ServerURL != "" {
		hc := persist.NewHTTPClient(c.ServerURL, challengeID, nil)
		return &client{
			backend: hc,
			audio:   hc,
			list:    hc.ListChallenges,
			close:   func() error { return nil },
		}, nil
	}
	repo, err := persist.Open(c.Backend, c.DataDir)
	if err != nil {
		return nil, err
	}
	local := persist.NewLocal(repo, challengeID)
	return &client{
		backend: local,
		audio:   local,
		list:    repo.ListChallenges,
		close:   repo.Close,
	}, nil
}

func (c *client) store() *session.Store {
	return session.NewStore(c.backend)
}
