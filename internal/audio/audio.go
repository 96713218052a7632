// Package audio records a microphone stream alongside edit capture and
// models the playable audio handle driven during replay.
package audio

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotStarted is returned by Stop when no recording is active.
	ErrNotStarted = errors.New("audio recording not started")
	// ErrNoDevice is returned when no capture device is configured.
	ErrNoDevice = errors.New("no audio device configured")
)

// Device opens a live encoded audio stream.
type Device interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Uploader stores a finished recording and returns its reference.
type Uploader interface {
	UploadAudio(ctx context.Context, sessionID string, r io.Reader) (ref string, err error)
}

// Fetcher retrieves a stored recording by session id.
type Fetcher interface {
	FetchAudio(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// NoDevice is a Device that is never available.
type NoDevice struct{}

// Open always fails with ErrNoDevice.
func (NoDevice) Open(context.Context) (io.ReadCloser, error) { return nil, ErrNoDevice }
