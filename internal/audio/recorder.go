package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/clock"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Device   Device
	Uploader Uploader
	Clock    clock.Clock
	// ChunkInterval is how often buffered bytes are sealed into a chunk.
	ChunkInterval time.Duration
	// MaxRestarts bounds reopen attempts over a whole session.
	MaxRestarts int
	// RestartDelay is the base backoff between reopen attempts.
	RestartDelay time.Duration
	Logger       pslog.Logger
}

// Recorder captures one session's audio into memory and uploads it on Stop.
// A Recorder may be reused for consecutive sessions.
type Recorder struct {
	device   Device
	uploader Uploader
	clock    clock.Clock
	interval time.Duration
	retry    retryConfig
	log      pslog.Logger

	mu        sync.Mutex
	active    bool
	sessionID string
	stream    io.ReadCloser
	pending   []byte
	chunks    [][]byte
	flush     clock.Timer
	stop      chan struct{}
	done      chan struct{}
	restarts  int
	attempts  int
}

// NewRecorder returns an idle Recorder.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Device == nil {
		opts.Device = NoDevice{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	retry := defaultRetryConfig
	if opts.MaxRestarts > 0 {
		retry.maxRetries = opts.MaxRestarts
	}
	if opts.RestartDelay > 0 {
		retry.baseDelay = opts.RestartDelay
		if retry.maxDelay < opts.RestartDelay {
			retry.maxDelay = opts.RestartDelay
		}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	return &Recorder{
		device:   opts.Device,
		uploader: opts.Uploader,
		clock:    opts.Clock,
		interval: opts.ChunkInterval,
		retry:    retry,
		log:      opts.Logger,
	}
}

// Start acquires the device and begins buffering. A failure leaves the
// recorder idle; callers treat it as recoverable and continue without audio.
// Starting an active recorder is a no-op.
func (r *Recorder) Start(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	stream, err := r.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("audio start: %w", err)
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		stream.Close()
		return nil
	}
	r.active = true
	r.sessionID = sessionID
	r.stream = stream
	r.pending = nil
	r.chunks = nil
	r.restarts, r.attempts = 0, 0
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.armFlush()
	stop, done := r.stop, r.done
	r.mu.Unlock()

	r.log.Info("audio recording started", "session", sessionID)
	go r.pump(ctx, stream, stop, done)
	return nil
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Restarts returns how many times the stream was reopened this session.
func (r *Recorder) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Stop finalizes the recording, uploads it and returns the reference. An
// empty recording is not uploaded and yields an empty reference.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	blob, sessionID, err := r.finish()
	if err != nil {
		return "", err
	}
	if len(blob) == 0 {
		r.log.Warn("audio recording empty", "session", sessionID)
		return "", nil
	}
	if r.uploader == nil {
		return "", errors.New("audio upload: no uploader configured")
	}
	ref, err := r.uploader.UploadAudio(ctx, sessionID, bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("audio upload: %w", err)
	}
	r.log.Info("audio uploaded", "session", sessionID, "bytes", len(blob), "ref", ref)
	return ref, nil
}

// Cancel releases the device and discards buffered audio.
func (r *Recorder) Cancel() {
	_, _, _ = r.finish()
}

func (r *Recorder) finish() ([]byte, string, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, "", ErrNotStarted
	}
	r.active = false
	close(r.stop)
	stream, done, flush := r.stream, r.done, r.flush
	r.flush = nil
	r.mu.Unlock()

	if flush != nil {
		flush.Stop()
	}
	if stream != nil {
		stream.Close()
	}
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealChunk()
	blob := bytes.Join(r.chunks, nil)
	r.chunks = nil
	r.stream = nil
	return blob, r.sessionID, nil
}

// armFlush schedules the next chunk seal. Caller must hold r.mu.
func (r *Recorder) armFlush() {
	r.flush = r.clock.AfterFunc(r.interval, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.active {
			return
		}
		r.sealChunk()
		r.armFlush()
	})
}

// sealChunk moves pending bytes into a new chunk. Caller must hold r.mu.
func (r *Recorder) sealChunk() {
	if len(r.pending) == 0 {
		return
	}
	r.chunks = append(r.chunks, r.pending)
	r.pending = nil
}

// pump copies stream into the pending buffer, reopening the device when the
// stream ends while the recording is still active.
func (r *Recorder) pump(ctx context.Context, stream io.ReadCloser, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		err := r.drain(stream, buf)
		select {
		case <-stop:
			return
		default:
		}
		stream.Close()
		r.log.Warn("audio stream stopped unexpectedly", "err", err)
		next, ok := r.reopen(ctx, stop)
		if !ok {
			r.log.Warn("audio capture abandoned", "attempts", r.retry.maxRetries)
			return
		}
		stream = next
	}
}

func (r *Recorder) drain(stream io.Reader, buf []byte) error {
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.pending = append(r.pending, buf[:n]...)
			r.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// reopen waits out the backoff on the recorder's clock and opens the device
// again. Attempts are counted across the session, so a device that keeps
// dropping out is eventually abandoned.
func (r *Recorder) reopen(ctx context.Context, stop chan struct{}) (io.ReadCloser, bool) {
	for {
		r.mu.Lock()
		attempt := r.attempts
		if attempt >= r.retry.maxRetries {
			r.mu.Unlock()
			return nil, false
		}
		r.attempts++
		r.mu.Unlock()

		wake := make(chan struct{})
		wait := r.clock.AfterFunc(backoffDelay(r.retry, attempt), func() { close(wake) })
		select {
		case <-stop:
			wait.Stop()
			return nil, false
		case <-ctx.Done():
			wait.Stop()
			return nil, false
		case <-wake:
		}
		stream, err := r.device.Open(ctx)
		if err != nil {
			r.log.Warn("audio restart failed", "attempt", attempt+1, "err", err)
			continue
		}
		r.mu.Lock()
		if !r.active {
			r.mu.Unlock()
			stream.Close()
			return nil, false
		}
		r.stream = stream
		r.restarts++
		r.mu.Unlock()
		r.log.Info("audio stream restarted", "attempt", attempt+1)
		return stream, true
	}
}
