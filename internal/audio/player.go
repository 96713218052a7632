package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fakeyudi/rewind/internal/clock"
)

// Player is the playable audio handle a replay drives. Positions are in
// milliseconds of media time.
type Player interface {
	Play()
	Pause()
	Seek(ms int64)
	Position() int64
	SetVolume(v float64)
	Volume() float64
	SetRate(rate float64)
	Rate() float64
	Playing() bool
	Ready() bool
	// OnReady runs fn once the media is loaded, immediately if it already
	// is. The returned func cancels a registration that has not fired.
	OnReady(fn func()) (cancel func())
}

// VirtualPlayer tracks media position against a clock without producing
// sound. It holds the loaded blob so it can be saved or piped to a real
// output.
type VirtualPlayer struct {
	clock clock.Clock

	mu      sync.Mutex
	data    []byte
	ready   bool
	playing bool
	base    int64
	since   time.Time
	volume  float64
	rate    float64
	nextID  int
	waiters map[int]func()
}

// NewVirtualPlayer returns an unloaded player at volume 1, rate 1.
func NewVirtualPlayer(clk clock.Clock) *VirtualPlayer {
	if clk == nil {
		clk = clock.Real()
	}
	return &VirtualPlayer{clock: clk, volume: 1, rate: 1, waiters: map[int]func(){}}
}

// Load fetches the blob for sessionID and marks the player ready.
func (p *VirtualPlayer) Load(ctx context.Context, f Fetcher, sessionID string) error {
	rc, err := f.FetchAudio(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("audio fetch: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("audio fetch: %w", err)
	}
	p.SetSource(data)
	return nil
}

// SetSource installs data and fires pending readiness callbacks.
func (p *VirtualPlayer) SetSource(data []byte) {
	p.mu.Lock()
	p.data = data
	p.ready = true
	waiters := make([]func(), 0, len(p.waiters))
	for id := 0; id <= p.nextID; id++ {
		if fn, ok := p.waiters[id]; ok {
			waiters = append(waiters, fn)
		}
	}
	p.waiters = map[int]func(){}
	p.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}

// Data returns the loaded blob.
func (p *VirtualPlayer) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *VirtualPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.playing = true
	p.since = p.clock.Now()
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.base = p.positionLocked()
	p.playing = false
}

func (p *VirtualPlayer) Seek(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ms < 0 {
		ms = 0
	}
	p.base = ms
	p.since = p.clock.Now()
}

func (p *VirtualPlayer) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *VirtualPlayer) positionLocked() int64 {
	if !p.playing {
		return p.base
	}
	elapsed := p.clock.Now().Sub(p.since)
	return p.base + int64(float64(elapsed.Milliseconds())*p.rate)
}

func (p *VirtualPlayer) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func (p *VirtualPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetRate changes the playback rate without moving the position.
func (p *VirtualPlayer) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.base = p.positionLocked()
		p.since = p.clock.Now()
	}
	p.rate = rate
}

func (p *VirtualPlayer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *VirtualPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *VirtualPlayer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *VirtualPlayer) OnReady(fn func()) func() {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		fn()
		return func() {}
	}
	p.nextID++
	id := p.nextID
	p.waiters[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.waiters, id)
	}
}
