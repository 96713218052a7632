package replay

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fakeyudi/rewind/internal/session"
)

// ErrInvalidSpeed is returned for non-positive, NaN or infinite speeds.
var ErrInvalidSpeed = errors.New("invalid replay speed")

// ValidSpeed checks that speed is a positive finite multiplier.
func ValidSpeed(speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	return nil
}

// TotalDuration is the origin-timeline length of a replay: the later of the
// last edit and the last integrity event.
func TotalDuration(offsets []int64, integrity []session.IntegrityEvent) int64 {
	var total int64
	if n := len(offsets); n > 0 {
		total = offsets[n-1]
	}
	for _, ev := range integrity {
		if ev.RelativeOffsetMs > total {
			total = ev.RelativeOffsetMs
		}
	}
	return total
}

// ApplyDelay is the wall-clock delay after which an event at offset fires
// when the run starts at origin position start. Events behind start fire
// immediately.
func ApplyDelay(offset, start int64, speed float64) time.Duration {
	if offset <= start {
		return 0
	}
	return scale(offset-start, speed)
}

// CompletionDelay is the delay until a run starting at start reports
// finished.
func CompletionDelay(total, start int64, speed float64, buffer time.Duration) time.Duration {
	return ApplyDelay(total, start, speed) + buffer
}

// SampleElapsed returns the replay-timeline elapsed time of a run that began
// at runStart having already accumulated base milliseconds.
func SampleElapsed(base int64, runStart, now time.Time) int64 {
	wall := now.Sub(runStart).Milliseconds()
	if wall < 0 {
		wall = 0
	}
	return base + wall
}

// OriginPosition maps wall time since runStart onto the origin timeline,
// clamped to [start, total].
func OriginPosition(start, total int64, speed float64, runStart, now time.Time) int64 {
	wall := now.Sub(runStart)
	if wall <= 0 {
		return clamp(start, 0, total)
	}
	pos := start + int64(float64(wall.Milliseconds())*speed)
	return clamp(pos, start, total)
}

// StartOrigin converts a replay-timeline offset into an origin-timeline one.
func StartOrigin(startOffsetMs int64, speed float64) int64 {
	return int64(math.Round(float64(startOffsetMs) * speed))
}

func scale(ms int64, speed float64) time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond) / speed)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatClock renders ms as m:ss, truncating to whole seconds.
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
