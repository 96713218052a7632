package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ExecDevice runs an external encoder that writes audio to stdout, e.g.
//
//	ffmpeg -f pulse -i default -c:a libopus -f webm -
type ExecDevice struct {
	Argv []string
}

// Open starts the encoder process.
func (d ExecDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	if len(d.Argv) == 0 {
		return nil, ErrNoDevice
	}
	cmd := exec.CommandContext(ctx, d.Argv[0], d.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", d.Argv[0], err)
	}
	return &procStream{cmd: cmd, stdout: stdout}, nil
}

type procStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (p *procStream) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Close kills the encoder and reaps it.
func (p *procStream) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
