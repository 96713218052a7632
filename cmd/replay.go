package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/coordinator"
	"github.com/fakeyudi/rewind/internal/integrity"
	"github.com/fakeyudi/rewind/internal/logx"
	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/tui"
)

var (
	replayPlain bool
	replaySpeed float64
	replayFocus int
)

const plainInterval = time.Second

var replayCmd = &cobra.Command{
	Use:   "replay <challenge-id>",
	Short: "Replay the three tracks of a challenge side by side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID := args[0]
		if replayFocus < 0 || replayFocus > 3 {
			return errors.New("--focus must be between 1 and 3")
		}
		cl, err := openClient(challengeID)
		if err != nil {
			return err
		}
		defer cl.close()

		ctx := logx.ContextWithChallengeLogger(cmd.Context(), pslog.Ctx(cmd.Context()), challengeID)
		c := GetConfig()
		speed := c.Speed
		if cmd.Flags().Changed("speed") {
			speed = replaySpeed
		}
		if err := replay.ValidSpeed(speed); err != nil {
			return err
		}

		plain := replayPlain || !term.IsTerminal(os.Stdout.Fd())
		out := cmd.OutOrStdout()
		opts := coordinator.Options{
			ChallengeID:  challengeID,
			Store:        cl.store(),
			DuckVolume:   c.DuckVolume,
			SaveDebounce: c.SaveDebounce(),
			DismissAfter: c.PopupDismiss(),
			Fetcher:      cl.audio,
		}
		if plain {
			opts.OnNotify = func(track int, n integrity.Notification, shown bool) {
				if shown {
					fmt.Fprintf(out, "track %d  %s at %s\n", track+1, n.Message(), replay.FormatClock(n.OffsetMs))
				}
			}
		}
		coord := coordinator.New(ctx, opts)
		defer coord.Close(context.Background())
		coord.Load(ctx)
		coord.SetSpeed(speed)

		if !plain {
			if replayFocus > 0 {
				coord.Focus(replayFocus - 1)
			}
			return tui.Run(coord, challengeID)
		}
		if !coord.StartAll() {
			return fmt.Errorf("challenge %s needs a recording on every track before replay", challengeID)
		}
		if replayFocus > 0 {
			coord.Focus(replayFocus - 1)
		}
		return followPlain(ctx, out, coord)
	},
}

// followPlain prints a line per track every second until every track has
// finished or ctx is cancelled, then prints the final code.
func followPlain(ctx context.Context, out io.Writer, coord *coordinator.Coordinator) error {
	ticker := time.NewTicker(plainInterval)
	defer ticker.Stop()
	for {
		snap := coord.Snapshot()
		done := true
		for _, st := range snap {
			if st.Replay.Status != replay.Finished {
				done = false
			}
		}
		if done {
			for _, st := range snap {
				fmt.Fprintln(out, tui.Line(st))
			}
			for _, st := range snap {
				fmt.Fprintf(out, "\n## Track %d\n%s\n", st.Index+1, st.Content)
			}
			return nil
		}
		for _, st := range snap {
			fmt.Fprintln(out, tui.Line(st))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	replayCmd.Flags().BoolVar(&replayPlain, "plain", false, "print progress lines instead of the TUI")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "playback speed (default from config)")
	replayCmd.Flags().IntVar(&replayFocus, "focus", 0, "track whose audio plays at full volume (1-3)")
	rootCmd.AddCommand(replayCmd)
}
