package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/audio"
	"github.com/fakeyudi/rewind/internal/collector"
	"github.com/fakeyudi/rewind/internal/coordinator"
	"github.com/fakeyudi/rewind/internal/logx"
	"github.com/fakeyudi/rewind/internal/session"
)

var (
	recordTrack    int
	recordFile     string
	recordDuration time.Duration
	recordNoAudio  bool
	recordFlags    string
)

var recordCmd = &cobra.Command{
	Use:   "record <challenge-id>",
	Short: "Record edits to a file into one track of a challenge",
	Long: `Record watches a file and captures every save as an edit on the chosen
track until interrupted (or until --duration elapses). The file's content
at start is the track's boilerplate. When audio_command is configured the
encoder runs alongside and the audio is stored with the recording.

--flags names a JSON array of integrity flags ({"type", "timestamp",
"details"}, timestamps in epoch milliseconds). It is read when recording
stops, so a proctoring tool may keep appending to it meanwhile.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID := args[0]
		if recordTrack < 1 || recordTrack > session.TrackCount {
			return fmt.Errorf("--track must be between 1 and %d", session.TrackCount)
		}
		if recordFile == "" {
			return errors.New("--file is required")
		}
		track := recordTrack - 1

		seed, err := os.ReadFile(recordFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		cl, err := openClient(challengeID)
		if err != nil {
			return err
		}
		defer cl.close()

		ctx := logx.ContextWithChallengeLogger(cmd.Context(), pslog.Ctx(cmd.Context()), challengeID)
		c := GetConfig()
		opts := coordinator.Options{
			ChallengeID:   challengeID,
			Store:         cl.store(),
			DuckVolume:    c.DuckVolume,
			SaveDebounce:  c.SaveDebounce(),
			Uploader:      cl.audio,
			Fetcher:       cl.audio,
			ChunkInterval: c.AudioChunk(),
		}
		opts.Seeds[track] = string(seed)
		if len(c.AudioCommand) > 0 && !recordNoAudio {
			opts.Device = audio.ExecDevice{Argv: c.AudioCommand}
		}
		// the coordinator outlives an interrupt so it can stop and save
		coord := coordinator.New(context.WithoutCancel(ctx), opts)
		coord.Load(ctx)

		if err := coord.StartRecording(track); err != nil {
			coord.Close(context.Background())
			return err
		}
		watcher, err := collector.NewFileWatcher(recordFile, coord.Document(track))
		if err != nil {
			coord.Close(context.Background())
			return err
		}

		runCtx := ctx
		if recordDuration > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, recordDuration)
			defer cancel()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recording track %d of %s from %s (Ctrl-C to stop)\n", recordTrack, challengeID, recordFile)
		if err := watcher.Run(runCtx); err != nil {
			pslog.Ctx(ctx).Warn("file watcher stopped", "err", err)
		}
		// pick up a save that raced the shutdown
		if err := watcher.Sync(); err != nil {
			pslog.Ctx(ctx).Warn("final file sync failed", "err", err)
		}

		if recordFlags != "" {
			flags, err := readFlags(recordFlags)
			if err != nil {
				pslog.Ctx(ctx).Warn("integrity flags ignored", "file", recordFlags, "err", err)
			}
			for _, f := range flags {
				if err := coord.Flag(track, f); err != nil {
					pslog.Ctx(ctx).Warn("integrity flag dropped", "err", err)
				}
			}
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stopErr := coord.StopRecording(stopCtx, track)
		if err := coord.Close(stopCtx); err != nil {
			return fmt.Errorf("saving recording: %w", err)
		}
		if stopErr != nil {
			return fmt.Errorf("audio upload: %w", stopErr)
		}
		snap := coord.Snapshot()[track]
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d edits into track %d (session %s)\n", snap.Events, recordTrack, snap.SessionID)
		return nil
	},
}

func readFlags(path string) ([]session.Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var flags []session.Flag
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	return flags, nil
}

func init() {
	recordCmd.Flags().IntVar(&recordTrack, "track", 1, "track to record into (1-3)")
	recordCmd.Flags().StringVar(&recordFile, "file", "", "file to watch")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().BoolVar(&recordNoAudio, "no-audio", false, "do not run audio_command")
	recordCmd.Flags().StringVar(&recordFlags, "flags", "", "JSON file of integrity flags to attach")
	rootCmd.AddCommand(recordCmd)
}
