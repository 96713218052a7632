package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/rewind/internal/bundle"
	"github.com/fakeyudi/rewind/internal/session"
)

var importChallenge string

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a bundle file, replacing the tracks it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}
		b, err := bundle.ParserFor(data).Parse(data)
		if err != nil {
			return err
		}
		challengeID := b.ChallengeID
		if importChallenge != "" {
			challengeID = importChallenge
		}

		cl, err := openClient(challengeID)
		if err != nil {
			return err
		}
		defer cl.close()

		ctx := cmd.Context()
		recs := make([]session.RecordingSession, 0, len(b.Recordings))
		for _, rec := range b.Recordings {
			if blob, ok := b.Audio[rec.SessionID]; ok && rec.AudioRef != "" {
				ref, err := cl.audio.UploadAudio(ctx, rec.SessionID, bytes.NewReader(blob))
				if err != nil {
					return fmt.Errorf("uploading audio of %s: %w", rec.SessionID, err)
				}
				rec.AudioRef = ref
			}
			recs = append(recs, rec)
		}
		if err := cl.store().Save(ctx, challengeID, recs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d recordings into %s\n", len(recs), challengeID)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importChallenge, "challenge", "", "store under this challenge id instead of the bundle's")
	rootCmd.AddCommand(importCmd)
}
