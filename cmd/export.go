package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/rewind/internal/bundle"
	"github.com/fakeyudi/rewind/internal/persist"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <challenge-id>",
	Short: "Export a challenge's recordings and audio to a bundle file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		challengeID := args[0]
		c := GetConfig()
		format := c.DefaultFormat
		if exportFormat != "" {
			format = exportFormat
		}
		renderer, err := bundle.RendererFor(format)
		if err != nil {
			return err
		}

		cl, err := openClient(challengeID)
		if err != nil {
			return err
		}
		defer cl.close()

		ctx := cmd.Context()
		recs := cl.store().Load(ctx, challengeID)
		if len(recs) == 0 {
			return fmt.Errorf("no recordings for %s", challengeID)
		}
		blobs := map[string][]byte{}
		for _, rec := range recs {
			if rec.AudioRef == "" {
				continue
			}
			rc, err := cl.audio.FetchAudio(ctx, rec.SessionID)
			if errors.Is(err, persist.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("fetching audio of %s: %w", rec.SessionID, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("reading audio of %s: %w", rec.SessionID, err)
			}
			blobs[rec.SessionID] = data
		}
		if len(blobs) == 0 {
			blobs = nil
		}

		data, err := renderer.Render(bundle.New(challengeID, recs, blobs, time.Now()))
		if err != nil {
			return err
		}
		path := exportOutput
		if path == "" {
			ext := ".md"
			if format == "json" {
				ext = ".json"
			}
			path = filepath.Join(c.OutputDir, "rewind-"+challengeID+ext)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d recordings to %s\n", len(recs), path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "markdown or json (default from config)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file")
	rootCmd.AddCommand(exportCmd)
}
