package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/rewind/internal/replay"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete stored recordings",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List challenges with stored recordings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, err := openClient("")
		if err != nil {
			return err
		}
		defer cl.close()

		ids, err := cl.list(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No recordings.")
			return nil
		}
		store := cl.store()
		for _, id := range ids {
			recs := store.Load(cmd.Context(), id)
			var tracks []string
			for _, rec := range recs {
				dur := replay.TotalDuration(rec.EditLog.OriginOffsets(), rec.IntegrityEvents)
				tracks = append(tracks, fmt.Sprintf("%d:%d edits/%s", rec.TrackIndex+1, len(rec.EditLog), replay.FormatClock(dur)))
			}
			fmt.Fprintf(out, "%s\t%s\n", id, strings.Join(tracks, "  "))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <challenge-id>",
	Short: "Delete every recording and audio blob of a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, err := openClient(args[0])
		if err != nil {
			return err
		}
		defer cl.close()
		if err := cl.store().DeleteAll(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted recordings of %s\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
