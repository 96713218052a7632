package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fakeyudi/rewind/internal/api"
	"github.com/fakeyudi/rewind/internal/persist"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the recordings API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		addr := c.ListenAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		repo, err := persist.Open(c.Backend, c.DataDir)
		if err != nil {
			return err
		}
		defer repo.Close()
		return api.ListenAndServe(cmd.Context(), addr, api.NewServer(repo).Handler())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from listen_addr)")
	rootCmd.AddCommand(serveCmd)
}
