package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	serve := serveCmd()

	rootCmd := &cobra.Command{
		Use:   "collab-relay",
		Short: "Real-time collaboration relay for file and notebook documents",
		Long: `collab-relay keeps one shared CRDT document per open file, relays
edits between every websocket client editing it and writes the rendered
source back to storage after a short quiet period.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
