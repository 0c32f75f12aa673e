// clipscout is the active-learning search and sampling service for audio
// embeddings. `clipscout serve` runs the HTTP API; `clipscout ingest`
// bulk-loads embedding vectors into the local store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "clipscout",
		Short:         "Active-learning search and sampling over audio embeddings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "clipscout.yaml", "path to the YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the clipscout version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "clipscout", Version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
