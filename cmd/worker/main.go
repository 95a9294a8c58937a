package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Serverless execution worker",
		Long:  "Runs user-supplied functions and class methods with managed dependencies,\na shared persistent workspace, and cross-endpoint routing for deployed code.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevelFromString(os.Getenv(config.EnvLogLevel))
		},
	}

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
