package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/domain"
)

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [job-file]",
		Short: "Execute a single job and print the response",
		Long:  "Execute one job from a JSON file (or stdin when no file is given)\nand print the response envelope. Jobs never cause a non-zero exit;\nfailures are reported inside the response.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read job: %w", err)
			}

			ctx := cmd.Context()
			w, err := buildWorker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("worker startup: %w", err)
			}
			defer w.close(context.Background())

			var resp *domain.Response
			job, perr := domain.ParseEnvelope(body)
			if perr != nil {
				resp = domain.Fail(perr.Error(), "")
			} else {
				resp = w.exec.Execute(ctx, job)
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	return cmd
}
