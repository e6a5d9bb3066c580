package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/server"
)

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve AWS Lambda invocations (API Gateway, SQS, async)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, server.ModeLambda, e.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			h, err := app.Lambda()
			if err != nil {
				return err
			}
			h.Start()
			return nil
		},
	}
}
