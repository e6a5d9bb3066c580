package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/server"
)

type runOptions struct {
	placeIDs      []string
	maxReviews    int
	startDate     string
	attemptID     string
	userProfileID string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scraping attempt synchronously and print the result",
		Example: `  review-scraper run --place-id ChIJN1t_tDeuEmsRUsoyG83frY4 \
    --user-profile-id 42 --max-reviews 2 --attempt-id demo-test-id`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, server.ModeOneShot, e.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer func() {
				if cerr := app.Close(); cerr != nil {
					e.logger.Warn("close failed", zap.Error(cerr))
				}
			}()
			resp, err := app.Orchestrator().Submit(cmd.Context(), opts.request())
			if err != nil {
				return fmt.Errorf("run attempt: %w", err)
			}
			return printResult(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringSliceVar(&opts.placeIDs, "place-id", nil, "place identifier to scrape (repeatable)")
	cmd.Flags().IntVar(&opts.maxReviews, "max-reviews", 0, "maximum reviews per place (default from config)")
	cmd.Flags().StringVar(&opts.startDate, "start-date", "", "only reviews newer than this date")
	cmd.Flags().StringVar(&opts.attemptID, "attempt-id", "", "scraping attempt id (generated when empty)")
	cmd.Flags().StringVar(&opts.userProfileID, "user-profile-id", "", "owning user profile id")
	return cmd
}

func (o *runOptions) request() orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		PlaceIDs:         o.placeIDs,
		MaxReviews:       o.maxReviews,
		ReviewsStartDate: o.startDate,
		AttemptID:        o.attemptID,
		UserProfileID:    o.userProfileID,
	}
}

func printResult(w io.Writer, resp orchestrator.SubmitResponse) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp.Result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
