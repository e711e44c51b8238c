// ingestctl is the one-shot operator CLI: trigger a run through a
// running ingestd, clear a user's safety cooldown, requeue a dropped
// continuation job, and run the publication repair sweeps directly
// against the database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/contqueue"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/types"
)

var (
	cfgFile string
	apiAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operator CLI for the ingestion core",
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "base URL of a running ingestd")

	rootCmd.AddCommand(triggerRunCmd())
	rootCmd.AddCommand(cancelRunCmd())
	rootCmd.AddCommand(clearCooldownCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(repairCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// triggerRunCmd posts a manual run to the daemon's HTTP surface. An
// idempotency key is always sent so an accidental re-invocation replays
// the same run instead of starting a second one.
func triggerRunCmd() *cobra.Command {
	var userID int64
	var idempotencyKey string
	var scholarIDs []int64

	cmd := &cobra.Command{
		Use:   "trigger-run",
		Short: "Trigger a manual run for a user via a running ingestd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}

			body, err := json.Marshal(map[string]any{
				"scholar_ids":     scholarIDs,
				"idempotency_key": idempotencyKey,
			})
			if err != nil {
				return err
			}

			url := fmt.Sprintf("%s/api/users/%d/runs", strings.TrimRight(apiAddr, "/"), userID)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 30 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("call ingestd: %w", err)
			}
			defer resp.Body.Close()

			out, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", resp.Status, strings.TrimSpace(string(out)))
			if resp.StatusCode >= 400 {
				return fmt.Errorf("run trigger returned %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to run")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key (random when omitted)")
	cmd.Flags().Int64SliceVar(&scholarIDs, "scholar", nil, "restrict to specific scholar profile ids (repeatable)")
	return cmd
}

func cancelRunCmd() *cobra.Command {
	var runID int64

	cmd := &cobra.Command{
		Use:   "cancel-run",
		Short: "Cancel a running or resolving run via a running ingestd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID <= 0 {
				return fmt.Errorf("--run is required")
			}
			url := fmt.Sprintf("%s/api/runs/%d/cancel", strings.TrimRight(apiAddr, "/"), runID)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
			if err != nil {
				return fmt.Errorf("call ingestd: %w", err)
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", resp.Status, strings.TrimSpace(string(out)))
			if resp.StatusCode >= 400 {
				return fmt.Errorf("cancel returned %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&runID, "run", 0, "run id to cancel")
	return cmd
}

// openPool connects directly to the database for the commands that
// bypass the daemon.
func openPool(ctx context.Context) (*repo.Pool, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := repo.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.AdvisoryLockNamespace)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, cfg, nil
}

func clearCooldownCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "clear-cooldown",
		Short: "Clear a user's scrape-safety cooldown",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			users := repo.NewUserRepo(pool)
			settings, err := users.GetSettings(ctx, userID)
			if err != nil {
				return fmt.Errorf("load user settings: %w", err)
			}
			if settings.ScrapeCooldownUntil == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no cooldown set")
				return nil
			}
			state := settings.ScrapeSafetyState
			state.ConsecutiveBlockedRuns = 0
			state.ConsecutiveNetworkRuns = 0
			if err := users.UpdateSafetyState(ctx, userID, state, nil, nil); err != nil {
				return fmt.Errorf("clear cooldown: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cooldown cleared for user %d (was until %s)\n",
				userID, settings.ScrapeCooldownUntil.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to clear")
	return cmd
}

func requeueCmd() *cobra.Command {
	var jobID int64

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Put a dropped continuation-queue job back into the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jobID <= 0 {
				return fmt.Errorf("--job is required")
			}
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			queue := contqueue.New(pool.Pool)
			job, err := queue.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if job.Status != types.QueueItemDropped {
				return fmt.Errorf("job %d is %s, only dropped jobs can be requeued", jobID, job.Status)
			}
			if err := queue.MarkQueuedNow(ctx, jobID, "operator_requeue", true); err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d requeued (scholar_profile_id=%d, resume_cstart=%d)\n",
				jobID, job.ScholarProfileID, job.ResumeCstart)
			return nil
		},
	}

	cmd.Flags().Int64Var(&jobID, "job", 0, "queue job id to requeue")
	return cmd
}

// repairCmd runs the publication repair sweeps: identifier duplicates
// first, then near-duplicates (same canonical_title_hash, different
// fingerprint), merging each dup into its lower-id winner.
func repairCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "repair publications",
		Short: "Merge duplicate publications (identifier and near-duplicate sweeps)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "publications" {
				return fmt.Errorf("unknown repair target %q", args[0])
			}
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			publications := repo.NewPublicationRepo(pool)

			identifierPairs, err := publications.FindIdentifierDuplicates(ctx)
			if err != nil {
				return fmt.Errorf("find identifier duplicates: %w", err)
			}
			nearPairs, err := publications.FindNearDuplicates(ctx)
			if err != nil {
				return fmt.Errorf("find near duplicates: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "identifier duplicates: %d, near duplicates: %d\n",
				len(identifierPairs), len(nearPairs))
			if dryRun {
				for _, p := range append(identifierPairs, nearPairs...) {
					fmt.Fprintf(cmd.OutOrStdout(), "would merge %d -> %d\n", p.DupID, p.WinnerID)
				}
				return nil
			}

			merged := 0
			seen := make(map[int64]bool)
			for _, p := range append(identifierPairs, nearPairs...) {
				if seen[p.DupID] {
					continue
				}
				seen[p.DupID] = true
				if err := publications.MergeDuplicate(ctx, p.WinnerID, p.DupID); err != nil {
					logger.Warn("merge failed", "winner_id", p.WinnerID, "dup_id", p.DupID, "error", err)
					continue
				}
				merged++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d duplicate publications\n", merged)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list merges without applying them")
	return cmd
}
