// Package ingestsched is the in-process scheduler (C10): a single ticker
// that drains due continuation-queue jobs back into the run engine and
// triggers due auto-run users. There is no cross-process leader election;
// at-most-once dispatch per user is ensured by the run engine's advisory
// lock.
package ingestsched

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/contqueue"
	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/runengine"
	"github.com/scholarr/ingestcore/internal/types"
)

// lockRetryDelaySeconds is the short reschedule applied when a dispatch
// loses to an in-flight run for the same user.
const lockRetryDelaySeconds = 60

// QueueStore is the slice of C6 the scheduler consumes.
type QueueStore interface {
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]types.QueueJob, error)
	MarkRetrying(ctx context.Context, id int64) error
	MarkDropped(ctx context.Context, id int64, reason string, lastErr error) error
	DeleteJobByID(ctx context.Context, id int64) error
	IncrementAttemptCount(ctx context.Context, id int64) error
	RescheduleJob(ctx context.Context, id int64, delaySeconds int, reason string, lastErr error) error
}

// RunStarter is the slice of C5 the scheduler consumes.
type RunStarter interface {
	StartRun(ctx context.Context, req runengine.StartRunRequest) (types.RunSummary, error)
}

// UserDirectory is the slice of C12 the scheduler consumes: scholar
// availability checks, per-user request delay, and the due auto-run list.
type UserDirectory interface {
	GetScholarByID(ctx context.Context, id int64) (types.ScholarProfile, error)
	GetSettings(ctx context.Context, userID int64) (types.UserSettings, error)
	ListDueAutoRunUsers(ctx context.Context, now time.Time) ([]repo.DueAutoRunUser, error)
}

// Scheduler walks due queue jobs and due auto-run users once per tick.
type Scheduler struct {
	Queue      QueueStore
	Engine     RunStarter
	Users      UserDirectory
	Scheduling config.SchedulerConfig
	Ingestion  config.IngestionConfig
	Logger     *slog.Logger

	now func() time.Time
}

// New builds a Scheduler from its already-constructed dependencies.
func New(queue QueueStore, engine RunStarter, users UserDirectory, scheduling config.SchedulerConfig, ingestion config.IngestionConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Queue: queue, Engine: engine, Users: users,
		Scheduling: scheduling, Ingestion: ingestion,
		Logger: logger, now: time.Now,
	}
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run ticks until ctx is canceled. The first tick fires after one full
// interval, not immediately, so a restarting process does not stampede
// the queue.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.Scheduling.TickSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log().Info("scheduler started", "tick_seconds", int(interval.Seconds()))
	for {
		select {
		case <-ctx.Done():
			s.log().Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduler pass: drain due queue jobs, then trigger
// due auto-run users.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.drainQueue(ctx, now)
	s.triggerDueAutoRuns(ctx, now)
}

func (s *Scheduler) drainQueue(ctx context.Context, now time.Time) {
	log := s.log().With("component", "scheduler")

	jobs, err := s.Queue.ListDueJobs(ctx, now, s.Scheduling.QueueBatchSize)
	if err != nil {
		log.Error("list due queue jobs failed", "error", err)
		return
	}
	observability.QueueDepth.Set(float64(len(jobs)))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.dispatchJob(ctx, job)
	}
}

func (s *Scheduler) dispatchJob(ctx context.Context, job types.QueueJob) {
	log := s.log().With("component", "scheduler", "queue_job_id", job.ID,
		"user_id", job.UserID, "scholar_profile_id", job.ScholarProfileID)

	maxAttempts := s.Ingestion.ContinuationMaxAttempts
	if job.AttemptCount >= maxAttempts {
		log.Warn("queue job at max attempts before dispatch, dropping", "attempt_count", job.AttemptCount)
		s.dropJob(ctx, job.ID, "max_attempts_exceeded", nil, log)
		return
	}

	if err := s.Queue.MarkRetrying(ctx, job.ID); err != nil {
		log.Error("mark queue job retrying failed", "error", err)
		return
	}

	scholar, err := s.Users.GetScholarByID(ctx, job.ScholarProfileID)
	if err != nil || !scholar.IsEnabled {
		log.Warn("queued scholar unavailable, dropping job", "error", err)
		s.dropJob(ctx, job.ID, "scholar_unavailable", err, log)
		return
	}

	requestDelay := 0
	if settings, settingsErr := s.Users.GetSettings(ctx, job.UserID); settingsErr == nil {
		requestDelay = settings.RequestDelaySeconds
	} else {
		log.Warn("load user settings for queue dispatch failed", "error", settingsErr)
	}

	summary, err := s.Engine.StartRun(ctx, runengine.StartRunRequest{
		UserID:                 job.UserID,
		Trigger:                types.RunTriggerScheduled,
		ScholarSubset:          []int64{job.ScholarProfileID},
		StartCstartByScholarID: map[int64]int{job.ScholarProfileID: job.ResumeCstart},
		RequestDelaySeconds:    requestDelay,
	})

	switch {
	case err == nil && summary.FailedCount == 0:
		log.Info("queue job resumed cleanly, deleting", "run_id", summary.CrawlRunID)
		if delErr := s.Queue.DeleteJobByID(ctx, job.ID); delErr != nil {
			log.Error("delete queue job failed", "error", delErr)
		}
		observability.QueueJobsDispatched.WithLabelValues("succeeded").Inc()
	case err == nil:
		log.Warn("queue job resume had failures, backoff-rescheduling",
			"run_id", summary.CrawlRunID, "failed_count", summary.FailedCount)
		s.backoffReschedule(ctx, job, "resume_had_failures", nil, log)
		observability.QueueJobsDispatched.WithLabelValues("retried").Inc()
	case errors.Is(err, types.ErrRunAlreadyInProgress):
		log.Info("user run lock active, short reschedule")
		if rsErr := s.Queue.RescheduleJob(ctx, job.ID, lockRetryDelaySeconds, "user_run_lock_active", err); rsErr != nil {
			log.Error("reschedule queue job failed", "error", rsErr)
		}
		observability.QueueJobsDispatched.WithLabelValues("lock_active").Inc()
	case errors.Is(err, types.ErrCooldownActive):
		delay := s.cooldownDelaySeconds(err)
		log.Info("user in safety cooldown, rescheduling past it", "delay_seconds", delay)
		if rsErr := s.Queue.RescheduleJob(ctx, job.ID, delay, "scrape_cooldown_active", err); rsErr != nil {
			log.Error("reschedule queue job failed", "error", rsErr)
		}
		observability.QueueJobsDispatched.WithLabelValues("cooldown").Inc()
	default:
		log.Error("queue job dispatch failed", "error", err)
		s.backoffReschedule(ctx, job, "ingestion_error", err, log)
		observability.QueueJobsDispatched.WithLabelValues("errored").Inc()
	}
}

// cooldownDelaySeconds derives the reschedule delay from the safety
// payload carried on the error: at least the remaining cooldown, never
// less than the continuation base delay.
func (s *Scheduler) cooldownDelaySeconds(err error) int {
	delay := s.Ingestion.ContinuationBaseDelaySeconds
	var blocked *types.RunBlockedBySafetyPolicyError
	if errors.As(err, &blocked) && blocked.Safety.CooldownRemainingSeconds > delay {
		delay = blocked.Safety.CooldownRemainingSeconds
	}
	return delay
}

// backoffReschedule bumps the job's attempt count, dropping it if that
// reaches max attempts, otherwise rescheduling with exponential backoff
// computed from the post-increment attempt number.
func (s *Scheduler) backoffReschedule(ctx context.Context, job types.QueueJob, reason string, cause error, log *slog.Logger) {
	if err := s.Queue.IncrementAttemptCount(ctx, job.ID); err != nil {
		log.Error("increment queue attempt count failed", "error", err)
		return
	}
	attempts := job.AttemptCount + 1
	if attempts >= s.Ingestion.ContinuationMaxAttempts {
		log.Warn("queue job exhausted retries, dropping", "attempt_count", attempts)
		s.dropJob(ctx, job.ID, "retry_exhausted", cause, log)
		return
	}
	delay := contqueue.ComputeBackoffSeconds(s.Ingestion.ContinuationBaseDelaySeconds, attempts, s.Ingestion.ContinuationMaxDelaySeconds)
	if err := s.Queue.RescheduleJob(ctx, job.ID, delay, reason, cause); err != nil {
		log.Error("reschedule queue job failed", "error", err)
	}
}

func (s *Scheduler) dropJob(ctx context.Context, id int64, reason string, cause error, log *slog.Logger) {
	if err := s.Queue.MarkDropped(ctx, id, reason, cause); err != nil {
		log.Error("mark queue job dropped failed", "error", err)
		return
	}
	observability.QueueJobsDispatched.WithLabelValues("dropped").Inc()
}

// triggerDueAutoRuns starts a scheduled run for every auto-run user whose
// interval has elapsed. The safety controller and the per-user lock still
// gate execution inside the run engine; both outcomes are expected here
// and logged at info level only.
func (s *Scheduler) triggerDueAutoRuns(ctx context.Context, now time.Time) {
	log := s.log().With("component", "scheduler")

	due, err := s.Users.ListDueAutoRunUsers(ctx, now)
	if err != nil {
		log.Error("list due auto-run users failed", "error", err)
		return
	}

	for _, user := range due {
		if ctx.Err() != nil {
			return
		}
		requestDelay := 0
		if settings, settingsErr := s.Users.GetSettings(ctx, user.UserID); settingsErr == nil {
			requestDelay = settings.RequestDelaySeconds
		}
		summary, runErr := s.Engine.StartRun(ctx, runengine.StartRunRequest{
			UserID:              user.UserID,
			Trigger:             types.RunTriggerScheduled,
			RequestDelaySeconds: requestDelay,
		})
		switch {
		case runErr == nil:
			log.Info("scheduled run completed", "user_id", user.UserID,
				"run_id", summary.CrawlRunID, "status", summary.Status)
		case errors.Is(runErr, types.ErrRunAlreadyInProgress):
			log.Info("scheduled run skipped, user run in progress", "user_id", user.UserID)
		case errors.Is(runErr, types.ErrCooldownActive):
			log.Info("scheduled run skipped, user in safety cooldown", "user_id", user.UserID)
		default:
			log.Error("scheduled run failed", "user_id", user.UserID, "error", runErr)
		}
	}
}
