package ingestsched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/runengine"
	"github.com/scholarr/ingestcore/internal/types"
)

type fakeQueue struct {
	due []types.QueueJob

	retrying    []int64
	dropped     map[int64]string
	deleted     []int64
	incremented []int64
	rescheduled map[int64]rescheduleCall
}

type rescheduleCall struct {
	delaySeconds int
	reason       string
}

func newFakeQueue(due ...types.QueueJob) *fakeQueue {
	return &fakeQueue{
		due:         due,
		dropped:     make(map[int64]string),
		rescheduled: make(map[int64]rescheduleCall),
	}
}

func (q *fakeQueue) ListDueJobs(context.Context, time.Time, int) ([]types.QueueJob, error) {
	return q.due, nil
}
func (q *fakeQueue) MarkRetrying(_ context.Context, id int64) error {
	q.retrying = append(q.retrying, id)
	return nil
}
func (q *fakeQueue) MarkDropped(_ context.Context, id int64, reason string, _ error) error {
	q.dropped[id] = reason
	return nil
}
func (q *fakeQueue) DeleteJobByID(_ context.Context, id int64) error {
	q.deleted = append(q.deleted, id)
	return nil
}
func (q *fakeQueue) IncrementAttemptCount(_ context.Context, id int64) error {
	q.incremented = append(q.incremented, id)
	return nil
}
func (q *fakeQueue) RescheduleJob(_ context.Context, id int64, delaySeconds int, reason string, _ error) error {
	q.rescheduled[id] = rescheduleCall{delaySeconds: delaySeconds, reason: reason}
	return nil
}

type fakeEngine struct {
	requests  []runengine.StartRunRequest
	summaries map[int64]types.RunSummary
	errs      map[int64]error
}

func (e *fakeEngine) StartRun(_ context.Context, req runengine.StartRunRequest) (types.RunSummary, error) {
	e.requests = append(e.requests, req)
	if err, ok := e.errs[req.UserID]; ok {
		return types.RunSummary{}, err
	}
	return e.summaries[req.UserID], nil
}

type fakeUsers struct {
	scholars map[int64]types.ScholarProfile
	settings map[int64]types.UserSettings
	autoDue  []repo.DueAutoRunUser
}

func (u *fakeUsers) GetScholarByID(_ context.Context, id int64) (types.ScholarProfile, error) {
	s, ok := u.scholars[id]
	if !ok {
		return types.ScholarProfile{}, types.ErrScholarUnavailable
	}
	return s, nil
}
func (u *fakeUsers) GetSettings(_ context.Context, userID int64) (types.UserSettings, error) {
	return u.settings[userID], nil
}
func (u *fakeUsers) ListDueAutoRunUsers(context.Context, time.Time) ([]repo.DueAutoRunUser, error) {
	return u.autoDue, nil
}

func newTestScheduler(queue QueueStore, engine RunStarter, users UserDirectory) *Scheduler {
	return New(queue, engine, users,
		config.SchedulerConfig{TickSeconds: 30, QueueBatchSize: 10},
		config.IngestionConfig{
			ContinuationBaseDelaySeconds: 30,
			ContinuationMaxDelaySeconds:  3600,
			ContinuationMaxAttempts:      3,
		}, nil)
}

func dueJob(id, userID, scholarID int64, attempts int) types.QueueJob {
	return types.QueueJob{
		ID: id, UserID: userID, ScholarProfileID: scholarID,
		ResumeCstart: 40, Reason: "page_state_network_error",
		Status: types.QueueItemQueued, AttemptCount: attempts,
	}
}

func TestTick_SuccessfulResumeDeletesJob(t *testing.T) {
	queue := newFakeQueue(dueJob(1, 10, 100, 0))
	engine := &fakeEngine{summaries: map[int64]types.RunSummary{10: {CrawlRunID: 5, FailedCount: 0}}}
	users := &fakeUsers{
		scholars: map[int64]types.ScholarProfile{100: {ID: 100, UserID: 10, ScholarID: "AbCdEfGhIjKl", IsEnabled: true}},
		settings: map[int64]types.UserSettings{10: {UserID: 10, RequestDelaySeconds: 4}},
	}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Equal(t, []int64{1}, queue.retrying)
	assert.Equal(t, []int64{1}, queue.deleted)
	require.Len(t, engine.requests, 1)
	req := engine.requests[0]
	assert.Equal(t, types.RunTriggerScheduled, req.Trigger)
	assert.Equal(t, []int64{100}, req.ScholarSubset)
	assert.Equal(t, map[int64]int{100: 40}, req.StartCstartByScholarID)
	assert.Equal(t, 4, req.RequestDelaySeconds)
}

func TestTick_MaxAttemptsDropsBeforeDispatch(t *testing.T) {
	queue := newFakeQueue(dueJob(2, 10, 100, 3))
	engine := &fakeEngine{}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: true}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Equal(t, "max_attempts_exceeded", queue.dropped[2])
	assert.Empty(t, engine.requests, "job at max attempts must not dispatch")
}

func TestTick_MissingScholarDrops(t *testing.T) {
	queue := newFakeQueue(dueJob(3, 10, 999, 0))
	engine := &fakeEngine{}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Equal(t, "scholar_unavailable", queue.dropped[3])
	assert.Empty(t, engine.requests)
}

func TestTick_DisabledScholarDrops(t *testing.T) {
	queue := newFakeQueue(dueJob(4, 10, 100, 0))
	engine := &fakeEngine{}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: false}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Equal(t, "scholar_unavailable", queue.dropped[4])
}

func TestTick_LockActiveShortReschedule(t *testing.T) {
	queue := newFakeQueue(dueJob(5, 10, 100, 1))
	engine := &fakeEngine{errs: map[int64]error{10: &types.RunAlreadyInProgressError{UserID: 10}}}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: true}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	call, ok := queue.rescheduled[5]
	require.True(t, ok)
	assert.Equal(t, "user_run_lock_active", call.reason)
	assert.Equal(t, lockRetryDelaySeconds, call.delaySeconds)
	assert.Empty(t, queue.incremented, "lock contention must not burn an attempt")
}

func TestTick_CooldownReschedulesPastRemaining(t *testing.T) {
	queue := newFakeQueue(dueJob(6, 10, 100, 0))
	engine := &fakeEngine{errs: map[int64]error{10: &types.RunBlockedBySafetyPolicyError{
		UserID: 10,
		Safety: types.SafetyStatePayload{CooldownActive: true, CooldownRemainingSeconds: 500},
	}}}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: true}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	call, ok := queue.rescheduled[6]
	require.True(t, ok)
	assert.Equal(t, "scrape_cooldown_active", call.reason)
	assert.GreaterOrEqual(t, call.delaySeconds, 500, "delay must cover the remaining cooldown")
}

func TestTick_ErrorBacksOffAndEventuallyDrops(t *testing.T) {
	queue := newFakeQueue(dueJob(7, 10, 100, 1))
	engine := &fakeEngine{errs: map[int64]error{10: errors.New("db exploded")}}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: true}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Equal(t, []int64{7}, queue.incremented)
	call, ok := queue.rescheduled[7]
	require.True(t, ok)
	assert.Equal(t, "ingestion_error", call.reason)
	assert.Equal(t, 60, call.delaySeconds, "attempt 2 backoff = base * 2")

	// One more failing attempt reaches max and drops.
	queue2 := newFakeQueue(dueJob(8, 10, 100, 2))
	newTestScheduler(queue2, engine, users).Tick(context.Background())
	assert.Equal(t, "retry_exhausted", queue2.dropped[8])
}

func TestTick_ResumeWithFailuresReschedules(t *testing.T) {
	queue := newFakeQueue(dueJob(9, 10, 100, 0))
	engine := &fakeEngine{summaries: map[int64]types.RunSummary{10: {CrawlRunID: 5, FailedCount: 1}}}
	users := &fakeUsers{scholars: map[int64]types.ScholarProfile{100: {ID: 100, IsEnabled: true}}}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	assert.Empty(t, queue.deleted)
	call, ok := queue.rescheduled[9]
	require.True(t, ok)
	assert.Equal(t, "resume_had_failures", call.reason)
}

func TestTick_TriggersDueAutoRuns(t *testing.T) {
	queue := newFakeQueue()
	engine := &fakeEngine{summaries: map[int64]types.RunSummary{20: {CrawlRunID: 6, Status: types.RunStatusSuccess}}}
	users := &fakeUsers{
		settings: map[int64]types.UserSettings{20: {UserID: 20, RequestDelaySeconds: 3}},
		autoDue:  []repo.DueAutoRunUser{{UserID: 20, RunIntervalMinutes: 60}},
	}

	newTestScheduler(queue, engine, users).Tick(context.Background())

	require.Len(t, engine.requests, 1)
	assert.Equal(t, int64(20), engine.requests[0].UserID)
	assert.Equal(t, types.RunTriggerScheduled, engine.requests[0].Trigger)
	assert.Empty(t, engine.requests[0].ScholarSubset)
}
