// Package jobqueue runs agent work asynchronously on a bounded worker
// pool with retries, timeouts, cooperative cancellation and retention of
// finished jobs.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kairo/internal/observability"
	"github.com/harun/kairo/internal/tracing"
)

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrUnknownJob is returned when a job id is not (or no longer) known.
var ErrUnknownJob = errors.New("unknown job")

// ErrQueueFull is returned when the waiting backlog is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// Progress is a point-in-time progress report from a running job.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
	Stage      string  `json:"stage,omitempty"`
}

// Update is delivered to attached progress sinks on every progress
// report and state transition.
type Update struct {
	JobID    string      `json:"job_id"`
	State    State       `json:"state"`
	Progress *Progress   `json:"progress,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	Err      string      `json:"error,omitempty"`
}

// Job is a snapshot of one queued unit of work.
type Job struct {
	ID           string      `json:"id"`
	Payload      interface{} `json:"payload"`
	State        State       `json:"state"`
	Progress     *Progress   `json:"progress,omitempty"`
	Result       interface{} `json:"result,omitempty"`
	Err          string      `json:"error,omitempty"`
	AttemptsMade int         `json:"attempts_made"`
	MaxAttempts  int         `json:"max_attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Handler processes one job payload. report may be called at any time to
// publish progress to attached sinks.
type Handler func(ctx context.Context, payload interface{}, report func(Progress)) (interface{}, error)

// JobOptions override queue defaults for one job.
type JobOptions struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Config holds queue configuration.
type Config struct {
	Concurrency        int
	MaxAttempts        int
	BackoffBase        time.Duration
	JobTimeout         time.Duration
	RetentionCompleted time.Duration
	RetentionFailed    time.Duration
	SweepSchedule      string
	Backlog            int
	Logger             zerolog.Logger
}

// job is the mutable record behind a Job snapshot. All fields are
// guarded by Queue.mu.
type job struct {
	Job

	cancel          context.CancelFunc
	cancelRequested bool
	opts            JobOptions
	sinks           map[int]func(Update)
	nextSink        int
}

// Queue is a durable in-process job queue with a bounded worker pool.
type Queue struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	waiting chan string
	active  int

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a job queue. Start must be called before jobs execute.
func New(cfg Config, handler Handler) (*Queue, error) {
	observability.EnsureRegistered()

	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.RetentionCompleted <= 0 {
		cfg.RetentionCompleted = 10 * time.Minute
	}
	if cfg.RetentionFailed <= 0 {
		cfg.RetentionFailed = time.Hour
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		jobs:    make(map[string]*job),
		waiting: make(chan string, cfg.Backlog),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the worker pool and the retention sweeper.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	if q.cfg.SweepSchedule != "" {
		q.cron = cron.New()
		if _, err := q.cron.AddFunc(q.cfg.SweepSchedule, func() { q.Sweep() }); err != nil {
			q.logger.Warn().Err(err).Str("schedule", q.cfg.SweepSchedule).Msg("Invalid sweep schedule, retention sweeps disabled")
		} else {
			q.cron.Start()
		}
	}

	q.logger.Info().Int("concurrency", q.cfg.Concurrency).Msg("Job queue started")
}

// Close stops accepting work, cancels active jobs and waits for workers.
func (q *Queue) Close() error {
	if q.cron != nil {
		q.cron.Stop()
	}
	q.cancel()

	q.mu.Lock()
	for _, j := range q.jobs {
		if j.State == StateActive && j.cancel != nil {
			j.cancel()
		}
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Enqueue adds a payload to the queue and returns the job snapshot.
func (q *Queue) Enqueue(payload interface{}, opts *JobOptions) (*Job, error) {
	j := &job{
		Job: Job{
			ID:          uuid.New().String(),
			Payload:     payload,
			State:       StateWaiting,
			MaxAttempts: q.cfg.MaxAttempts,
			CreatedAt:   time.Now().UTC(),
		},
		sinks: make(map[int]func(Update)),
	}
	if opts != nil {
		j.opts = *opts
		if opts.MaxAttempts > 0 {
			j.MaxAttempts = opts.MaxAttempts
		}
	}

	q.mu.Lock()
	q.jobs[j.ID] = j
	q.mu.Unlock()

	select {
	case q.waiting <- j.ID:
	default:
		q.mu.Lock()
		delete(q.jobs, j.ID)
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	q.updateGauges()
	q.logger.Debug().Str("job_id", j.ID).Msg("Job enqueued")

	snapshot := j.Job
	return &snapshot, nil
}

// GetStatus returns a snapshot of one job.
func (q *Queue) GetStatus(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	snapshot := j.Job
	return &snapshot, nil
}

// Cancel requests cancellation of a job. Waiting jobs are removed
// outright; active jobs receive a cancellation signal and end without
// being retried. Cancelling a terminal job is a no-op.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownJob
	}

	switch j.State {
	case StateWaiting:
		now := time.Now().UTC()
		j.State = StateCancelled
		j.FinishedAt = &now
		update := q.terminalUpdateLocked(j)
		q.mu.Unlock()

		q.notify(update)
		observability.RecordJobFinished(string(StateCancelled), 0, j.AttemptsMade)
		q.updateGauges()
		q.logger.Info().Str("job_id", id).Msg("Waiting job cancelled")
		return nil

	case StateActive:
		j.cancelRequested = true
		cancel := j.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		q.logger.Info().Str("job_id", id).Msg("Active job cancellation requested")
		return nil

	default:
		q.mu.Unlock()
		return nil
	}
}

// AttachProgress registers a sink for a job's updates and returns a
// detach function. A job already in a terminal state answers immediately
// with that state.
func (q *Queue) AttachProgress(id string, sink func(Update)) (func(), error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, ErrUnknownJob
	}

	if j.State.Terminal() {
		update := q.terminalUpdateLocked(j)
		q.mu.Unlock()
		sink(update)
		return func() {}, nil
	}

	key := j.nextSink
	j.nextSink++
	j.sinks[key] = sink
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if current, ok := q.jobs[id]; ok {
			delete(current.sinks, key)
		}
	}, nil
}

// Sweep reclaims terminal jobs past their retention window and returns
// how many were removed. Completed jobs are kept for a shorter window
// than failed or cancelled ones.
func (q *Queue) Sweep() int {
	now := time.Now().UTC()

	q.mu.Lock()
	var reclaimed []string
	for id, j := range q.jobs {
		if !j.State.Terminal() || j.FinishedAt == nil {
			continue
		}
		retention := q.cfg.RetentionFailed
		if j.State == StateCompleted {
			retention = q.cfg.RetentionCompleted
		}
		if now.Sub(*j.FinishedAt) >= retention {
			reclaimed = append(reclaimed, id)
		}
	}
	for _, id := range reclaimed {
		delete(q.jobs, id)
	}
	q.mu.Unlock()

	for range reclaimed {
		observability.RecordJobReclaimed()
	}
	if len(reclaimed) > 0 {
		q.logger.Info().Int("reclaimed", len(reclaimed)).Msg("Retention sweep completed")
	}
	return len(reclaimed)
}

// Stats returns queue-level counts by state.
func (q *Queue) Stats() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[State]int)
	for _, j := range q.jobs {
		stats[j.State]++
	}
	return stats
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.waiting:
			q.runJob(id)
		}
	}
}

func (q *Queue) runJob(id string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.State != StateWaiting {
		// Cancelled or reclaimed while waiting.
		q.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	j.State = StateActive
	j.StartedAt = &now
	j.AttemptsMade++
	attempt := j.AttemptsMade

	timeout := q.cfg.JobTimeout
	if j.opts.Timeout > 0 {
		timeout = j.opts.Timeout
	}

	jobCtx, cancel := context.WithTimeout(q.ctx, timeout)
	j.cancel = cancel
	payload := j.Payload
	q.mu.Unlock()
	defer cancel()

	q.updateGauges()

	jobCtx = tracing.WithJobID(jobCtx, id)
	jobCtx, span := tracing.StartSpan(
		jobCtx,
		"kairo.jobqueue",
		"jobqueue.run_job",
		attribute.String("job_id", id),
		attribute.Int("attempt", attempt),
	)
	logger := tracing.LoggerFromContext(jobCtx, q.logger).With().Str("job_id", id).Logger()
	logger.Debug().Int("attempt", attempt).Msg("Job started")

	report := func(p Progress) {
		q.reportProgress(id, p)
	}

	start := time.Now()
	result, err := q.handler(jobCtx, payload, report)
	elapsed := time.Since(start)

	q.settle(j, result, err, elapsed, logger)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	q.updateGauges()
}

// settle applies the outcome of one attempt.
func (q *Queue) settle(j *job, result interface{}, err error, elapsed time.Duration, logger zerolog.Logger) {
	now := time.Now().UTC()

	q.mu.Lock()
	j.cancel = nil

	switch {
	case err == nil:
		j.State = StateCompleted
		j.Result = result
		j.FinishedAt = &now

	case j.cancelRequested && errors.Is(err, context.Canceled):
		// A cancelled job is never a success and never retried.
		j.State = StateCancelled
		j.Err = err.Error()
		j.FinishedAt = &now

	case j.AttemptsMade < j.MaxAttempts && q.ctx.Err() == nil:
		j.State = StateWaiting
		j.Err = err.Error()
		backoff := q.cfg.BackoffBase << (j.AttemptsMade - 1)
		id := j.ID
		q.mu.Unlock()

		logger.Warn().Err(err).Dur("backoff", backoff).Msg("Job failed, retrying")
		q.scheduleRetry(id, backoff)
		return

	default:
		j.State = StateFailed
		j.Err = err.Error()
		j.FinishedAt = &now
	}

	state := j.State
	attempts := j.AttemptsMade
	update := q.terminalUpdateLocked(j)
	q.mu.Unlock()

	q.notify(update)
	observability.RecordJobFinished(string(state), elapsed, attempts)

	switch state {
	case StateCompleted:
		logger.Debug().Dur("elapsed", elapsed).Msg("Job completed")
	case StateCancelled:
		logger.Info().Msg("Job cancelled")
	default:
		logger.Error().Str("error", update.Err).Int("attempts", attempts).Msg("Job failed")
	}
}

func (q *Queue) scheduleRetry(id string, backoff time.Duration) {
	time.AfterFunc(backoff, func() {
		select {
		case q.waiting <- id:
		case <-q.ctx.Done():
		}
		q.updateGauges()
	})
}

func (q *Queue) reportProgress(id string, p Progress) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	progress := p
	j.Progress = &progress

	sinks := make([]func(Update), 0, len(j.sinks))
	for _, sink := range j.sinks {
		sinks = append(sinks, sink)
	}
	state := j.State
	q.mu.Unlock()

	update := Update{JobID: id, State: state, Progress: &progress}
	for _, sink := range sinks {
		sink(update)
	}
}

// terminalUpdateLocked builds the update for a state transition and
// collects the sinks to notify. Caller holds q.mu.
func (q *Queue) terminalUpdateLocked(j *job) Update {
	return Update{
		JobID:    j.ID,
		State:    j.State,
		Progress: j.Progress,
		Result:   j.Result,
		Err:      j.Err,
	}
}

func (q *Queue) notify(update Update) {
	q.mu.Lock()
	j, ok := q.jobs[update.JobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	sinks := make([]func(Update), 0, len(j.sinks))
	for _, sink := range j.sinks {
		sinks = append(sinks, sink)
	}
	q.mu.Unlock()

	for _, sink := range sinks {
		sink(update)
	}
}

func (q *Queue) updateGauges() {
	q.mu.Lock()
	waiting, active := 0, 0
	for _, j := range q.jobs {
		switch j.State {
		case StateWaiting:
			waiting++
		case StateActive:
			active++
		}
	}
	q.mu.Unlock()

	observability.SetJobsWaiting(waiting)
	observability.SetJobsActive(active)
}

// String implements fmt.Stringer for log friendliness.
func (j *Job) String() string {
	return fmt.Sprintf("job %s [%s] attempts=%d", j.ID, j.State, j.AttemptsMade)
}
