// Package queue implements the durable Redis-backed job queues behind the
// scan pipeline. Each queue keeps a pending list, a delayed zset for retry
// backoff and a dead letter list; job state and progress live in a per-job
// hash so external callers can observe a run while it executes. Delivery is
// at least once, so handlers must be idempotent against repeat execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/metrics"
)

// Queue names.
const (
	ServerScan  = "server-scan"
	NetworkScan = "network-scan"
	ProcessMap  = "process-map"
	AIAnalysis  = "ai-analysis"
)

// Job statuses stored on the job record.
const (
	StatusQueued    = "queued"
	StatusDelayed   = "delayed"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Trigger values carried in the job payload.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

const (
	keyPrefix = "systemmap:queue:"

	// popTimeout bounds each blocking pop so shutdown is noticed quickly.
	popTimeout   = time.Second
	promoteEvery = time.Second
	promoteBatch = 100

	// reservationTTL releases a job id if the owning process dies without
	// finalising the job.
	reservationTTL = 2 * time.Hour

	// Terminal job records stay readable for a while after the run.
	completedTTL = 24 * time.Hour
	failedTTL    = 7 * 24 * time.Hour

	// maxFailureLen caps the stored failure reason.
	maxFailureLen = 2000
)

// ErrDuplicate is returned by Enqueue when a live job already holds the id.
var ErrDuplicate = errors.New("job already queued")

// ErrNotDeadLettered is returned by RequeueDead for ids absent from the
// dead letter list.
var ErrNotDeadLettered = errors.New("job is not dead lettered")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retriable. The queue sends jobs failing with a
// permanent error straight to the dead letter list regardless of the
// remaining attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Config fixes the behaviour of one queue.
type Config struct {
	Name        string
	Concurrency int

	// RateLimit caps dequeues per RateWindow across every worker of the
	// queue. Zero disables the limiter.
	RateLimit  int
	RateWindow time.Duration

	// MaxAttempts counts the first execution plus retries.
	MaxAttempts int
	// Backoff is the base of the exponential retry delay.
	Backoff time.Duration

	// KeepCompleted and KeepFailed bound the finished-job history lists.
	KeepCompleted int
	KeepFailed    int
}

// ServerScanConfig returns the deep-scan queue: three concurrent scans, at
// most ten dequeues per minute, two retries on exponential backoff.
func ServerScanConfig() Config {
	return Config{
		Name:          ServerScan,
		Concurrency:   3,
		RateLimit:     10,
		RateWindow:    time.Minute,
		MaxAttempts:   3,
		Backoff:       5 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// NetworkScanConfig returns the subnet-discovery queue: serial, one retry.
func NetworkScanConfig() Config {
	return Config{
		Name:          NetworkScan,
		Concurrency:   1,
		MaxAttempts:   2,
		Backoff:       5 * time.Second,
		KeepCompleted: 50,
		KeepFailed:    200,
	}
}

// ProcessMapConfig returns the process-map queue: serial, no retry. The
// pipeline holds the LLM writer lock for most of its runtime, so a repeat
// attempt would only queue behind itself.
func ProcessMapConfig() Config {
	return Config{
		Name:          ProcessMap,
		Concurrency:   1,
		MaxAttempts:   1,
		KeepCompleted: 50,
		KeepFailed:    200,
	}
}

// AIAnalysisConfig returns the post-scan analysis queue: serial, no retry.
// A failed analysis is re-issued by the next scan of the host.
func AIAnalysisConfig() Config {
	return Config{
		Name:          AIAnalysis,
		Concurrency:   1,
		MaxAttempts:   1,
		KeepCompleted: 50,
		KeepFailed:    200,
	}
}

// Connect opens a Redis client and verifies connectivity before returning it.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return client, nil
}

// Payload identifies the target of a job and who asked for it.
type Payload struct {
	ServerID      int64  `json:"serverId,omitempty"`
	NetworkScanID int64  `json:"networkScanId,omitempty"`
	Subnet        string `json:"subnet,omitempty"`
	Purpose       string `json:"purpose,omitempty"`
	Trigger       string `json:"trigger"`
	Principal     string `json:"principal,omitempty"`
}

// Progress is the small record workers publish while a job runs.
type Progress struct {
	Step    string         `json:"step"`
	Percent int            `json:"percent"`
	Message string         `json:"message,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// Job is one dequeued unit of work.
type Job struct {
	ID          string
	Queue       string
	Payload     Payload
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// JobStatus is the externally observable state of a job.
type JobStatus struct {
	ID         string     `json:"id"`
	Queue      string     `json:"queue"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Payload    Payload    `json:"payload"`
	Progress   *Progress  `json:"progress,omitempty"`
	Failure    string     `json:"failure,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// HostJobID returns the job id for a host-targeted job. Embedding the host
// identity means a scheduled trigger and a manual trigger for the same
// server collapse onto one reservation.
func HostJobID(queueName string, serverID int64) string {
	return fmt.Sprintf("%s:host:%d", queueName, serverID)
}

// SubnetJobID returns the job id for one network discovery run.
func SubnetJobID(scanID int64) string {
	return fmt.Sprintf("%s:scan:%d", NetworkScan, scanID)
}

// AnalysisJobID returns the job id for one LLM pipeline run on a host.
func AnalysisJobID(serverID int64, purpose string) string {
	return fmt.Sprintf("%s:host:%d:%s", AIAnalysis, serverID, purpose)
}

// HealthJobID returns the job id for one on-demand reachability probe.
// Distinct from HostJobID so a probe never blocks a queued scan.
func HealthJobID(serverID int64) string {
	return fmt.Sprintf("%s:health:%d", ServerScan, serverID)
}

// Queue is one durable FIFO backed by Redis.
type Queue struct {
	rdb     *redis.Client
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger

	now func() time.Time
}

// New builds a queue over an established Redis client.
func New(rdb *redis.Client, cfg Config, m *metrics.Metrics) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		rdb:     rdb,
		cfg:     cfg,
		metrics: m,
		log:     logging.WithComponent("queue").With().Str("queue", cfg.Name).Logger(),
		now:     time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) key(suffix string) string {
	return keyPrefix + q.cfg.Name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

func (q *Queue) reservationKey(id string) string {
	return q.key("active:" + id)
}

// Enqueue reserves id and places the job at the tail of the queue. A live
// job already holding the same id makes Enqueue return ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, id string, p Payload) error {
	return q.enqueue(ctx, id, p, 0)
}

// EnqueueIn schedules the job to become runnable after delay.
func (q *Queue) EnqueueIn(ctx context.Context, id string, p Payload, delay time.Duration) error {
	return q.enqueue(ctx, id, p, delay)
}

func (q *Queue) enqueue(ctx context.Context, id string, p Payload, delay time.Duration) error {
	ok, err := q.rdb.SetNX(ctx, q.reservationKey(id), "1", reservationTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve job %s: %w", id, err)
	}
	if !ok {
		return ErrDuplicate
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", id, err)
	}

	now := q.now()
	status := StatusQueued
	if delay > 0 {
		status = StatusDelayed
	}

	// A fresh run under a previously retained id replaces the old record.
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.jobKey(id))
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"queue":       q.cfg.Name,
		"payload":     payload,
		"status":      status,
		"attempts":    0,
		"maxAttempts": q.cfg.MaxAttempts,
		"enqueuedAt":  now.UTC().Format(time.RFC3339Nano),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, q.key("pending"), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	q.log.Info().Str("job", id).Dur("delay", delay).Msg("job enqueued")
	return nil
}

// SetProgress stores the progress record onto the job so external callers
// can observe a run in flight.
func (q *Queue) SetProgress(ctx context.Context, jobID string, p Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress for %s: %w", jobID, err)
	}
	if err := q.rdb.HSet(ctx, q.jobKey(jobID), "progress", raw).Err(); err != nil {
		return fmt.Errorf("failed to store progress for %s: %w", jobID, err)
	}
	return nil
}

// Status returns the observable state of a job, or nil when the id is
// unknown because it was never enqueued or has aged out of retention.
func (q *Queue) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := &JobStatus{ID: jobID, Queue: q.cfg.Name, Status: fields["status"], Failure: fields["failure"]}
	st.Attempts, _ = strconv.Atoi(fields["attempts"])
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", jobID, err)
		}
	}
	if raw := fields["progress"]; raw != "" {
		var p Progress
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			st.Progress = &p
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["enqueuedAt"]); err == nil {
		st.EnqueuedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["startedAt"]); err == nil {
		st.StartedAt = &ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["finishedAt"]); err == nil {
		st.FinishedAt = &ts
	}
	return st, nil
}

// Depth reports the pending, delayed and dead letter backlog sizes.
func (q *Queue) Depth(ctx context.Context) (pending, delayed, dead int64, err error) {
	if pending, err = q.rdb.LLen(ctx, q.key("pending")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read %s backlog: %w", q.cfg.Name, err)
	}
	if delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read %s backlog: %w", q.cfg.Name, err)
	}
	if dead, err = q.rdb.LLen(ctx, q.key("dead")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read %s backlog: %w", q.cfg.Name, err)
	}
	return pending, delayed, dead, nil
}

// DeadLetters lists the most recently dead lettered job ids.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = int64(q.cfg.KeepFailed)
	}
	ids, err := q.rdb.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s dead letters: %w", q.cfg.Name, err)
	}
	return ids, nil
}

// RequeueDead moves a dead lettered job back onto the pending list with a
// fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) error {
	removed, err := q.rdb.LRem(ctx, q.key("dead"), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	if removed == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotDeadLettered)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.reservationKey(jobID), "1", reservationTTL)
	pipe.HSet(ctx, q.jobKey(jobID), map[string]interface{}{
		"status":   StatusQueued,
		"attempts": 0,
	})
	pipe.HDel(ctx, q.jobKey(jobID), "failure", "finishedAt")
	pipe.Persist(ctx, q.jobKey(jobID))
	pipe.LPush(ctx, q.key("pending"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}

	q.log.Info().Str("job", jobID).Msg("dead lettered job requeued")
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		// The record aged out while the id sat on the pending list.
		q.log.Warn().Str("job", id).Msg("dropping job with no record")
		return nil, nil
	}

	job := &Job{ID: id, Queue: q.cfg.Name, MaxAttempts: q.cfg.MaxAttempts}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", id, err)
	}
	job.Attempt, _ = strconv.Atoi(fields["attempts"])
	if n, err := strconv.Atoi(fields["maxAttempts"]); err == nil && n > 0 {
		job.MaxAttempts = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["enqueuedAt"]); err == nil {
		job.EnqueuedAt = ts
	}
	return job, nil
}

// truncateReason keeps the leading maxFailureLen bytes of a failure message.
func truncateReason(s string) string {
	if len(s) <= maxFailureLen {
		return s
	}
	return s[:maxFailureLen]
}
