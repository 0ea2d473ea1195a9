package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler executes one job. Returning nil acknowledges the job. Any other
// error schedules a retry until the attempt budget is spent, except errors
// marked Permanent, which dead letter immediately.
type Handler func(ctx context.Context, job *Job) error

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has finished. A job already handed to a worker runs to
// completion on a detached context; no new jobs are picked up after cancel.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()

	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx, handler)
		}()
	}

	wg.Wait()
	q.log.Info().Msg("queue drained")
}

func (q *Queue) workerLoop(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		var rateKey string
		if q.cfg.RateLimit > 0 {
			var ok bool
			if rateKey, ok = q.waitRateSlot(ctx); !ok {
				return
			}
		}

		job, err := q.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popTimeout):
			}
			continue
		}
		if job == nil {
			if rateKey != "" {
				// An empty poll returns its rate slot.
				q.rdb.Decr(ctx, rateKey)
			}
			continue
		}

		q.process(ctx, job, handler)
	}
}

// promoteLoop moves due delayed jobs onto the pending list and refreshes the
// backlog gauges.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn().Err(err).Msg("failed to promote delayed jobs")
			}
			q.publishDepth(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another promoter claimed the member first.
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "status", StatusQueued)
		pipe.LPush(ctx, q.key("pending"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if pending, err := q.rdb.LLen(ctx, q.key("pending")).Result(); err == nil {
		q.metrics.SetQueueDepth(q.cfg.Name, "pending", pending)
	}
	if delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result(); err == nil {
		q.metrics.SetQueueDepth(q.cfg.Name, "delayed", delayed)
	}
	if dead, err := q.rdb.LLen(ctx, q.key("dead")).Result(); err == nil {
		q.metrics.SetQueueDepth(q.cfg.Name, "dead", dead)
	}
}

// waitRateSlot blocks until the shared dequeue budget admits another job and
// returns the counter key the slot was taken from. It returns false when ctx
// ends first. The counter lives in Redis so the budget holds across every
// worker and process serving the queue.
func (q *Queue) waitRateSlot(ctx context.Context) (string, bool) {
	for {
		window := q.now().Truncate(q.cfg.RateWindow)
		key := q.key("rate:" + strconv.FormatInt(window.Unix(), 10))

		n, err := q.rdb.Incr(ctx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return "", false
			}
			// Fail open; the concurrency cap still bounds load.
			q.log.Warn().Err(err).Msg("rate limiter unavailable")
			return "", true
		}
		if n == 1 {
			q.rdb.Expire(ctx, key, 2*q.cfg.RateWindow)
		}
		if n <= int64(q.cfg.RateLimit) {
			return key, true
		}

		sleep := window.Add(q.cfg.RateWindow).Sub(q.now())
		if sleep < 50*time.Millisecond {
			sleep = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(sleep):
		}
	}
}

// dequeue blocks up to popTimeout for the next runnable job. It returns
// (nil, nil) when the queue stayed empty.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, popTimeout, q.key("pending")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.cfg.Name, err)
	}
	return q.loadJob(ctx, res[1])
}

func (q *Queue) process(ctx context.Context, job *Job, handler Handler) {
	// The job context survives shutdown so in-flight work drains cleanly.
	jobCtx := context.WithoutCancel(ctx)

	attempt, err := q.rdb.HIncrBy(jobCtx, q.jobKey(job.ID), "attempts", 1).Result()
	if err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("failed to start job")
		return
	}
	job.Attempt = int(attempt)

	start := q.now()
	q.rdb.HSet(jobCtx, q.jobKey(job.ID), map[string]interface{}{
		"status":    StatusRunning,
		"startedAt": start.UTC().Format(time.RFC3339Nano),
	})

	if q.metrics != nil {
		q.metrics.JobStarted(q.cfg.Name)
	}
	q.log.Info().Str("job", job.ID).Int("attempt", job.Attempt).Msg("job started")

	err = runHandler(jobCtx, job, handler)

	if q.metrics != nil {
		q.metrics.JobFinished(q.cfg.Name)
		q.metrics.RecordScan(q.cfg.Name, err == nil, q.now().Sub(start).Seconds())
	}

	switch {
	case err == nil:
		q.finishCompleted(jobCtx, job)
	case job.Attempt < job.MaxAttempts && !IsPermanent(err):
		q.scheduleRetry(jobCtx, job, err)
	default:
		q.finishFailed(jobCtx, job, err)
	}
}

// runHandler converts handler panics into errors so one bad job cannot take
// down the worker pool.
func runHandler(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) finishCompleted(ctx context.Context, job *Job) {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"status":     StatusCompleted,
		"finishedAt": q.now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, q.jobKey(job.ID), completedTTL)
	pipe.LPush(ctx, q.key("done"), job.ID)
	pipe.LTrim(ctx, q.key("done"), 0, int64(q.cfg.KeepCompleted)-1)
	pipe.Del(ctx, q.reservationKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("failed to finalise job")
		return
	}
	q.log.Info().Str("job", job.ID).Int("attempt", job.Attempt).Msg("job completed")
}

func (q *Queue) scheduleRetry(ctx context.Context, job *Job, cause error) {
	delay := q.cfg.Backoff << (job.Attempt - 1)
	if delay <= 0 {
		delay = time.Second
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"status":  StatusRetrying,
		"failure": truncateReason(cause.Error()),
	})
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	pipe.Expire(ctx, q.reservationKey(job.ID), reservationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("failed to schedule retry")
		return
	}
	q.log.Warn().Err(cause).Str("job", job.ID).Int("attempt", job.Attempt).
		Dur("delay", delay).Msg("job failed, retry scheduled")
}

func (q *Queue) finishFailed(ctx context.Context, job *Job, cause error) {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"status":     StatusFailed,
		"failure":    truncateReason(cause.Error()),
		"finishedAt": q.now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, q.jobKey(job.ID), failedTTL)
	pipe.LPush(ctx, q.key("dead"), job.ID)
	pipe.LTrim(ctx, q.key("dead"), 0, int64(q.cfg.KeepFailed)-1)
	pipe.Del(ctx, q.reservationKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Str("job", job.ID).Msg("failed to dead letter job")
		return
	}
	q.log.Error().Err(cause).Str("job", job.ID).Int("attempt", job.Attempt).Msg("job dead lettered")
}
