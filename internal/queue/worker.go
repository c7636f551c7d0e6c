package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/metrics"
)

// claimScript atomically pops the lowest-scored waiting job and places
// it on the active set with a lock expiry. Returns false when the queue
// is paused or empty.
//
// KEYS[1] = wait:<kind>  KEYS[2] = active  KEYS[3] = paused
// ARGV[1] = lock expiry (unix ms)
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return false
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if ids[1] == nil then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Start launches the per-kind worker pools, the delayed-job promoter,
// and the stall reaper. Register all kinds first.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	procs := make(map[Kind]processor, len(q.procs))
	for k, p := range q.procs {
		procs[k] = p
	}
	q.mu.Unlock()

	for kind, p := range procs {
		for i := 0; i < p.concurrency; i++ {
			q.wg.Add(1)
			go q.worker(kind, p.handler, i)
		}
		q.log.Info("workers started",
			zap.String("kind", string(kind)),
			zap.Int("concurrency", p.concurrency),
		)
	}

	q.wg.Add(2)
	go q.promoteLoop()
	go q.reapLoop()

	return nil
}

// Close stops dispatching and waits for in-flight jobs to finish.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
	q.log.Info("email queue closed")
}

func (q *Queue) worker(kind Kind, handler Handler, slot int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		job, err := q.claim(kind)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.log.Error("claim failed",
					zap.String("kind", string(kind)),
					zap.Int("slot", slot),
					zap.Error(err),
				)
			}
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(job, handler, slot)
	}
}

// claim pops one eligible job for the kind and marks it active.
func (q *Queue) claim(kind Kind) (*Job, error) {
	ctx := q.ctx
	now := q.now()
	lockExpiry := now.Add(q.cfg.StallInterval).UnixMilli()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.waitKey(kind), q.key("active"), q.key("paused")},
		lockExpiry,
	).Result()
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, redis.Nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("job", id), map[string]interface{}{
		"state":        string(StateActive),
		"processed_at": now.UnixMilli(),
	})
	pipe.HIncrBy(ctx, q.key("job", id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return q.GetJob(ctx, id)
}

func (q *Queue) process(job *Job, handler Handler, slot int) {
	// Handler work must survive queue shutdown: Close waits for it.
	ctx := context.WithoutCancel(q.ctx)

	stopRenewal := q.renewLock(job.ID)
	defer stopRenewal()

	progress := func(done, total int) {
		q.listeners.emit(Event{
			Type:  EventProgress,
			JobID: job.ID,
			Kind:  job.Kind,
			Done:  done,
			Total: total,
		})
	}

	q.log.Debug("processing job",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("slot", slot),
		zap.Int("attempt", job.AttemptsMade),
	)

	if err := handler(ctx, job, progress); err != nil {
		q.handleFailure(ctx, job, err)
		return
	}
	q.handleSuccess(ctx, job)
}

// renewLock keeps the active-set lock fresh while a handler runs, so
// the reaper only reclaims jobs whose worker has genuinely died.
func (q *Queue) renewLock(id string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(q.cfg.StallInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				expiry := float64(q.now().Add(q.cfg.StallInterval).UnixMilli())
				q.rdb.ZAddXX(context.WithoutCancel(q.ctx), q.key("active"),
					redis.Z{Score: expiry, Member: id})
			}
		}
	}()
	return func() { close(done) }
}

func (q *Queue) handleSuccess(ctx context.Context, job *Job) {
	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HSet(ctx, q.key("job", job.ID), map[string]interface{}{
		"state":       string(StateCompleted),
		"finished_at": now.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("failed to mark job completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.trimSet(ctx, q.key("completed"), q.cfg.RemoveOnComplete)

	metrics.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
	q.listeners.emit(Event{Type: EventCompleted, JobID: job.ID, Kind: job.Kind})
}

func (q *Queue) handleFailure(ctx context.Context, job *Job, procErr error) {
	var perm *backoff.PermanentError
	permanent := errors.As(procErr, &perm)
	terminal := permanent || job.AttemptsMade >= job.Opts.Attempts

	if !terminal {
		// delay_n = base * 2^(n-1)
		delay := q.cfg.BackoffBase << (job.AttemptsMade - 1)
		readyAt := q.now().Add(delay)

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("active"), job.ID)
		pipe.HSet(ctx, q.key("job", job.ID), "state", string(StateDelayed))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error("failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}

		q.log.Warn("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", job.AttemptsMade),
			zap.Duration("backoff", delay),
			zap.Error(procErr),
		)
		return
	}

	q.failJob(ctx, job, procErr.Error())
}

// failJob moves a job to the terminal failed set.
func (q *Queue) failJob(ctx context.Context, job *Job, reason string) {
	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HSet(ctx, q.key("job", job.ID), map[string]interface{}{
		"state":         string(StateFailed),
		"failed_reason": reason,
		"finished_at":   now.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.trimSet(ctx, q.key("failed"), q.cfg.RemoveOnFail)

	metrics.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
	q.listeners.emit(Event{Type: EventFailed, JobID: job.ID, Kind: job.Kind, Reason: reason})

	q.log.Error("job failed terminally",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.AttemptsMade),
		zap.String("reason", reason),
	)
}

// promoteLoop moves delayed jobs whose delay has elapsed onto their
// kind's waiting set.
func (q *Queue) promoteLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(context.WithoutCancel(q.ctx)); err != nil {
				q.log.Error("promoting delayed jobs failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	max := fmt.Sprintf("%d", q.now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: max, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.HSet(ctx, q.key("job", id), "state", string(StateWaiting))
		pipe.ZAdd(ctx, q.waitKey(j.Kind), redis.Z{Score: j.score(), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reapLoop reclaims active jobs whose lock expired (worker crash or
// hang). First stall requeues without consuming an attempt; a second
// stall fails the job.
func (q *Queue) reapLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if err := q.reapStalled(context.WithoutCancel(q.ctx)); err != nil {
				q.log.Error("stall reaper failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) reapStalled(ctx context.Context) error {
	max := fmt.Sprintf("%d", q.now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}

		if j.Stalls >= 1 {
			q.failJob(ctx, j, "job stalled more than allowable limit")
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("active"), id)
		pipe.HSet(ctx, q.key("job", id), map[string]interface{}{
			"state":  string(StateWaiting),
			"stalls": j.Stalls + 1,
		})
		// A stall is an infrastructure failure, not a logic failure:
		// give the attempt back.
		pipe.HIncrBy(ctx, q.key("job", id), "attempts", -1)
		pipe.ZAdd(ctx, q.waitKey(j.Kind), redis.Z{Score: j.score(), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		metrics.JobsStalled.Inc()
		q.listeners.emit(Event{Type: EventStalled, JobID: id, Kind: j.Kind})
		q.log.Warn("job stalled, requeued",
			zap.String("job_id", id),
			zap.String("kind", string(j.Kind)),
		)
	}
	return nil
}
