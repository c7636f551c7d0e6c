package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/metrics"
)

// Handler processes one claimed job. Returning an error reschedules the
// job per the retry policy; wrap with backoff.Permanent to fail it
// terminally on the first attempt. The progress callback is optional
// and feeds EventProgress listeners only.
type Handler func(ctx context.Context, job *Job, progress ProgressFn) error

type ProgressFn func(done, total int)

// Config holds queue-wide defaults. Zero fields are filled in by New.
type Config struct {
	Prefix           string
	MaxAttempts      int
	BackoffBase      time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
	CompletedTTL     time.Duration
	FailedTTL        time.Duration
	StallInterval    time.Duration
	PollInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "emailq"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.RemoveOnComplete <= 0 {
		c.RemoveOnComplete = 100
	}
	if c.RemoveOnFail <= 0 {
		c.RemoveOnFail = 50
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = 24 * time.Hour
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 7 * 24 * time.Hour
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

type processor struct {
	handler     Handler
	concurrency int
}

// Queue is a Redis-backed job queue with per-kind worker pools. It is
// constructed explicitly and carries no package-level state, so tests
// can run isolated instances against miniredis.
type Queue struct {
	rdb      *redis.Client
	cfg      Config
	log      *zap.Logger
	workerID string

	mu      sync.Mutex
	procs   map[Kind]processor
	started bool

	listeners listenerSet

	// now is swapped out by tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(rdb *redis.Client, cfg Config, log *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		rdb:      rdb,
		cfg:      cfg.withDefaults(),
		log:      log,
		workerID: fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		procs:    make(map[Kind]processor),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *Queue) key(parts ...string) string {
	return q.cfg.Prefix + ":" + strings.Join(parts, ":")
}

// Register binds a handler and concurrency limit to a kind. All kinds
// must be registered before Start.
func (q *Queue) Register(kind Kind, concurrency int, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("cannot register %q: queue already started", kind)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.procs[kind] = processor{handler: h, concurrency: concurrency}
	return nil
}

func (q *Queue) kinds() []Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	kinds := make([]Kind, 0, len(q.procs))
	for k := range q.procs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Enqueue validates the kind, persists the job, and places it on the
// waiting or delayed set. It never blocks on processing.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload json.RawMessage, opts Options) (*Job, error) {
	q.mu.Lock()
	_, ok := q.procs[kind]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if opts.Attempts <= 0 || opts.Attempts > q.cfg.MaxAttempts {
		opts.Attempts = q.cfg.MaxAttempts
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocating job id: %w", err)
	}

	now := q.now()
	j := &Job{
		ID:        fmt.Sprintf("%d", seq),
		Kind:      kind,
		Payload:   payload,
		Opts:      opts,
		State:     StateWaiting,
		CreatedAt: now,
		seq:       seq,
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("job", j.ID), map[string]interface{}{
		"id":           j.ID,
		"kind":         string(kind),
		"payload":      string(payload),
		"priority":     opts.Priority,
		"delay_ms":     opts.Delay.Milliseconds(),
		"max_attempts": opts.Attempts,
		"attempts":     0,
		"stalls":       0,
		"state":        string(j.State),
		"created_at":   now.UnixMilli(),
		"seq":          seq,
	})
	if opts.Delay > 0 {
		readyAt := now.Add(opts.Delay)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt.UnixMilli()), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, q.waitKey(kind), redis.Z{Score: j.score(), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	q.log.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("kind", string(kind)),
		zap.Int("priority", opts.Priority),
		zap.Duration("delay", opts.Delay),
	)
	return j, nil
}

func (q *Queue) waitKey(kind Kind) string {
	return q.key("wait", string(kind))
}

// GetJob loads a job by id. Returns ErrJobNotFound if no such job exists.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.key("job", id)).Result()
	if err != nil {
		return nil, err
	}
	return jobFromHash(h)
}

// Stats counts jobs per lifecycle state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, kind := range q.kinds() {
		n, err := q.rdb.ZCard(ctx, q.waitKey(kind)).Result()
		if err != nil {
			return s, err
		}
		s.Waiting += n
	}

	var err error
	if s.Delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return s, err
	}
	if s.Active, err = q.rdb.ZCard(ctx, q.key("active")).Result(); err != nil {
		return s, err
	}
	if s.Completed, err = q.rdb.ZCard(ctx, q.key("completed")).Result(); err != nil {
		return s, err
	}
	if s.Failed, err = q.rdb.ZCard(ctx, q.key("failed")).Result(); err != nil {
		return s, err
	}
	s.Total = s.Waiting + s.Delayed + s.Active + s.Completed + s.Failed

	metrics.QueueDepth.WithLabelValues(string(StateWaiting)).Set(float64(s.Waiting))
	metrics.QueueDepth.WithLabelValues(string(StateDelayed)).Set(float64(s.Delayed))
	metrics.QueueDepth.WithLabelValues(string(StateActive)).Set(float64(s.Active))
	metrics.QueueDepth.WithLabelValues(string(StateCompleted)).Set(float64(s.Completed))
	metrics.QueueDepth.WithLabelValues(string(StateFailed)).Set(float64(s.Failed))

	return s, nil
}

// RecentJobs lists up to 10 jobs per non-terminal-success state.
type RecentJobs struct {
	Waiting []*Job `json:"waiting"`
	Active  []*Job `json:"active"`
	Failed  []*Job `json:"failed"`
}

// JobStats bundles counts with a recent-job sample for the admin API.
type JobStats struct {
	Stats
	RecentJobs RecentJobs `json:"recent_jobs"`
}

func (q *Queue) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats, err := q.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	js := &JobStats{Stats: stats}

	const sample = 10

	var waiting []*Job
	for _, kind := range q.kinds() {
		ids, err := q.rdb.ZRange(ctx, q.waitKey(kind), 0, sample-1).Result()
		if err != nil {
			return nil, err
		}
		jobs, err := q.loadJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		waiting = append(waiting, jobs...)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].seq < waiting[j].seq })
	if len(waiting) > sample {
		waiting = waiting[:sample]
	}
	js.RecentJobs.Waiting = waiting

	activeIDs, err := q.rdb.ZRange(ctx, q.key("active"), 0, sample-1).Result()
	if err != nil {
		return nil, err
	}
	if js.RecentJobs.Active, err = q.loadJobs(ctx, activeIDs); err != nil {
		return nil, err
	}

	failedIDs, err := q.rdb.ZRevRange(ctx, q.key("failed"), 0, sample-1).Result()
	if err != nil {
		return nil, err
	}
	if js.RecentJobs.Failed, err = q.loadJobs(ctx, failedIDs); err != nil {
		return nil, err
	}

	return js, nil
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			// Evicted between listing and loading.
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Pause stops dispatching without losing queued jobs. Active jobs run
// to completion.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.key("paused"), "1", 0).Err(); err != nil {
		return err
	}
	q.log.Info("email queue paused")
	return nil
}

// Resume restarts dispatching after Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.key("paused")).Err(); err != nil {
		return err
	}
	q.log.Info("email queue resumed")
	return nil
}

// Clear discards all waiting and delayed jobs. Active and terminal
// jobs are untouched.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	var removed int64

	sets := []string{q.key("delayed")}
	for _, kind := range q.kinds() {
		sets = append(sets, q.waitKey(kind))
	}

	for _, set := range sets {
		ids, err := q.rdb.ZRange(ctx, set, 0, -1).Result()
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.key("job", id))
		}
		pipe.Del(ctx, set)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed += int64(len(ids))
	}

	q.log.Info("email queue cleared", zap.Int64("removed", removed))
	return removed, nil
}

// RetryFailed moves every terminal-failed job back to waiting with a
// fresh attempt counter. Returns the number of jobs requeued.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("failed"), id)
		pipe.HSet(ctx, q.key("job", id), map[string]interface{}{
			"state":         string(StateWaiting),
			"attempts":      0,
			"stalls":        0,
			"failed_reason": "",
			"finished_at":   0,
		})
		pipe.ZAdd(ctx, q.waitKey(j.Kind), redis.Z{Score: j.score(), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return retried, err
		}
		retried++
	}

	q.log.Info("retried failed jobs", zap.Int("count", retried))
	return retried, nil
}

// RemoveJob cancels a waiting or delayed job and evicts terminal jobs.
// Active jobs cannot be removed.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	j, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	switch j.State {
	case StateActive:
		return ErrJobActive
	case StateWaiting:
		pipe.ZRem(ctx, q.waitKey(j.Kind), id)
	case StateDelayed:
		pipe.ZRem(ctx, q.key("delayed"), id)
	case StateCompleted:
		pipe.ZRem(ctx, q.key("completed"), id)
	case StateFailed:
		pipe.ZRem(ctx, q.key("failed"), id)
	}
	pipe.Del(ctx, q.key("job", id))
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup evicts completed jobs older than CompletedTTL and failed
// jobs older than FailedTTL. Returns counts of evicted jobs.
func (q *Queue) Cleanup(ctx context.Context) (completed, failed int, err error) {
	now := q.now()
	if completed, err = q.cleanSet(ctx, q.key("completed"), now.Add(-q.cfg.CompletedTTL)); err != nil {
		return
	}
	if failed, err = q.cleanSet(ctx, q.key("failed"), now.Add(-q.cfg.FailedTTL)); err != nil {
		return
	}
	q.log.Info("email queue cleanup completed",
		zap.Int("completed_evicted", completed),
		zap.Int("failed_evicted", failed),
	)
	return
}

func (q *Queue) cleanSet(ctx context.Context, set string, cutoff time.Time) (int, error) {
	max := fmt.Sprintf("%d", cutoff.UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.key("job", id))
	}
	pipe.ZRemRangeByScore(ctx, set, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// trimSet keeps the newest `keep` members of a terminal set, evicting
// the oldest jobs and their hashes.
func (q *Queue) trimSet(ctx context.Context, set string, keep int) {
	n, err := q.rdb.ZCard(ctx, set).Result()
	if err != nil || n <= int64(keep) {
		return
	}
	over := n - int64(keep)
	ids, err := q.rdb.ZRange(ctx, set, 0, over-1).Result()
	if err != nil {
		return
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.key("job", id))
	}
	pipe.ZRemRangeByRank(ctx, set, 0, over-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("failed to trim terminal set", zap.String("set", set), zap.Error(err))
	}
}
