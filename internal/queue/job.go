package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies which processor handles a job.
type Kind string

const (
	KindWelcome              Kind = "welcome"
	KindPasswordReset        Kind = "password-reset"
	KindLessonCompleted      Kind = "lesson-completed"
	KindSubscriptionExpired  Kind = "subscription-expired"
	KindCourseRecommendation Kind = "course-recommendation"
	KindCustom               Kind = "custom"
	KindBulk                 Kind = "bulk"
)

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindWelcome, KindPasswordReset, KindLessonCompleted,
		KindSubscriptionExpired, KindCourseRecommendation, KindCustom, KindBulk:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// State is a job's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateStalled is transient: a stalled job is either requeued as
	// waiting or moved to failed by the reaper.
	StateStalled State = "stalled"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrJobNotFound = errors.New("job not found")
	ErrJobActive   = errors.New("job is active and cannot be removed")
)

// Options control scheduling of a single job. Zero values fall back to
// queue-wide defaults.
type Options struct {
	// Priority orders dispatch: lower values are served first, ties
	// broken by insertion order.
	Priority int
	// Delay postpones eligibility until enqueue time + Delay.
	Delay time.Duration
	// Attempts caps processor retries. Clamped to the queue maximum.
	Attempts int
}

type Job struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Opts         Options         `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	Stalls       int             `json:"stalls"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  time.Time       `json:"processed_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`

	seq int64
}

// score orders the waiting set: priority bands first, FIFO inside a band.
// Sequence numbers stay well below 2^40, so the float64 score is exact.
func (j *Job) score() float64 {
	return float64(j.Opts.Priority)*(1<<40) + float64(j.seq)
}

func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}

	j := &Job{
		ID:           h["id"],
		Kind:         Kind(h["kind"]),
		Payload:      json.RawMessage(h["payload"]),
		State:        State(h["state"]),
		FailedReason: h["failed_reason"],
	}

	j.Opts.Priority, _ = strconv.Atoi(h["priority"])
	j.Opts.Attempts, _ = strconv.Atoi(h["max_attempts"])
	j.AttemptsMade, _ = strconv.Atoi(h["attempts"])
	j.Stalls, _ = strconv.Atoi(h["stalls"])
	j.seq, _ = strconv.ParseInt(h["seq"], 10, 64)

	if ms, err := strconv.ParseInt(h["delay_ms"], 10, 64); err == nil {
		j.Opts.Delay = time.Duration(ms) * time.Millisecond
	}
	j.CreatedAt = msToTime(h["created_at"])
	j.ProcessedAt = msToTime(h["processed_at"])
	j.FinishedAt = msToTime(h["finished_at"])

	return j, nil
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
