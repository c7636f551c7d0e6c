package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

// ErrScheduleInPast is returned when a scheduled send targets a
// timestamp that is not in the future.
var ErrScheduleInPast = errors.New("scheduled time must be in the future")

// Service is the enqueue-side API. It validates payloads, applies
// per-kind priorities, and hands jobs to the queue. It never touches
// SMTP; delivery happens in the processors.
type Service struct {
	q   *queue.Queue
	log *zap.Logger
	now func() time.Time
}

func NewService(q *queue.Queue, log *zap.Logger) *Service {
	return &Service{q: q, log: log, now: time.Now}
}

func (s *Service) enqueue(ctx context.Context, kind queue.Kind, payload interface{}, opts queue.Options) (*queue.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return s.q.Enqueue(ctx, kind, raw, opts)
}

func (s *Service) AddWelcomeEmail(ctx context.Context, userID string, opts queue.Options) (*queue.Job, error) {
	return s.enqueue(ctx, queue.KindWelcome, WelcomePayload{UserID: userID}, opts)
}

// AddPasswordResetEmail always enqueues at the fixed reset priority,
// overriding whatever the caller supplied.
func (s *Service) AddPasswordResetEmail(ctx context.Context, userID, resetCode string, opts queue.Options) (*queue.Job, error) {
	opts.Priority = passwordResetPriority
	return s.enqueue(ctx, queue.KindPasswordReset, PasswordResetPayload{UserID: userID, ResetCode: resetCode}, opts)
}

func (s *Service) AddLessonCompletedEmail(ctx context.Context, userID, lessonID, courseID string, opts queue.Options) (*queue.Job, error) {
	return s.enqueue(ctx, queue.KindLessonCompleted, LessonCompletedPayload{
		UserID:   userID,
		LessonID: lessonID,
		CourseID: courseID,
	}, opts)
}

func (s *Service) AddSubscriptionExpiredEmail(ctx context.Context, userID string, opts queue.Options) (*queue.Job, error) {
	return s.enqueue(ctx, queue.KindSubscriptionExpired, SubscriptionExpiredPayload{UserID: userID}, opts)
}

func (s *Service) AddCourseRecommendationEmail(ctx context.Context, userID, courseID, reason string, opts queue.Options) (*queue.Job, error) {
	return s.enqueue(ctx, queue.KindCourseRecommendation, CourseRecommendationPayload{
		UserID:   userID,
		CourseID: courseID,
		Reason:   reason,
	}, opts)
}

func (s *Service) AddCustomEmail(ctx context.Context, payload CustomPayload, opts queue.Options) (*queue.Job, error) {
	if payload.To == "" {
		return nil, errors.New("custom email requires a recipient")
	}
	if payload.Subject == "" {
		return nil, errors.New("custom email requires a subject")
	}
	return s.enqueue(ctx, queue.KindCustom, payload, opts)
}

func (s *Service) AddBulkEmail(ctx context.Context, payload BulkPayload, opts queue.Options) (*queue.Job, error) {
	if len(payload.Users) == 0 {
		return nil, errors.New("bulk email requires at least one recipient")
	}
	if payload.Subject == "" {
		return nil, errors.New("bulk email requires a subject")
	}
	job, err := s.enqueue(ctx, queue.KindBulk, payload, opts)
	if err != nil {
		return nil, err
	}
	s.log.Info("bulk email queued",
		zap.String("job_id", job.ID),
		zap.Int("recipients", len(payload.Users)),
	)
	return job, nil
}

// ScheduleEmail enqueues any kind with a delay derived from an absolute
// timestamp. Past or present timestamps are rejected rather than fired
// immediately; an accidental stale date should surface as an error.
func (s *Service) ScheduleEmail(ctx context.Context, kind queue.Kind, payload json.RawMessage, at time.Time, opts queue.Options) (*queue.Job, error) {
	now := s.now()
	if !at.After(now) {
		return nil, ErrScheduleInPast
	}
	opts.Delay = at.Sub(now)
	if kind == queue.KindPasswordReset {
		opts.Priority = passwordResetPriority
	}
	return s.q.Enqueue(ctx, kind, payload, opts)
}
