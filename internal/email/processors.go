package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/db"
	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/models"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

// UserStore resolves the entities referenced by job payloads.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	GetLesson(ctx context.Context, id string) (*models.Lesson, error)
	GetProgressSummary(ctx context.Context, userID string) (*models.ProgressSummary, error)
}

// Job payloads, one per kind.

type WelcomePayload struct {
	UserID string `json:"userId"`
}

type PasswordResetPayload struct {
	UserID    string `json:"userId"`
	ResetCode string `json:"resetCode"`
}

type LessonCompletedPayload struct {
	UserID   string `json:"userId"`
	LessonID string `json:"lessonId"`
	CourseID string `json:"courseId"`
}

type SubscriptionExpiredPayload struct {
	UserID string `json:"userId"`
}

type CourseRecommendationPayload struct {
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
	Reason   string `json:"reason"`
}

type CustomPayload struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data"`
}

type BulkRecipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type BulkPayload struct {
	Users    []BulkRecipient        `json:"users"`
	Template string                 `json:"template"`
	Subject  string                 `json:"subject"`
	Data     map[string]interface{} `json:"data"`
}

// Processors owns one handler per job kind. Each handler resolves the
// referenced entities, renders a template, sends through the transport,
// and stamps the recipient's rate-limit state on success.
type Processors struct {
	store       UserStore
	transport   Transport
	renderer    *Renderer
	gate        *gate.Gate
	log         *zap.Logger
	frontendURL string
}

func NewProcessors(store UserStore, transport Transport, renderer *Renderer, g *gate.Gate, frontendURL string, log *zap.Logger) *Processors {
	return &Processors{
		store:       store,
		transport:   transport,
		renderer:    renderer,
		gate:        g,
		log:         log,
		frontendURL: frontendURL,
	}
}

// RegisterAll binds every processor to the queue with its concurrency
// limit. Bulk fan-outs get a smaller pool than single sends.
func (p *Processors) RegisterAll(q *queue.Queue, concurrency, bulkConcurrency int) error {
	type binding struct {
		kind    queue.Kind
		slots   int
		handler queue.Handler
	}
	bindings := []binding{
		{queue.KindWelcome, concurrency, p.processWelcome},
		{queue.KindPasswordReset, concurrency, p.processPasswordReset},
		{queue.KindLessonCompleted, concurrency, p.processLessonCompleted},
		{queue.KindSubscriptionExpired, concurrency, p.processSubscriptionExpired},
		{queue.KindCourseRecommendation, concurrency, p.processCourseRecommendation},
		{queue.KindCustom, concurrency, p.processCustom},
		{queue.KindBulk, bulkConcurrency, p.processBulk},
	}
	for _, b := range bindings {
		if err := q.Register(b.kind, b.slots, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// resolveErr marks missing-entity lookups as permanent so the queue
// fails them terminally instead of burning retries.
func resolveErr(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

func (p *Processors) link(path string, query url.Values) string {
	u := p.frontendURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (p *Processors) processWelcome(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload WelcomePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding welcome payload: %w", err))
	}

	user, err := p.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return resolveErr(err)
	}

	t, _ := TypeFor(queue.KindWelcome)
	html, err := p.renderer.Render(t.Template, map[string]interface{}{
		"name":           user.Name,
		"email":          user.Email,
		"joinDate":       user.JoinedAt.Format("January 2, 2006"),
		"dashboardUrl":   p.link("/dashboard", nil),
		"contactUrl":     p.link("/contact", nil),
		"unsubscribeUrl": p.link("/unsubscribe", url.Values{"token": {user.ID}}),
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := p.transport.Send(ctx, user.Email, t.Subject, html, ""); err != nil {
		return err
	}
	p.gate.RecordSent(ctx, user.ID)
	return nil
}

func (p *Processors) processPasswordReset(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload PasswordResetPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding password-reset payload: %w", err))
	}

	user, err := p.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return resolveErr(err)
	}

	t, _ := TypeFor(queue.KindPasswordReset)
	html, err := p.renderer.Render(t.Template, map[string]interface{}{
		"name":      user.Name,
		"email":     user.Email,
		"resetCode": payload.ResetCode,
		"resetUrl": p.link("/reset-password", url.Values{
			"code":  {payload.ResetCode},
			"email": {user.Email},
		}),
		"contactUrl": p.link("/contact", nil),
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := p.transport.Send(ctx, user.Email, t.Subject, html, ""); err != nil {
		return err
	}
	p.gate.RecordSent(ctx, user.ID)
	return nil
}

func (p *Processors) processLessonCompleted(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload LessonCompletedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding lesson-completed payload: %w", err))
	}

	user, err := p.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return resolveErr(err)
	}
	lesson, err := p.store.GetLesson(ctx, payload.LessonID)
	if err != nil {
		return resolveErr(err)
	}
	course, err := p.store.GetCourse(ctx, payload.CourseID)
	if err != nil {
		return resolveErr(err)
	}
	progress, err := p.store.GetProgressSummary(ctx, user.ID)
	if err != nil {
		return err
	}

	t, _ := TypeFor(queue.KindLessonCompleted)
	html, err := p.renderer.Render(t.Template, map[string]interface{}{
		"name":             user.Name,
		"lessonTitle":      lesson.Title,
		"courseTitle":      course.Title,
		"lessonsCompleted": progress.LessonsCompleted,
		"totalWatchTime":   progress.TotalWatchMinutes,
		"streak":           progress.StreakDays,
		"nextLessonUrl":    p.link(fmt.Sprintf("/courses/%s/lessons", course.ID), nil),
		"dashboardUrl":     p.link("/dashboard", nil),
		"unsubscribeUrl":   p.link("/unsubscribe", url.Values{"token": {user.ID}}),
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := p.transport.Send(ctx, user.Email, t.Subject, html, ""); err != nil {
		return err
	}
	p.gate.RecordSent(ctx, user.ID)
	return nil
}

func (p *Processors) processSubscriptionExpired(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload SubscriptionExpiredPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding subscription-expired payload: %w", err))
	}

	user, err := p.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return resolveErr(err)
	}

	t, _ := TypeFor(queue.KindSubscriptionExpired)
	html, err := p.renderer.Render(t.Template, map[string]interface{}{
		"name":            user.Name,
		"expiryDate":      job.CreatedAt.Format("January 2, 2006"),
		"discountPrice":   "9.99",
		"originalPrice":   "19.99",
		"discountPercent": 50,
		"renewUrl":        p.link("/pricing", url.Values{"renew": {"true"}}),
		"contactUrl":      p.link("/contact", nil),
		"unsubscribeUrl":  p.link("/unsubscribe", url.Values{"token": {user.ID}}),
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := p.transport.Send(ctx, user.Email, t.Subject, html, ""); err != nil {
		return err
	}
	p.gate.RecordSent(ctx, user.ID)
	return nil
}

func (p *Processors) processCourseRecommendation(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload CourseRecommendationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding course-recommendation payload: %w", err))
	}

	user, err := p.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return resolveErr(err)
	}
	course, err := p.store.GetCourse(ctx, payload.CourseID)
	if err != nil {
		return resolveErr(err)
	}
	progress, err := p.store.GetProgressSummary(ctx, user.ID)
	if err != nil {
		return err
	}

	t, _ := TypeFor(queue.KindCourseRecommendation)
	html, err := p.renderer.Render(t.Template, map[string]interface{}{
		"name":                 user.Name,
		"recommendationReason": payload.Reason,
		"courseTitle":          course.Title,
		"courseDescription":    course.Description,
		"lessonCount":          course.LessonCount,
		"duration":             course.DurationHrs,
		"rating":               course.Rating,
		"features":             course.Features,
		"lessonsCompleted":     progress.LessonsCompleted,
		"totalWatchTime":       progress.TotalWatchMinutes,
		"courseUrl":            p.link("/courses/"+course.ID, nil),
		"allCoursesUrl":        p.link("/courses", nil),
		"unsubscribeUrl":       p.link("/unsubscribe", url.Values{"token": {user.ID}}),
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := p.transport.Send(ctx, user.Email, t.Subject, html, ""); err != nil {
		return err
	}
	p.gate.RecordSent(ctx, user.ID)
	return nil
}

func (p *Processors) processCustom(ctx context.Context, job *queue.Job, _ queue.ProgressFn) error {
	var payload CustomPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding custom payload: %w", err))
	}

	html, err := p.renderer.Render(payload.Template, payload.Data)
	if err != nil {
		return backoff.Permanent(err)
	}
	_, err = p.transport.Send(ctx, payload.To, payload.Subject, html, "")
	return err
}

// processBulk fans out one custom-style send per recipient. A failed
// recipient never aborts the rest of the batch; the job only fails when
// every single send failed.
func (p *Processors) processBulk(ctx context.Context, job *queue.Job, progress queue.ProgressFn) error {
	var payload BulkPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding bulk payload: %w", err))
	}
	if len(payload.Users) == 0 {
		return backoff.Permanent(errors.New("bulk payload has no recipients"))
	}

	failed := 0
	for i, u := range payload.Users {
		data := make(map[string]interface{}, len(payload.Data)+2)
		for k, v := range payload.Data {
			data[k] = v
		}
		data["name"] = u.Name
		data["email"] = u.Email

		html, err := p.renderer.Render(payload.Template, data)
		if err == nil {
			_, err = p.transport.Send(ctx, u.Email, payload.Subject, html, "")
		}
		if err != nil {
			failed++
			p.log.Warn("bulk recipient send failed",
				zap.String("job_id", job.ID),
				zap.String("to", u.Email),
				zap.Error(err),
			)
		}
		progress(i+1, len(payload.Users))
	}

	if failed == len(payload.Users) {
		return fmt.Errorf("all %d bulk sends failed", failed)
	}
	if failed > 0 {
		p.log.Warn("bulk send completed with failures",
			zap.String("job_id", job.ID),
			zap.Int("failed", failed),
			zap.Int("total", len(payload.Users)),
		)
	}
	return nil
}
