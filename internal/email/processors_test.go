package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/db"
	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/models"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

type fakeUserStore struct {
	users    map[string]*models.User
	courses  map[string]*models.Course
	lessons  map[string]*models.Lesson
	progress map[string]*models.ProgressSummary
	lastSent map[string]time.Time
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:    make(map[string]*models.User),
		courses:  make(map[string]*models.Course),
		lessons:  make(map[string]*models.Lesson),
		progress: make(map[string]*models.ProgressSummary),
		lastSent: make(map[string]time.Time),
	}
}

func (s *fakeUserStore) GetUser(_ context.Context, id string) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, db.ErrNotFound)
}

func (s *fakeUserStore) GetCourse(_ context.Context, id string) (*models.Course, error) {
	if c, ok := s.courses[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("course %s: %w", id, db.ErrNotFound)
}

func (s *fakeUserStore) GetLesson(_ context.Context, id string) (*models.Lesson, error) {
	if l, ok := s.lessons[id]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("lesson %s: %w", id, db.ErrNotFound)
}

func (s *fakeUserStore) GetProgressSummary(_ context.Context, userID string) (*models.ProgressSummary, error) {
	if p, ok := s.progress[userID]; ok {
		return p, nil
	}
	return &models.ProgressSummary{}, nil
}

func (s *fakeUserStore) GetPreferences(_ context.Context, userID string) (*models.EmailPreferences, error) {
	if u, ok := s.users[userID]; ok {
		return u.Preferences, nil
	}
	return nil, nil
}

func (s *fakeUserStore) SetPreferences(_ context.Context, userID string, prefs models.EmailPreferences) error {
	if u, ok := s.users[userID]; ok {
		u.Preferences = &prefs
	}
	return nil
}

func (s *fakeUserStore) GetLastEmailSent(_ context.Context, userID string) (time.Time, error) {
	return s.lastSent[userID], nil
}

func (s *fakeUserStore) SetLastEmailSent(_ context.Context, userID string, at time.Time) error {
	s.lastSent[userID] = at
	return nil
}

type sentMail struct {
	to      string
	subject string
	html    string
}

type fakeTransport struct {
	sent    []sentMail
	failFor map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]error)}
}

func (f *fakeTransport) Send(_ context.Context, to, subject, html, _ string) (string, error) {
	if err, ok := f.failFor[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, html: html})
	return "<test@pianolessons.com>", nil
}

func newTestProcessors(t *testing.T) (*Processors, *fakeUserStore, *fakeTransport) {
	t.Helper()
	store := newFakeUserStore()
	transport := newFakeTransport()
	renderer, err := NewRenderer()
	require.NoError(t, err)
	g := gate.New(store, zap.NewNop())
	p := NewProcessors(store, transport, renderer, g, "https://pianolessons.com", zap.NewNop())
	return p, store, transport
}

func testJob(t *testing.T, kind queue.Kind, payload interface{}) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "1", Kind: kind, Payload: raw, CreatedAt: time.Now()}
}

func noProgress(int, int) {}

func TestProcessWelcome(t *testing.T) {
	p, store, transport := newTestProcessors(t)
	store.users["u1"] = &models.User{
		ID:       "u1",
		Name:     "Ada",
		Email:    "ada@example.com",
		JoinedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}

	job := testJob(t, queue.KindWelcome, WelcomePayload{UserID: "u1"})
	require.NoError(t, p.processWelcome(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "ada@example.com", mail.to)
	assert.Equal(t, "Welcome to Piano Lessons!", mail.subject)
	assert.Contains(t, mail.html, "Ada")
	assert.Contains(t, mail.html, "January 15, 2026")

	// Delivery stamps the rate-limit record.
	assert.False(t, store.lastSent["u1"].IsZero())
}

func TestProcessWelcomeUnknownUserIsPermanent(t *testing.T) {
	p, _, transport := newTestProcessors(t)

	job := testJob(t, queue.KindWelcome, WelcomePayload{UserID: "missing"})
	err := p.processWelcome(context.Background(), job, noProgress)
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.Empty(t, transport.sent)
}

func TestProcessWelcomeMalformedPayloadIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessors(t)

	job := &queue.Job{ID: "1", Kind: queue.KindWelcome, Payload: json.RawMessage(`{`)}
	err := p.processWelcome(context.Background(), job, noProgress)

	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestProcessPasswordReset(t *testing.T) {
	p, store, transport := newTestProcessors(t)
	store.users["u1"] = &models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}

	job := testJob(t, queue.KindPasswordReset, PasswordResetPayload{UserID: "u1", ResetCode: "XK42"})
	require.NoError(t, p.processPasswordReset(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "Password Reset Request", mail.subject)
	assert.Contains(t, mail.html, "XK42")
	assert.Contains(t, mail.html, "code=XK42")
	assert.Contains(t, mail.html, "email=ada%40example.com")
}

func TestProcessLessonCompleted(t *testing.T) {
	p, store, transport := newTestProcessors(t)
	store.users["u1"] = &models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	store.lessons["l1"] = &models.Lesson{ID: "l1", CourseID: "c1", Title: "Scales in C Major"}
	store.courses["c1"] = &models.Course{ID: "c1", Title: "Piano Foundations"}
	store.progress["u1"] = &models.ProgressSummary{LessonsCompleted: 7, TotalWatchMinutes: 340, StreakDays: 4}

	job := testJob(t, queue.KindLessonCompleted, LessonCompletedPayload{
		UserID: "u1", LessonID: "l1", CourseID: "c1",
	})
	require.NoError(t, p.processLessonCompleted(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "Lesson Completed - Great Job!", mail.subject)
	assert.Contains(t, mail.html, "Scales in C Major")
	assert.Contains(t, mail.html, "Piano Foundations")
	assert.Contains(t, mail.html, "7")
}

func TestProcessSubscriptionExpired(t *testing.T) {
	p, store, transport := newTestProcessors(t)
	store.users["u1"] = &models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}

	job := testJob(t, queue.KindSubscriptionExpired, SubscriptionExpiredPayload{UserID: "u1"})
	require.NoError(t, p.processSubscriptionExpired(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "Your Subscription Has Expired", mail.subject)
	assert.Contains(t, mail.html, "9.99")
	assert.Contains(t, mail.html, "50")
}

func TestProcessCourseRecommendation(t *testing.T) {
	p, store, transport := newTestProcessors(t)
	store.users["u1"] = &models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	store.courses["c2"] = &models.Course{
		ID:          "c2",
		Title:       "Jazz Improvisation",
		Description: "Learn to improvise over standards.",
		LessonCount: 24,
		DurationHrs: 12,
		Rating:      4.8,
		Features:    []string{"Backing tracks", "Weekly challenges"},
	}

	job := testJob(t, queue.KindCourseRecommendation, CourseRecommendationPayload{
		UserID: "u1", CourseID: "c2", Reason: "You finished the blues course",
	})
	require.NoError(t, p.processCourseRecommendation(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "Perfect Course Recommendation for You!", mail.subject)
	assert.Contains(t, mail.html, "Jazz Improvisation")
	assert.Contains(t, mail.html, "You finished the blues course")
	assert.Contains(t, mail.html, "Backing tracks")
}

func TestProcessCustom(t *testing.T) {
	p, _, transport := newTestProcessors(t)

	job := testJob(t, queue.KindCustom, CustomPayload{
		To:       "ops@pianolessons.com",
		Subject:  "Contact form",
		Template: "contact-form",
		Data: map[string]interface{}{
			"name":    "Grace",
			"email":   "grace@example.com",
			"message": "The metronome is broken.",
		},
	})
	require.NoError(t, p.processCustom(context.Background(), job, noProgress))

	require.Len(t, transport.sent, 1)
	mail := transport.sent[0]
	assert.Equal(t, "ops@pianolessons.com", mail.to)
	assert.Equal(t, "Contact form", mail.subject)
	assert.Contains(t, mail.html, "The metronome is broken.")
}

func TestProcessCustomUnknownTemplateIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessors(t)

	job := testJob(t, queue.KindCustom, CustomPayload{
		To: "x@example.com", Subject: "s", Template: "no-such-template",
	})
	err := p.processCustom(context.Background(), job, noProgress)

	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestProcessBulkPartialFailure(t *testing.T) {
	p, _, transport := newTestProcessors(t)
	transport.failFor["b@example.com"] = errors.New("mailbox full")

	var progressCalls [][2]int
	progress := func(done, total int) {
		progressCalls = append(progressCalls, [2]int{done, total})
	}

	job := testJob(t, queue.KindBulk, BulkPayload{
		Subject:  "June announcement",
		Template: "announcement",
		Users: []BulkRecipient{
			{Name: "Ada", Email: "a@example.com"},
			{Name: "Bob", Email: "b@example.com"},
			{Name: "Cleo", Email: "c@example.com"},
		},
		Data: map[string]interface{}{"title": "New courses", "body": "Three new courses this month."},
	})

	// One failed recipient does not fail the batch.
	require.NoError(t, p.processBulk(context.Background(), job, progress))
	assert.Len(t, transport.sent, 2)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progressCalls)
}

func TestProcessBulkAllFailed(t *testing.T) {
	p, _, _ := newTestProcessors(t)
	transportAllFail := newFakeTransport()
	transportAllFail.failFor["a@example.com"] = errors.New("down")
	transportAllFail.failFor["b@example.com"] = errors.New("down")
	p.transport = transportAllFail

	job := testJob(t, queue.KindBulk, BulkPayload{
		Subject:  "x",
		Template: "announcement",
		Users: []BulkRecipient{
			{Name: "Ada", Email: "a@example.com"},
			{Name: "Bob", Email: "b@example.com"},
		},
		Data: map[string]interface{}{"title": "t", "body": "b"},
	})

	err := p.processBulk(context.Background(), job, noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 bulk sends failed")
}

func TestProcessBulkEmptyIsPermanent(t *testing.T) {
	p, _, _ := newTestProcessors(t)

	job := testJob(t, queue.KindBulk, BulkPayload{Subject: "x", Template: "announcement"})
	err := p.processBulk(context.Background(), job, noProgress)

	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
}
