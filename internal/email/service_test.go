package email

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

func newTestService(t *testing.T) (*Service, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, queue.Config{}, zap.NewNop())
	noop := func(context.Context, *queue.Job, queue.ProgressFn) error { return nil }
	for _, kind := range []queue.Kind{
		queue.KindWelcome, queue.KindPasswordReset, queue.KindLessonCompleted,
		queue.KindSubscriptionExpired, queue.KindCourseRecommendation,
		queue.KindCustom, queue.KindBulk,
	} {
		require.NoError(t, q.Register(kind, 1, noop))
	}
	return NewService(q, zap.NewNop()), q
}

func TestAddWelcomeEmail(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	job, err := svc.AddWelcomeEmail(ctx, "u1", queue.Options{Delay: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, queue.KindWelcome, job.Kind)
	assert.Equal(t, queue.StateDelayed, job.State)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	var payload WelcomePayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "u1", payload.UserID)
}

func TestAddPasswordResetEmailForcesPriority(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	job, err := svc.AddPasswordResetEmail(ctx, "u1", "XK42", queue.Options{Priority: 3})
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, passwordResetPriority, got.Opts.Priority)

	var payload PasswordResetPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "XK42", payload.ResetCode)
}

func TestAddCustomEmailValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddCustomEmail(ctx, CustomPayload{Subject: "s", Template: "t"}, queue.Options{})
	require.Error(t, err)

	_, err = svc.AddCustomEmail(ctx, CustomPayload{To: "x@example.com", Template: "t"}, queue.Options{})
	require.Error(t, err)

	job, err := svc.AddCustomEmail(ctx, CustomPayload{
		To: "x@example.com", Subject: "s", Template: "t",
	}, queue.Options{})
	require.NoError(t, err)
	assert.Equal(t, queue.KindCustom, job.Kind)
}

func TestAddBulkEmailValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddBulkEmail(ctx, BulkPayload{Subject: "s", Template: "t"}, queue.Options{})
	require.Error(t, err)

	job, err := svc.AddBulkEmail(ctx, BulkPayload{
		Subject:  "s",
		Template: "t",
		Users:    []BulkRecipient{{Name: "Ada", Email: "a@example.com"}},
	}, queue.Options{})
	require.NoError(t, err)
	assert.Equal(t, queue.KindBulk, job.Kind)
}

func TestScheduleEmail(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	payload, _ := json.Marshal(WelcomePayload{UserID: "u1"})
	job, err := svc.ScheduleEmail(ctx, queue.KindWelcome, payload, now.Add(time.Hour), queue.Options{})
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, got.State)
	assert.Equal(t, time.Hour, got.Opts.Delay)
}

func TestScheduleEmailRejectsPastTimestamp(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	payload, _ := json.Marshal(WelcomePayload{UserID: "u1"})

	_, err := svc.ScheduleEmail(ctx, queue.KindWelcome, payload, now.Add(-time.Minute), queue.Options{})
	require.ErrorIs(t, err, ErrScheduleInPast)

	_, err = svc.ScheduleEmail(ctx, queue.KindWelcome, payload, now, queue.Options{})
	require.ErrorIs(t, err, ErrScheduleInPast)

	// Nothing was queued.
	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestScheduleEmailForcesResetPriority(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	payload, _ := json.Marshal(PasswordResetPayload{UserID: "u1", ResetCode: "c"})
	job, err := svc.ScheduleEmail(ctx, queue.KindPasswordReset, payload, time.Now().Add(time.Hour), queue.Options{})
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, passwordResetPriority, got.Opts.Priority)
}
