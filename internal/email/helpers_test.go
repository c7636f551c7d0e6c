package email

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/models"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

func newTestNotifier(t *testing.T) (*Notifier, *fakeUserStore, *queue.Queue) {
	t.Helper()
	svc, q := newTestService(t)
	store := newFakeUserStore()
	g := gate.New(store, zap.NewNop())
	return NewNotifier(svc, g, zap.NewNop()), store, q
}

func TestSendWelcomeRespectsPreferences(t *testing.T) {
	n, store, _ := newTestNotifier(t)
	ctx := context.Background()

	// No preference record: allowed.
	job, err := n.SendWelcome(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, welcomeDelay, job.Opts.Delay)

	// Explicit opt-out suppresses the send without error.
	store.users["u2"] = &models.User{ID: "u2", Preferences: &models.EmailPreferences{Welcome: false}}
	job, err = n.SendWelcome(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSendPasswordResetIgnoresPreferences(t *testing.T) {
	n, store, _ := newTestNotifier(t)
	ctx := context.Background()

	// Fully unsubscribed user still gets security email.
	store.users["u1"] = &models.User{ID: "u1", Preferences: &models.EmailPreferences{}}
	job, err := n.SendPasswordReset(ctx, "u1", "XK42")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.KindPasswordReset, job.Kind)
}

func TestSendLessonCompletedSuppressedByOptOut(t *testing.T) {
	n, store, _ := newTestNotifier(t)
	ctx := context.Background()

	store.users["u1"] = &models.User{ID: "u1", Preferences: &models.EmailPreferences{Lessons: false}}
	job, err := n.SendLessonCompleted(ctx, "u1", "l1", "c1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSendSubscriptionExpiredDelay(t *testing.T) {
	n, _, _ := newTestNotifier(t)

	job, err := n.SendSubscriptionExpired(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, subscriptionExpiredDelay, job.Opts.Delay)
}

func TestSendCourseRecommendationGatedByPromotions(t *testing.T) {
	n, store, _ := newTestNotifier(t)
	ctx := context.Background()

	store.users["u1"] = &models.User{ID: "u1", Preferences: &models.EmailPreferences{Promotions: false}}
	job, err := n.SendCourseRecommendation(ctx, "u1", "c1", "because")
	require.NoError(t, err)
	assert.Nil(t, job)

	prefs := models.DefaultPreferences()
	store.users["u1"].Preferences = &prefs
	job, err = n.SendCourseRecommendation(ctx, "u1", "c1", "because")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, time.Duration(0), job.Opts.Delay)
}
