package email

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

// Delays applied by the gated helpers. Lifecycle emails trail the
// triggering event slightly so the user's own action settles first.
const (
	welcomeDelay             = 5 * time.Second
	lessonCompletedDelay     = 2 * time.Second
	subscriptionExpiredDelay = 10 * time.Second
)

// Notifier couples the enqueue API with the preference gate. Every
// Send* method checks the recipient's category opt-in before queueing
// and returns a nil job when the send was suppressed. Password resets
// bypass the gate: account security mail is always delivered.
type Notifier struct {
	svc  *Service
	gate *gate.Gate
	log  *zap.Logger
}

func NewNotifier(svc *Service, g *gate.Gate, log *zap.Logger) *Notifier {
	return &Notifier{svc: svc, gate: g, log: log}
}

func (n *Notifier) allowed(ctx context.Context, userID string, cat gate.Category) (bool, error) {
	ok, err := n.gate.IsAllowed(ctx, userID, cat)
	if err != nil {
		return false, err
	}
	if !ok {
		n.log.Debug("send suppressed by preferences",
			zap.String("user_id", userID),
			zap.String("category", string(cat)),
		)
	}
	return ok, nil
}

func (n *Notifier) SendWelcome(ctx context.Context, userID string) (*queue.Job, error) {
	ok, err := n.allowed(ctx, userID, gate.CategoryWelcome)
	if err != nil || !ok {
		return nil, err
	}
	return n.svc.AddWelcomeEmail(ctx, userID, queue.Options{Delay: welcomeDelay})
}

func (n *Notifier) SendPasswordReset(ctx context.Context, userID, resetCode string) (*queue.Job, error) {
	return n.svc.AddPasswordResetEmail(ctx, userID, resetCode, queue.Options{})
}

func (n *Notifier) SendLessonCompleted(ctx context.Context, userID, lessonID, courseID string) (*queue.Job, error) {
	ok, err := n.allowed(ctx, userID, gate.CategoryLessons)
	if err != nil || !ok {
		return nil, err
	}
	return n.svc.AddLessonCompletedEmail(ctx, userID, lessonID, courseID, queue.Options{Delay: lessonCompletedDelay})
}

func (n *Notifier) SendSubscriptionExpired(ctx context.Context, userID string) (*queue.Job, error) {
	ok, err := n.allowed(ctx, userID, gate.CategoryUpdates)
	if err != nil || !ok {
		return nil, err
	}
	return n.svc.AddSubscriptionExpiredEmail(ctx, userID, queue.Options{Delay: subscriptionExpiredDelay})
}

func (n *Notifier) SendCourseRecommendation(ctx context.Context, userID, courseID, reason string) (*queue.Job, error) {
	ok, err := n.allowed(ctx, userID, gate.CategoryPromotions)
	if err != nil || !ok {
		return nil, err
	}
	return n.svc.AddCourseRecommendationEmail(ctx, userID, courseID, reason, queue.Options{})
}
