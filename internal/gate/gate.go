// Package gate decides whether a given email category may be sent to a
// given user: per-user preference flags plus an advisory rate-limit
// window. It never blocks a send by itself; callers consult it before
// enqueueing.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/models"
)

// Category names a preference-gated email class.
type Category string

const (
	CategoryWelcome    Category = "welcome"
	CategoryLessons    Category = "lessons"
	CategoryPromotions Category = "promotions"
	CategoryUpdates    Category = "updates"
	CategoryMarketing  Category = "marketing"
)

// PrefStore is the slice of the user store the gate needs.
type PrefStore interface {
	// GetPreferences returns (nil, nil) when the user has no
	// preferences record.
	GetPreferences(ctx context.Context, userID string) (*models.EmailPreferences, error)
	SetPreferences(ctx context.Context, userID string, prefs models.EmailPreferences) error
	GetLastEmailSent(ctx context.Context, userID string) (time.Time, error)
	SetLastEmailSent(ctx context.Context, userID string, at time.Time) error
}

type Gate struct {
	store PrefStore
	log   *zap.Logger
	now   func() time.Time
}

func New(store PrefStore, log *zap.Logger) *Gate {
	return &Gate{store: store, log: log, now: time.Now}
}

// IsAllowed reports whether the category may be sent to the user. A
// user without a preferences record is never blocked silently: all
// categories default to allowed until an explicit opt-out exists.
func (g *Gate) IsAllowed(ctx context.Context, userID string, cat Category) (bool, error) {
	prefs, err := g.store.GetPreferences(ctx, userID)
	if err != nil {
		return false, err
	}
	if prefs == nil {
		return true, nil
	}

	switch cat {
	case CategoryWelcome:
		return prefs.Welcome, nil
	case CategoryLessons:
		return prefs.Lessons, nil
	case CategoryPromotions:
		return prefs.Promotions, nil
	case CategoryUpdates:
		return prefs.Updates, nil
	case CategoryMarketing:
		return prefs.Marketing, nil
	}
	return true, nil
}

// CanSendRateLimited reports whether the user is outside the 24h send
// window. Advisory only: callers choose whether to honor it, and the
// check is not atomic with RecordSent.
func (g *Gate) CanSendRateLimited(ctx context.Context, userID string, maxPerDay int) bool {
	last, err := g.store.GetLastEmailSent(ctx, userID)
	if err != nil {
		g.log.Warn("rate limit lookup failed, blocking send",
			zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if last.IsZero() {
		return true
	}
	return g.now().Sub(last) >= 24*time.Hour
}

// RecordSent stamps lastEmailSent. Processors call this after a
// successful delivery, never before, so a failed send is not counted.
// Concurrent writers race last-writer-wins; the data is advisory.
func (g *Gate) RecordSent(ctx context.Context, userID string) {
	if err := g.store.SetLastEmailSent(ctx, userID, g.now()); err != nil {
		g.log.Warn("failed to record last email sent",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// UpdatePreferences replaces the user's preference flags.
func (g *Gate) UpdatePreferences(ctx context.Context, userID string, prefs models.EmailPreferences) error {
	return g.store.SetPreferences(ctx, userID, prefs)
}

// Unsubscribe opts the user out of every category.
func (g *Gate) Unsubscribe(ctx context.Context, userID string) error {
	return g.store.SetPreferences(ctx, userID, models.EmailPreferences{})
}
