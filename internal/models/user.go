package models

import "time"

// EmailPreferences holds per-user opt-in flags, one per email category.
type EmailPreferences struct {
	Welcome    bool `json:"welcome"`
	Lessons    bool `json:"lessons"`
	Promotions bool `json:"promotions"`
	Updates    bool `json:"updates"`
	Marketing  bool `json:"marketing"`
}

// DefaultPreferences returns the flags assigned to a freshly created
// preferences record. Marketing requires an explicit opt-in.
func DefaultPreferences() EmailPreferences {
	return EmailPreferences{
		Welcome:    true,
		Lessons:    true,
		Promotions: true,
		Updates:    true,
		Marketing:  false,
	}
}

type User struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	EmailVerified bool              `json:"email_verified"`
	JoinedAt      time.Time         `json:"joined_at"`
	Preferences   *EmailPreferences `json:"email_preferences,omitempty"`
	LastEmailSent time.Time         `json:"last_email_sent,omitempty"`
}
