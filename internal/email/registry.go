package email

import "github.com/fonkengChris/pianolessons-mailer/internal/queue"

// Classification groups email types for reporting and policy.
type Classification string

const (
	ClassTransactional Classification = "transactional"
	ClassSecurity      Classification = "security"
	ClassEngagement    Classification = "engagement"
	ClassBusiness      Classification = "business"
	ClassMarketing     Classification = "marketing"
)

// EmailType is the static configuration for one email category:
// default subject, template identifier, dispatch priority, and
// classification. The table is immutable and loaded at process start.
type EmailType struct {
	Subject  string
	Template string
	Priority int
	Class    Classification
}

// passwordResetPriority is applied to every password-reset enqueue,
// overriding whatever the caller supplied.
const passwordResetPriority = 10

var typeRegistry = map[queue.Kind]EmailType{
	queue.KindWelcome: {
		Subject:  "Welcome to Piano Lessons!",
		Template: "welcome",
		Priority: 0,
		Class:    ClassTransactional,
	},
	queue.KindPasswordReset: {
		Subject:  "Password Reset Request",
		Template: "password-reset",
		Priority: passwordResetPriority,
		Class:    ClassSecurity,
	},
	queue.KindLessonCompleted: {
		Subject:  "Lesson Completed - Great Job!",
		Template: "lesson-completed",
		Priority: 0,
		Class:    ClassEngagement,
	},
	queue.KindSubscriptionExpired: {
		Subject:  "Your Subscription Has Expired",
		Template: "subscription-expired",
		Priority: 0,
		Class:    ClassBusiness,
	},
	queue.KindCourseRecommendation: {
		Subject:  "Perfect Course Recommendation for You!",
		Template: "course-recommendation",
		Priority: 0,
		Class:    ClassMarketing,
	},
}

// TypeFor returns the registry entry for a kind. Custom and bulk kinds
// carry their own subjects and templates and have no entry.
func TypeFor(kind queue.Kind) (EmailType, bool) {
	t, ok := typeRegistry[kind]
	return t, ok
}
