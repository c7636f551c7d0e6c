package models

type Course struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	LessonCount int      `json:"lesson_count"`
	DurationHrs int      `json:"duration_hours"`
	Rating      float64  `json:"rating"`
	Features    []string `json:"features,omitempty"`
}

type Lesson struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// ProgressSummary aggregates a user's learning activity. It feeds the
// lesson-completed and course-recommendation emails.
type ProgressSummary struct {
	LessonsCompleted int `json:"lessons_completed"`
	// TotalWatchMinutes is accumulated watch time, rounded to minutes.
	TotalWatchMinutes int `json:"total_watch_minutes"`
	// StreakDays counts consecutive calendar days with at least one
	// completed lesson, ending today or yesterday.
	StreakDays int `json:"streak_days"`
}
