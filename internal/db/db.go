package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fonkengChris/pianolessons-mailer/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist.
// Processors treat it as terminal: retrying will not make a missing
// user appear.
var ErrNotFound = errors.New("not found")

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var (
		u         models.User
		prefsJSON []byte
		lastSent  *time.Time
	)

	err := s.Pool.QueryRow(ctx,
		`SELECT id, name, email, email_verified, created_at, email_preferences, last_email_sent
		 FROM users
		 WHERE id=$1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified, &u.JoinedAt, &prefsJSON, &lastSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if len(prefsJSON) > 0 {
		var prefs models.EmailPreferences
		if err := json.Unmarshal(prefsJSON, &prefs); err == nil {
			u.Preferences = &prefs
		}
	}
	if lastSent != nil {
		u.LastEmailSent = *lastSent
	}
	return &u, nil
}

func (s *Store) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	var c models.Course
	err := s.Pool.QueryRow(ctx,
		`SELECT c.id, c.title, c.description, c.duration_hours, c.rating, c.features,
		        (SELECT COUNT(*) FROM lessons l WHERE l.course_id = c.id)
		 FROM courses c
		 WHERE c.id=$1`,
		id,
	).Scan(&c.ID, &c.Title, &c.Description, &c.DurationHrs, &c.Rating, &c.Features, &c.LessonCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetLesson(ctx context.Context, id string) (*models.Lesson, error) {
	var l models.Lesson
	err := s.Pool.QueryRow(ctx,
		`SELECT id, course_id, title, position FROM lessons WHERE id=$1`,
		id,
	).Scan(&l.ID, &l.CourseID, &l.Title, &l.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetProgressSummary aggregates the user's completed lessons, watch
// time, and daily streak for progress emails.
func (s *Store) GetProgressSummary(ctx context.Context, userID string) (*models.ProgressSummary, error) {
	var sum models.ProgressSummary

	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE completed),
		        COALESCE(SUM(watch_time_seconds) / 60, 0)
		 FROM user_progress
		 WHERE user_id=$1`,
		userID,
	).Scan(&sum.LessonsCompleted, &sum.TotalWatchMinutes)
	if err != nil {
		return nil, err
	}

	// Streak: distinct completion days, newest first, capped at 60.
	rows, err := s.Pool.Query(ctx,
		`SELECT DISTINCT completed_at::date AS day
		 FROM user_progress
		 WHERE user_id=$1 AND completed
		 ORDER BY day DESC
		 LIMIT 60`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sum.StreakDays = streak(days, time.Now())

	return &sum, nil
}

// streak counts consecutive days of activity ending today or yesterday.
// days must be distinct dates sorted newest first.
func streak(days []time.Time, now time.Time) int {
	if len(days) == 0 {
		return 0
	}
	today := now.UTC().Truncate(24 * time.Hour)
	gap := int(today.Sub(days[0].UTC().Truncate(24*time.Hour)).Hours() / 24)
	if gap > 1 {
		return 0
	}

	count := 1
	for i := 1; i < len(days); i++ {
		prev := days[i-1].UTC().Truncate(24 * time.Hour)
		cur := days[i].UTC().Truncate(24 * time.Hour)
		if prev.Sub(cur) != 24*time.Hour {
			break
		}
		count++
	}
	return count
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (*models.EmailPreferences, error) {
	var prefsJSON []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT email_preferences FROM users WHERE id=$1`,
		userID,
	).Scan(&prefsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(prefsJSON) == 0 {
		return nil, nil
	}
	var prefs models.EmailPreferences
	if err := json.Unmarshal(prefsJSON, &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (s *Store) SetPreferences(ctx context.Context, userID string, prefs models.EmailPreferences) error {
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE users SET email_preferences=$1, updated_at=NOW() WHERE id=$2`,
		prefsJSON, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetLastEmailSent(ctx context.Context, userID string) (time.Time, error) {
	var last *time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT last_email_sent FROM users WHERE id=$1`,
		userID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

func (s *Store) SetLastEmailSent(ctx context.Context, userID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE users SET last_email_sent=$1 WHERE id=$2`,
		at, userID,
	)
	return err
}

// GetUsersByPreference lists verified users whose preference flag for
// the category is set. Users without a preferences record are included
// for every category except marketing, matching the gate's defaults.
func (s *Store) GetUsersByPreference(ctx context.Context, category string) ([]models.User, error) {
	includeMissing := category != "marketing"

	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, email
		 FROM users
		 WHERE email_verified
		   AND COALESCE((email_preferences ->> $1)::boolean, $2)`,
		category, includeMissing,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
