// Package api exposes the HTTP surface: enqueue endpoints for every
// email kind, queue administration, and user preference management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/db"
	"github.com/fonkengChris/pianolessons-mailer/internal/email"
	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/models"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

// UserDirectory lists recipients for preference-wide announcements.
type UserDirectory interface {
	GetUsersByPreference(ctx context.Context, category string) ([]models.User, error)
}

type Handler struct {
	Service  *email.Service
	Notifier *email.Notifier
	Queue    *queue.Queue
	Gate     *gate.Gate
	Users    UserDirectory
	Log      *zap.Logger
}

// Router assembles the full route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/emails", func(r chi.Router) {
			r.Post("/welcome", h.sendWelcome)
			r.Post("/password-reset", h.sendPasswordReset)
			r.Post("/lesson-completed", h.sendLessonCompleted)
			r.Post("/subscription-expired", h.sendSubscriptionExpired)
			r.Post("/course-recommendation", h.sendCourseRecommendation)
			r.Post("/custom", h.sendCustom)
			r.Post("/schedule", h.scheduleEmail)
			r.Post("/bulk", h.sendBulk)
			r.Post("/bulk/upload", h.sendBulkUpload)
			r.Post("/announcement", h.sendAnnouncement)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.queueStats)
			r.Get("/jobs", h.jobStats)
			r.Get("/jobs/{id}", h.getJob)
			r.Delete("/jobs/{id}", h.removeJob)
			r.Post("/pause", h.pauseQueue)
			r.Post("/resume", h.resumeQueue)
			r.Post("/clear", h.clearQueue)
			r.Post("/retry", h.retryFailed)
		})

		r.Put("/users/{id}/email-preferences", h.updatePreferences)
		r.Post("/unsubscribe/{id}", h.unsubscribe)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.Log.Error("encoding response", zap.Error(err))
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, map[string]string{"error": msg})
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrUnknownKind), errors.Is(err, email.ErrScheduleInPast):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrJobActive):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.Log.Error("request failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queuedResponse is the uniform enqueue reply. A suppressed send (the
// user opted out of the category) is still a 200; only transport-level
// problems are errors.
type queuedResponse struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"jobId,omitempty"`
}

func (h *Handler) replyQueued(w http.ResponseWriter, job *queue.Job, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	if job == nil {
		h.respond(w, http.StatusOK, queuedResponse{Queued: false})
		return
	}
	h.respond(w, http.StatusAccepted, queuedResponse{Queued: true, JobID: job.ID})
}
