package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/models"
)

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.GetStats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.GetJobStats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, job)
}

func (h *Handler) removeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Queue.RemoveJob(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"removed": id})
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Pause(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.Log.Info("queue paused")
	h.respond(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Resume(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.Log.Info("queue resumed")
	h.respond(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Queue.Clear(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Log.Info("queue cleared", zap.Int64("removed", removed))
	h.respond(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	retried, err := h.Queue.RetryFailed(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Log.Info("failed jobs retried", zap.Int("retried", retried))
	h.respond(w, http.StatusOK, map[string]int{"retried": retried})
}

func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var prefs models.EmailPreferences
	if err := decode(r, &prefs); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Gate.UpdatePreferences(r.Context(), userID, prefs); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, prefs)
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.Gate.Unsubscribe(r.Context(), userID); err != nil {
		h.fail(w, err)
		return
	}
	h.Log.Info("user unsubscribed", zap.String("user_id", userID))
	h.respond(w, http.StatusOK, map[string]bool{"unsubscribed": true})
}
