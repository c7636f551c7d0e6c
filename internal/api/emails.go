package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fonkengChris/pianolessons-mailer/internal/csvparser"
	"github.com/fonkengChris/pianolessons-mailer/internal/email"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

func (h *Handler) sendWelcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	job, err := h.Notifier.SendWelcome(r.Context(), req.UserID)
	h.replyQueued(w, job, err)
}

func (h *Handler) sendPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		ResetCode string `json:"resetCode"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.ResetCode == "" {
		h.respondError(w, http.StatusBadRequest, "userId and resetCode are required")
		return
	}
	job, err := h.Notifier.SendPasswordReset(r.Context(), req.UserID, req.ResetCode)
	h.replyQueued(w, job, err)
}

func (h *Handler) sendLessonCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		LessonID string `json:"lessonId"`
		CourseID string `json:"courseId"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.LessonID == "" || req.CourseID == "" {
		h.respondError(w, http.StatusBadRequest, "userId, lessonId and courseId are required")
		return
	}
	job, err := h.Notifier.SendLessonCompleted(r.Context(), req.UserID, req.LessonID, req.CourseID)
	h.replyQueued(w, job, err)
}

func (h *Handler) sendSubscriptionExpired(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	job, err := h.Notifier.SendSubscriptionExpired(r.Context(), req.UserID)
	h.replyQueued(w, job, err)
}

func (h *Handler) sendCourseRecommendation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		CourseID string `json:"courseId"`
		Reason   string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.CourseID == "" {
		h.respondError(w, http.StatusBadRequest, "userId and courseId are required")
		return
	}
	job, err := h.Notifier.SendCourseRecommendation(r.Context(), req.UserID, req.CourseID, req.Reason)
	h.replyQueued(w, job, err)
}

func (h *Handler) sendCustom(w http.ResponseWriter, r *http.Request) {
	var payload email.CustomPayload
	if err := decode(r, &payload); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.Service.AddCustomEmail(r.Context(), payload, queue.Options{})
	if err != nil && job == nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.replyQueued(w, job, err)
}

func (h *Handler) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
		At      time.Time       `json:"at"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := queue.ParseKind(req.Kind)
	if err != nil {
		h.fail(w, err)
		return
	}
	job, err := h.Service.ScheduleEmail(r.Context(), kind, req.Payload, req.At, queue.Options{})
	h.replyQueued(w, job, err)
}

func (h *Handler) sendBulk(w http.ResponseWriter, r *http.Request) {
	var payload email.BulkPayload
	if err := decode(r, &payload); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.Service.AddBulkEmail(r.Context(), payload, queue.Options{})
	if err != nil && job == nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.replyQueued(w, job, err)
}

// sendAnnouncement fans an announcement out to every verified user who
// opted into the named category. The lookup happens at enqueue time, so
// the recipient list is frozen when the job is created.
func (h *Handler) sendAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string                 `json:"category"`
		Subject  string                 `json:"subject"`
		Data     map[string]interface{} `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" || req.Subject == "" {
		h.respondError(w, http.StatusBadRequest, "category and subject are required")
		return
	}

	users, err := h.Users.GetUsersByPreference(r.Context(), req.Category)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(users) == 0 {
		h.respond(w, http.StatusOK, queuedResponse{Queued: false})
		return
	}

	payload := email.BulkPayload{
		Subject:  req.Subject,
		Template: "announcement",
		Data:     req.Data,
		Users:    make([]email.BulkRecipient, 0, len(users)),
	}
	for _, u := range users {
		payload.Users = append(payload.Users, email.BulkRecipient{Name: u.Name, Email: u.Email})
	}

	job, err := h.Service.AddBulkEmail(r.Context(), payload, queue.Options{})
	h.replyQueued(w, job, err)
}

// sendBulkUpload accepts a multipart form with a "file" CSV part plus
// "subject" and "template" fields, and queues one bulk job covering
// every parsed recipient.
func (h *Handler) sendBulkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "missing csv file")
		return
	}
	defer file.Close()

	subject := r.FormValue("subject")
	template := r.FormValue("template")
	if subject == "" || template == "" {
		h.respondError(w, http.StatusBadRequest, "subject and template are required")
		return
	}

	recipients, err := csvparser.ParseRecipients(file, csvparser.DefaultMaxRows)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := email.BulkPayload{
		Subject:  subject,
		Template: template,
		Users:    make([]email.BulkRecipient, 0, len(recipients)),
		Data:     map[string]interface{}{},
	}
	for _, rec := range recipients {
		payload.Users = append(payload.Users, email.BulkRecipient{Name: rec.Name, Email: rec.Email})
	}

	job, err := h.Service.AddBulkEmail(r.Context(), payload, queue.Options{})
	h.replyQueued(w, job, err)
}
