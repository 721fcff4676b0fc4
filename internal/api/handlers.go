package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
)

type jobView struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	Status          domain.Status   `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	AttemptsMade    int             `json:"attemptsMade"`
	AttemptsStarted int             `json:"attemptsStarted"`
	MaxAttempts     int             `json:"maxAttempts"`
	StalledCount    int             `json:"stalledCount"`
	FailedReason    string          `json:"failedReason,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"leaseExpiresAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

func viewOf(j domain.Job) jobView {
	v := jobView{
		ID:              j.ID,
		Queue:           j.Queue,
		Status:          j.Status,
		Payload:         j.Payload,
		AttemptsMade:    j.AttemptsMade,
		AttemptsStarted: j.AttemptsStarted,
		MaxAttempts:     j.Options.Attempts,
		StalledCount:    j.StalledCount,
		FailedReason:    j.FailedReason,
		CreatedAt:       j.CreatedAt,
	}
	if !j.LeaseExpiresAt.IsZero() {
		t := j.LeaseExpiresAt
		v.LeaseExpiresAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func (srv *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := srv.store.Ping(ctx); err != nil {
		srv.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) enqueueTrigger(w http.ResponseWriter, r *http.Request) {
	var cmd domain.TriggerCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cmd.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}
	if cmd.UserID == "" {
		cmd.UserID = subjectFrom(r.Context())
	}

	h, err := srv.producer.Enqueue(r.Context(), cmd)
	if err != nil {
		srv.log.Error("enqueue trigger", zap.Error(err), zap.String("template", cmd.Template))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (srv *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.store.Get(r.Context(), queue.TriggerQueue, chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		srv.log.Error("get job", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (srv *Server) queueCounts(w http.ResponseWriter, r *http.Request) {
	c, err := srv.store.Counts(r.Context(), queue.TriggerQueue)
	if err != nil {
		srv.log.Error("queue counts", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
