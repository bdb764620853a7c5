// Package httpapi is the HTTP controller over the audit service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"streamaudit/internal/integrity"
	"streamaudit/internal/jobs"
	"streamaudit/internal/recovery"
	"streamaudit/internal/service"
	"streamaudit/internal/stream"
	"streamaudit/internal/workdir"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Service is what the controller needs from the application layer.
type Service interface {
	StartCheck(ctx context.Context, topic string) (*jobs.Handle, error)
	Checks(ctx context.Context) ([]service.CheckStatus, error)
	Summary(ctx context.Context, topic string) (integrity.Summary, error)
	FullReport(ctx context.Context, topic string) (string, error)
	CancelCheck(ctx context.Context, topic string) error
	StartRecovery(ctx context.Context, topic, toTopic string) (*jobs.Handle, error)
	RecoverableTopics() ([]string, error)
	Recovery(ctx context.Context, topic string) (recovery.Monitor, error)
	CancelRecovery(ctx context.Context, topic string) error
}

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

type jobResponse struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
}

func (h *Handler) StartCheck(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	job, err := h.svc.StartCheck(r.Context(), topic)
	if err != nil {
		h.fail(w, r, err, checkStatus)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.ID, Topic: job.Key, Kind: job.Kind})
}

func (h *Handler) ListChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.svc.Checks(r.Context())
	if err != nil {
		h.fail(w, r, err, checkStatus)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Summary(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err, checkStatus)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) GetFullReport(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.FullReport(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err, checkStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

func (h *Handler) CancelCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelCheck(r.Context(), chi.URLParam(r, "topic")); err != nil {
		h.fail(w, r, err, checkStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) StartRecovery(w http.ResponseWriter, r *http.Request) {
	toTopic := r.URL.Query().Get("toTopic")
	if toTopic == "" {
		http.Error(w, "toTopic is required", http.StatusBadRequest)
		return
	}
	job, err := h.svc.StartRecovery(r.Context(), chi.URLParam(r, "topic"), toTopic)
	if err != nil {
		h.fail(w, r, err, recoveryStatus)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.ID, Topic: job.Key, Kind: job.Kind})
}

func (h *Handler) ListRecoverable(w http.ResponseWriter, r *http.Request) {
	topics, err := h.svc.RecoverableTopics()
	if err != nil {
		h.fail(w, r, err, recoveryStatus)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (h *Handler) GetRecovery(w http.ResponseWriter, r *http.Request) {
	mon, err := h.svc.Recovery(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err, recoveryStatus)
		return
	}
	writeJSON(w, http.StatusOK, mon)
}

func (h *Handler) CancelRecovery(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelRecovery(r.Context(), chi.URLParam(r, "topic")); err != nil {
		h.fail(w, r, err, recoveryStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func validationStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, workdir.ErrInvalidTopic), errors.Is(err, stream.ErrUnknownTopic):
		return http.StatusBadRequest, true
	case errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict, true
	case errors.Is(err, jobs.ErrLockTimeout):
		return http.StatusServiceUnavailable, true
	}
	return 0, false
}

func checkStatus(err error) int {
	if code, ok := validationStatus(err); ok {
		return code
	}
	switch {
	case errors.Is(err, integrity.ErrNoSummary):
		return http.StatusNotFound
	case errors.Is(err, service.ErrCheckRunning):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func recoveryStatus(err error) int {
	if code, ok := validationStatus(err); ok {
		return code
	}
	switch {
	case errors.Is(err, recovery.ErrNoIndex), errors.Is(err, service.ErrSameTopic), errors.Is(err, recovery.ErrNoMonitor):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail writes the mapped status. Server errors are logged and answered with
// the generic status text only.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, status func(error) int) {
	code := status(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(code), code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
