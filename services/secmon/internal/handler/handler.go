// Package handler exposes alert triage and audit reporting over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/audit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/ratelimit"
)

const (
	defaultAlertLimit = 50
	defaultAuditLimit = 100
	maxLimit          = 1000
)

// Service is the part of the security monitor the HTTP layer calls.
type Service interface {
	IsIPBlocked(ctx context.Context, ip string) bool
	IsAccountLocked(ctx context.Context, userID string) bool
	CheckRateLimit(ctx context.Context, subject ratelimit.Subject, limitType string) ratelimit.Result

	GetSecurityAlerts(ctx context.Context, limit int, severity event.Severity) ([]*alerting.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*alerting.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status alerting.Status, assignedTo string) (*alerting.Alert, error)
	ReopenAlert(ctx context.Context, alertID string) (*alerting.Alert, error)
	EscalateAlert(ctx context.Context, alertID string) (*alerting.Alert, error)
	GetAlertStatistics(ctx context.Context) (*alerting.Statistics, error)

	SearchAuditLogs(ctx context.Context, f audit.Filter, limit, offset int) ([]*audit.Entry, error)
	GetAuditStatistics(ctx context.Context, start, end *time.Time) (*repository.AuditStats, error)
	ExportSecurityEvents(ctx context.Context, start, end time.Time) (*audit.ExportReport, error)

	Health(ctx context.Context) map[string]bool
	Stats() map[string]interface{}
}

// Handler serves the admin and reporting routes.
type Handler struct {
	svc     Service
	metrics http.Handler
	logger  *slog.Logger
}

// New creates a handler. metrics may be nil to omit /metrics.
func New(svc Service, metrics http.Handler, log *slog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		logger:  log.With("component", "http"),
	}
}

// Router builds the full route table with middleware applied.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.recovery, h.requestContext, h.logging)

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.enforce)
	h.RegisterRoutes(api)
	return r
}

// RegisterRoutes registers alert and audit routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/alerts", h.ListAlerts).Methods("GET")
	r.HandleFunc("/alerts/stats", h.AlertStatistics).Methods("GET")
	r.HandleFunc("/alerts/{id}", h.GetAlert).Methods("GET")
	r.HandleFunc("/alerts/{id}", h.UpdateAlert).Methods("PATCH")
	r.HandleFunc("/alerts/{id}/reopen", h.ReopenAlert).Methods("POST")
	r.HandleFunc("/alerts/{id}/escalate", h.EscalateAlert).Methods("POST")

	r.HandleFunc("/audit", h.SearchAudit).Methods("GET")
	r.HandleFunc("/audit/stats", h.AuditStatistics).Methods("GET")
	r.HandleFunc("/audit/export", h.ExportAudit).Methods("GET")
}

// Healthz reports backend reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	checks := h.svc.Health(r.Context())
	status := "healthy"
	code := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	h.respondJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// Stats returns per-component counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.Stats())
}

// ListAlerts returns recent alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := intParam(query.Get("limit"), defaultAlertLimit)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	var severity event.Severity
	if v := query.Get("severity"); v != "" {
		if severity, err = event.ParseSeverity(v); err != nil {
			h.respondAppError(w, r, apperrors.Wrap(err, apperrors.CodeValidation, "invalid severity"))
			return
		}
	}

	alerts, err := h.svc.GetSecurityAlerts(r.Context(), limit, severity)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert returns one alert.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, alert)
}

// UpdateAlertRequest is the PATCH /alerts/{id} body.
type UpdateAlertRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

// UpdateAlert moves an alert forward in its lifecycle.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := alerting.ParseStatus(req.Status)
	if err != nil {
		h.respondAppError(w, r, apperrors.Wrap(err, apperrors.CodeValidation, "invalid status"))
		return
	}

	alert, err := h.svc.UpdateAlertStatus(r.Context(), mux.Vars(r)["id"], status, req.AssignedTo)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, alert)
}

// ReopenAlert returns a closed alert to open.
func (h *Handler) ReopenAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.ReopenAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, alert)
}

// EscalateAlert promotes an alert one escalation level.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.EscalateAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, alert)
}

// AlertStatistics returns alert counters.
func (h *Handler) AlertStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetAlertStatistics(r.Context())
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// SearchAudit filters the audit trail.
func (h *Handler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := audit.Filter{
		UserID:       query.Get("user_id"),
		IPAddress:    query.Get("ip_address"),
		ResourceType: query.Get("resource_type"),
	}
	for _, t := range query["event_type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
	}
	if v := query.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			h.respondAppError(w, r, apperrors.Validation("success must be true or false"))
			return
		}
		filter.Success = &success
	}

	var err error
	if filter.Start, filter.End, err = timeRange(query.Get("start"), query.Get("end")); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	limit, err := intParam(query.Get("limit"), defaultAuditLimit)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	entries, err := h.svc.SearchAuditLogs(r.Context(), filter, limit, offset)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// AuditStatistics aggregates the audit trail over an optional range.
func (h *Handler) AuditStatistics(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	stats, err := h.svc.GetAuditStatistics(r.Context(), start, end)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// ExportAudit produces a compliance export. Both bounds are required.
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	if start == nil || end == nil {
		h.respondAppError(w, r, apperrors.Validation("start and end are required"))
		return
	}

	report, err := h.svc.ExportSecurityEvents(r.Context(), *start, *end)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("invalid numeric parameter " + strconv.Quote(v))
	}
	return min(n, maxLimit), nil
}

// timeRange parses optional RFC 3339 bounds.
func timeRange(startStr, endStr string) (*time.Time, *time.Time, error) {
	parse := func(name, v string) (*time.Time, error) {
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, apperrors.Validation(name + " must be an RFC 3339 timestamp")
		}
		return &t, nil
	}

	start, err := parse("start", startStr)
	if err != nil {
		return nil, nil, err
	}
	end, err := parse("end", endStr)
	if err != nil {
		return nil, nil, err
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, apperrors.Validation("end must not be before start")
	}
	return start, end, nil
}

// Helper methods

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.respondError(w, status, err.Error())
		return
	}
	body := map[string]interface{}{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	h.respondJSON(w, status, body)
}
