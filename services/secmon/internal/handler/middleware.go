package handler

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/siem-soar-platform/security-monitor/pkg/errors"
	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/ratelimit"
)

// Request headers set by the upstream gateway.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *Handler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
				)
				h.respondAppError(w, r, apperrors.Internal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestContext attaches request, trace and actor values for logging.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		if traceID := r.Header.Get(HeaderTraceID); traceID != "" {
			ctx = logger.ContextWithTraceID(ctx, traceID)
		}
		ctx = logger.ContextWithActor(ctx, logger.Actor{
			UserID:    r.Header.Get(HeaderUserID),
			IPAddress: clientIP(r),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.WithContext(r.Context(), h.logger).Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// enforce rejects blocked addresses and locked accounts with 403 and
// over-limit identities with 429 plus rate limit headers.
func (h *Handler) enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		subject := ratelimit.Subject{
			UserID: r.Header.Get(HeaderUserID),
			IP:     clientIP(r),
			Role:   r.Header.Get(HeaderUserRole),
		}

		if h.svc.IsIPBlocked(ctx, subject.IP) {
			h.respondAppError(w, r, apperrors.Forbidden("address blocked"))
			return
		}
		if subject.UserID != "" && h.svc.IsAccountLocked(ctx, subject.UserID) {
			h.respondAppError(w, r, apperrors.Forbidden("account locked"))
			return
		}

		res := h.svc.CheckRateLimit(ctx, subject, limitType(r))
		if res.Decision == ratelimit.Forbidden {
			h.respondAppError(w, r, apperrors.Forbidden("address blocked"))
			return
		}
		for k, v := range ratelimit.Headers(res.Info) {
			w.Header().Set(k, v)
		}
		if !res.Allowed {
			h.respondAppError(w, r, apperrors.RateLimited("rate limit exceeded").
				WithDetail("retry_after_seconds", int(math.Ceil(res.Info.RetryAfter.Seconds()))))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitType(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/export") {
		return ratelimit.TypeExport
	}
	return ratelimit.TypeAPI
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
