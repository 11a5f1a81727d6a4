// Package gateway runs the SDK request pipeline: preflight, key, scope, rate
// limit, quota, proxy, then background metering.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"upgateway/internal/auth"
	"upgateway/internal/limiter"
	"upgateway/internal/metering"
	"upgateway/internal/metrics"
	"upgateway/internal/models"
	"upgateway/internal/proxy"
	"upgateway/internal/tasks"
)

type KeyValidator interface {
	Validate(ctx context.Context, raw string) (*models.TenantContext, error)
}

type UsageTracker interface {
	CheckQuota(ctx context.Context, tenant *models.Tenant) (metering.QuotaResult, error)
	Record(ctx context.Context, tenantID string, kind metering.EndpointKind, userID string) error
}

type Forwarder interface {
	Forward(ctx context.Context, r *http.Request, body io.Reader, logical string, tc *models.TenantContext) (*http.Response, error)
}

type TaskRunner interface {
	Go(name string, fn tasks.Func) bool
}

type QuotaNotifier interface {
	QuotaExceeded(tenant *models.Tenant, used, limit int64) bool
}

const defaultMaxBodyBytes = 1 << 20

type Handler struct {
	Validator    KeyValidator
	Limiter      limiter.Limiter
	Usage        UsageTracker
	Proxy        Forwarder
	Tasks        TaskRunner
	Notifier     QuotaNotifier
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Route returns the pipeline for rt.
func (h *Handler) Route(rt Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, rt)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, rt Route) {
	if r.Method == http.MethodOptions {
		proxy.WritePreflight(w)
		return
	}
	proxy.SetCORSHeaders(w.Header())
	ctx := r.Context()
	log := h.Logger.With(zap.String("route", rt.Path), zap.String("request_id", r.Header.Get("X-Request-ID")))

	raw := auth.ExtractAPIKey(r)
	if raw == "" {
		h.reject(w, rt, "unauthenticated", http.StatusUnauthorized, unauthenticated())
		return
	}
	tc, err := h.Validator.Validate(ctx, raw)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidKey) {
			log.Error("api key validation failed", zap.Error(err))
		}
		h.reject(w, rt, "unauthenticated", http.StatusUnauthorized, unauthenticated())
		return
	}
	log = log.With(zap.String("tenant_id", tc.Tenant.ID), zap.String("key_id", tc.APIKey.ID))

	if !tc.HasScope(rt.RequiredScope) {
		h.reject(w, rt, "forbidden", http.StatusForbidden, models.ErrorResponse{Error: models.ErrorDetail{
			Message:       "Insufficient permissions: requires " + rt.RequiredScope,
			Type:          "permission_error",
			Code:          "insufficient_scope",
			RequiredScope: rt.RequiredScope,
		}})
		return
	}

	rl, err := h.Limiter.Check(ctx, tc.APIKey.ID, tc.APIKey.RateLimitPerMinute)
	if err != nil {
		h.admissionError(log, "rate_limit", rl.Allowed, err)
	}
	rlHeaders := rateLimitHeaders(rl)
	copyHeaders(w.Header(), rlHeaders)
	if !rl.Allowed {
		h.reject(w, rt, "rate_limited", http.StatusTooManyRequests, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "Rate limit exceeded, retry after the window resets",
			Type:    "rate_limit_error",
			Code:    "rate_limited",
		}})
		return
	}

	quota, err := h.Usage.CheckQuota(ctx, &tc.Tenant)
	if err != nil {
		h.admissionError(log, "quota", quota.Allowed, err)
	}
	if !quota.Allowed {
		if h.Notifier != nil && err == nil {
			h.Notifier.QuotaExceeded(&tc.Tenant, quota.Used, quota.Limit)
		}
		used, limit := quota.Used, quota.Limit
		h.reject(w, rt, "quota_exceeded", http.StatusTooManyRequests, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "Monthly API call limit of " + strconv.FormatInt(limit, 10) + " reached",
				Type:    "rate_limit_error",
				Code:    "quota_exceeded",
			},
			Used:  &used,
			Limit: &limit,
		})
		return
	}

	body, userID, err := h.readBody(w, r, rt)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, rt, "body_too_large", http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: models.ErrorDetail{
				Message: "Request body too large",
				Type:    "invalid_request_error",
				Code:    "body_too_large",
			}})
			return
		}
		h.reject(w, rt, "bad_body", http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "Could not read request body",
			Type:    "invalid_request_error",
			Code:    "bad_body",
		}})
		return
	}

	start := time.Now()
	resp, err := h.Proxy.Forward(ctx, r, body, rt.Path, tc)
	if err != nil {
		if errors.Is(err, proxy.ErrUnknownEndpoint) {
			log.Error("route has no backend mapping", zap.Error(err))
			h.reject(w, rt, "unmapped", http.StatusInternalServerError, models.ErrorResponse{Error: models.ErrorDetail{
				Message: "Internal error",
				Type:    "server_error",
				Code:    "internal",
			}})
			return
		}
		if ctx.Err() != nil {
			log.Info("client went away before backend responded")
		} else {
			log.Warn("backend request failed", zap.Error(err))
		}
		h.reject(w, rt, "backend_unavailable", http.StatusBadGateway, models.ErrorResponse{Error: models.ErrorDetail{
			Message: "Backend unavailable",
			Type:    "upstream_error",
			Code:    "backend_unavailable",
		}})
		return
	}
	metrics.UpstreamLatencyMS.WithLabelValues(rt.Path).Observe(float64(time.Since(start).Milliseconds()))

	tenantID, kind := tc.Tenant.ID, metering.ClassifyEndpoint(rt.Path)
	h.Tasks.Go("record_usage", func(ctx context.Context) error {
		return h.Usage.Record(ctx, tenantID, kind, userID)
	})

	metrics.RequestsTotal.WithLabelValues(rt.Path, strconv.Itoa(resp.StatusCode)).Inc()
	if _, err := proxy.CopyResponse(w, resp, rlHeaders); err != nil {
		log.Info("response copy interrupted", zap.Error(err))
	}
}

// readBody buffers the body when the route meters end users and the method
// carries one; otherwise the body is streamed to the backend untouched.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, rt Route) (io.Reader, string, error) {
	headerUser := r.Header.Get("X-User-Id")
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if rt.TrackUsers {
			return nil, headerUser, nil
		}
		return nil, "", nil
	}
	if !rt.TrackUsers {
		return r.Body, "", nil
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, "", err
	}
	userID := extractUserID(buf)
	if userID == "" {
		userID = headerUser
	}
	return bytes.NewReader(buf), userID, nil
}

// extractUserID looks for userId or user.id. Anything unparseable yields "".
func extractUserID(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	if v := gjson.GetBytes(body, "userId"); v.Type == gjson.String {
		return v.String()
	}
	if v := gjson.GetBytes(body, "user.id"); v.Type == gjson.String {
		return v.String()
	}
	return ""
}

func (h *Handler) admissionError(log *zap.Logger, check string, admitted bool, err error) {
	outcome := "denied"
	if admitted {
		outcome = "admitted"
	}
	metrics.AdmissionErrors.WithLabelValues(check, outcome).Inc()
	log.Warn("admission check degraded", zap.String("check", check), zap.String("outcome", outcome), zap.Error(err))
}

func (h *Handler) reject(w http.ResponseWriter, rt Route, reason string, status int, body models.ErrorResponse) {
	metrics.Rejections.WithLabelValues(reason).Inc()
	metrics.RequestsTotal.WithLabelValues(rt.Path, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func unauthenticated() models.ErrorResponse {
	return models.ErrorResponse{Error: models.ErrorDetail{
		Message: "Invalid or missing API key",
		Type:    "authentication_error",
		Code:    "unauthenticated",
	}}
}

func rateLimitHeaders(rl limiter.Result) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(rl.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetEpoch(rl.ResetAt), 10))
	return h
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = vv
	}
}

// resetEpoch rounds up so clients never retry before the window has ended.
func resetEpoch(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}
