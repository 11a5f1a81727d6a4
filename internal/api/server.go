package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"upgateway/internal/gateway"
	"upgateway/internal/middleware"
	"upgateway/internal/models"
)

const (
	ServiceName = "upgrade-gateway"
	Version     = "0.1.0"
)

// AdminStore is the tenant and key management subset of the store.
type AdminStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]models.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

type UsageReporter interface {
	Summary(ctx context.Context, tenantID string, from, to time.Time) (*models.UsageSummary, error)
}

type AdminCredentials struct {
	Username     string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
}

func (c AdminCredentials) enabled() bool {
	return c.PasswordHash != "" && c.JWTSecret != ""
}

type Server struct {
	Store   AdminStore
	Usage   UsageReporter
	Gateway *gateway.Handler
	Routes  []gateway.Route
	Admin   AdminCredentials
	Logger  *zap.Logger
	Now     func() time.Time

	validate *validator.Validate
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Handler assembles the HTTP surface. Gateway routes answer CORS themselves;
// the go-chi/cors middleware only wraps health and admin.
func (s *Server) Handler() http.Handler {
	s.validate = newValidator()
	corsMW := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	})

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(func(next http.Handler) http.Handler { return otelhttp.NewHandler(next, "http") })
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	router.With(corsMW).Get("/health", s.Health)
	router.With(corsMW).Get("/v1/health", s.Health)
	router.Handle("/metrics", promhttp.Handler())

	for _, rt := range s.Routes {
		h := s.Gateway.Route(rt)
		for _, m := range rt.Methods {
			router.Method(m, rt.Path, h)
		}
		router.Method(http.MethodOptions, rt.Path, h)
	}

	if s.Admin.enabled() {
		router.Route("/admin", func(r chi.Router) {
			r.Use(corsMW)
			r.Post("/login", s.AdminLogin)
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(s.Admin.JWTSecret))
				r.Post("/tenants", s.AdminCreateTenant)
				r.Get("/tenants/{id}", s.AdminGetTenant)
				r.Put("/tenants/{id}/status", s.AdminSetTenantStatus)
				r.Get("/tenants/{id}/keys", s.AdminListKeys)
				r.Post("/tenants/{id}/keys", s.AdminCreateKey)
				r.Delete("/keys/{keyID}", s.AdminRevokeKey)
				r.Get("/tenants/{id}/usage", s.AdminUsage)
			})
		})
	}
	return router
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   ServiceName,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	typ := "invalid_request_error"
	switch {
	case status == http.StatusUnauthorized:
		typ = "authentication_error"
	case status == http.StatusNotFound:
		typ = "not_found_error"
	case status >= 500:
		typ = "server_error"
	}
	writeJSON(w, status, models.ErrorResponse{Error: models.ErrorDetail{Message: msg, Type: typ, Code: code}})
}
