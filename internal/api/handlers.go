package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"upgateway/internal/auth"
	"upgateway/internal/metering"
	"upgateway/internal/middleware"
	"upgateway/internal/models"
	"upgateway/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// decode reads a JSON payload and runs struct validation on it. It writes the
// 400 itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "validation_failed", strings.Join(fields, "; "))
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (s *Server) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if payload.Username != s.Admin.Username {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.Admin.PasswordHash), []byte(payload.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	ttl := s.Admin.TokenTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	token, err := middleware.NewAdminToken(s.Admin.JWTSecret, payload.Username, ttl)
	if err != nil {
		s.Logger.Error("issue admin token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "expires_in": int(ttl.Seconds())})
}

type createTenantRequest struct {
	Name               string         `json:"name" validate:"required,max=200"`
	Slug               string         `json:"slug" validate:"required,max=63,slug"`
	Plan               string         `json:"plan" validate:"omitempty,oneof=free starter growth enterprise"`
	Status             string         `json:"status" validate:"omitempty,oneof=active suspended pending_setup"`
	MaxMonthlyAPICalls int64          `json:"max_monthly_api_calls" validate:"gte=0"`
	MaxExperiments     int            `json:"max_experiments" validate:"gte=0"`
	MaxUsers           int            `json:"max_users" validate:"gte=0"`
	BranchID           string         `json:"branch_id" validate:"omitempty,max=128"`
	DatabaseURL        string         `json:"database_url" validate:"omitempty,url"`
	Settings           map[string]any `json:"settings"`
}

func (s *Server) AdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var payload createTenantRequest
	if !s.decode(w, r, &payload) {
		return
	}
	now := s.now().UTC()
	t := &models.Tenant{
		ID:                 uuid.NewString(),
		Name:               payload.Name,
		Slug:               payload.Slug,
		BranchID:           payload.BranchID,
		DatabaseURL:        payload.DatabaseURL,
		Plan:               models.PlanFree,
		MaxMonthlyAPICalls: models.DefaultMonthlyAPICalls,
		MaxExperiments:     payload.MaxExperiments,
		MaxUsers:           payload.MaxUsers,
		Status:             models.TenantActive,
		Settings:           payload.Settings,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if payload.Plan != "" {
		t.Plan = models.Plan(payload.Plan)
	}
	if payload.Status != "" {
		t.Status = models.TenantStatus(payload.Status)
	}
	if payload.MaxMonthlyAPICalls > 0 {
		t.MaxMonthlyAPICalls = payload.MaxMonthlyAPICalls
	}
	if err := s.Store.CreateTenant(r.Context(), t); err != nil {
		s.Logger.Warn("create tenant failed", zap.String("slug", t.Slug), zap.Error(err))
		writeError(w, http.StatusConflict, "create_failed", "failed to create tenant")
		return
	}
	s.Logger.Info("tenant created", zap.String("tenant_id", t.ID), zap.String("admin", middleware.AdminFromContext(r.Context())))
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) AdminGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.loadTenant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) AdminSetTenantStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var payload struct {
		Status string `json:"status" validate:"required,oneof=active suspended pending_setup"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	err := s.Store.UpdateTenantStatus(r.Context(), id, models.TenantStatus(payload.Status))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant not found")
		return
	}
	if err != nil {
		s.Logger.Error("update tenant status", zap.String("tenant_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to update tenant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": payload.Status})
}

func (s *Server) AdminListKeys(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.loadTenant(w, r)
	if !ok {
		return
	}
	keys, err := s.Store.ListAPIKeys(r.Context(), tenant.ID)
	if err != nil {
		s.Logger.Error("list api keys", zap.String("tenant_id", tenant.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name               string     `json:"name" validate:"required,max=100"`
	Environment        string     `json:"environment" validate:"omitempty,oneof=live test"`
	Scopes             []string   `json:"scopes" validate:"omitempty,dive,required,max=64"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute" validate:"gte=0"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

func (s *Server) AdminCreateKey(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.loadTenant(w, r)
	if !ok {
		return
	}
	var payload createKeyRequest
	if !s.decode(w, r, &payload) {
		return
	}
	env := payload.Environment
	if env == "" {
		env = auth.EnvLive
	}
	gen, err := auth.GenerateAPIKey(env)
	if err != nil {
		s.Logger.Error("generate api key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to create api key")
		return
	}
	key := &models.APIKey{
		ID:                 uuid.NewString(),
		TenantID:           tenant.ID,
		Prefix:             gen.Prefix,
		Hash:               gen.Hash,
		Name:               payload.Name,
		Scopes:             payload.Scopes,
		RateLimitPerMinute: payload.RateLimitPerMinute,
		IsActive:           true,
		ExpiresAt:          payload.ExpiresAt,
		CreatedAt:          s.now().UTC(),
	}
	if len(key.Scopes) == 0 {
		key.Scopes = append([]string(nil), models.DefaultScopes...)
	}
	if key.RateLimitPerMinute == 0 {
		key.RateLimitPerMinute = models.DefaultRateLimitPerMinute
	}
	if err := s.Store.CreateAPIKey(r.Context(), key); err != nil {
		s.Logger.Error("create api key", zap.String("tenant_id", tenant.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to create api key")
		return
	}
	// The plaintext is only ever returned here.
	writeJSON(w, http.StatusCreated, map[string]interface{}{"key": gen.Plaintext, "api_key": key})
}

func (s *Server) AdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	err := s.Store.RevokeAPIKey(r.Context(), keyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "api key not found")
		return
	}
	if err != nil {
		s.Logger.Error("revoke api key", zap.String("key_id", keyID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to revoke api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// AdminUsage reports totals between ?from and ?to (RFC 3339). The range
// defaults to the current calendar month up to now.
func (s *Server) AdminUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := s.now().UTC()
	from, to := metering.MonthStart(now), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", "from must be RFC 3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", "to must be RFC 3339")
			return
		}
		to = t
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "invalid_range", "to must be after from")
		return
	}
	summary, err := s.Usage.Summary(r.Context(), id, from, to)
	if err != nil {
		s.Logger.Error("usage summary", zap.String("tenant_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) loadTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	id := chi.URLParam(r, "id")
	tenant, err := s.Store.GetTenant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant not found")
		return nil, false
	}
	if err != nil {
		s.Logger.Error("get tenant", zap.String("tenant_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to load tenant")
		return nil, false
	}
	return tenant, true
}
