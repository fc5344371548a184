package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/otp"
	"github.com/opensource-finance/crowdguard/internal/protection"
	"github.com/opensource-finance/crowdguard/internal/push"
	"github.com/opensource-finance/crowdguard/internal/report"
	"github.com/opensource-finance/crowdguard/internal/risk"
	"github.com/opensource-finance/crowdguard/internal/rules"
)

// CodeSender delivers one-time codes. notify.Mailer satisfies it.
type CodeSender interface {
	SendCode(ctx context.Context, address string, purpose domain.OTPPurpose, code string, expiresAt time.Time) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	reports   *report.Service
	engine    *risk.Engine
	weigher   *rules.ExpressionWeigher
	registry  *protection.Registry
	pipeline  *alert.Pipeline
	otp       *otp.Manager
	hub       *push.Hub
	codes     CodeSender
	async     bool
	heartbeat time.Duration
	clock     domain.Clock
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	clock := deps.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		reports:   deps.Reports,
		engine:    deps.Engine,
		weigher:   deps.Weigher,
		registry:  deps.Registry,
		pipeline:  deps.Pipeline,
		otp:       deps.OTP,
		hub:       deps.Hub,
		codes:     deps.Codes,
		async:     deps.AsyncIngest,
		heartbeat: heartbeat,
		clock:     clock,
		version:   deps.Version,
	}
}

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CheckRiskRequest is the request body for POST /check-risk.
type CheckRiskRequest struct {
	Entity     string            `json:"entity"`
	EntityType domain.EntityType `json:"entityType,omitempty"`
}

// CheckRisk handles POST /check-risk.
func (h *Handler) CheckRisk(w http.ResponseWriter, r *http.Request) {
	var req CheckRiskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.checkRisk(w, r, req)
}

// CheckRiskPath handles GET /check-risk/{entity}.
func (h *Handler) CheckRiskPath(w http.ResponseWriter, r *http.Request) {
	h.checkRisk(w, r, CheckRiskRequest{
		Entity:     chi.URLParam(r, "entity"),
		EntityType: domain.EntityType(r.URL.Query().Get("type")),
	})
}

func (h *Handler) checkRisk(w http.ResponseWriter, r *http.Request, req CheckRiskRequest) {
	canonical, kind, err := entity.Resolve(req.Entity, req.EntityType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.Check(r.Context(), canonical)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		Action:       domain.ActivityCheckRisk,
		TargetEntity: canonical,
		EntityType:   kind,
		RiskLevel:    result.RiskLevel,
		RiskScore:    result.Score,
		Result:       "success",
	})

	writeJSON(w, http.StatusOK, result)
}

// CreateReport handles POST /reports.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req report.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ReporterID == "" {
		req.ReporterID = r.Header.Get(UserIDHeader)
	}

	rpt, err := h.reports.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		UserID:       rpt.ReporterID,
		Action:       domain.ActivityReportFraud,
		TargetEntity: rpt.TargetEntity,
		EntityType:   rpt.EntityType,
		Result:       "success",
		Details: map[string]string{
			"category":  string(rpt.Category),
			"report_id": rpt.ID,
		},
	})

	writeJSON(w, http.StatusCreated, rpt)
}

// GetReport handles GET /reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rpt, err := h.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rpt)
}

// DeactivateReport handles DELETE /reports/{id}.
func (h *Handler) DeactivateReport(w http.ResponseWriter, r *http.Request) {
	if err := h.reports.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /stats/overview.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CreateUserRequest is the request body for POST /users.
type CreateUserRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	email := entity.Normalize(req.Email)
	if entity.DetectType(email) != domain.EntityEmail {
		writeError(w, r, domain.Validationf("a valid email is required"))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, domain.Validationf("name is required"))
		return
	}

	user := &domain.User{
		ID:        req.ID,
		Name:      name,
		Email:     email,
		Phone:     entity.Normalize(req.Phone),
		CreatedAt: h.clock.Now(),
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	} else if _, err := h.repo.GetUser(ctx, user.ID); err == nil {
		writeError(w, r, fmt.Errorf("%w: user %s already exists", domain.ErrConflict, user.ID))
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		writeError(w, r, domain.StoreError("get user", err))
		return
	}

	if err := h.repo.SaveUser(ctx, user); err != nil {
		writeError(w, r, domain.StoreError("save user", err))
		return
	}

	slog.Info("user created", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /users/{userID}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.repo.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, domain.StoreError("get user", err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ExpressionRequest is the body of PUT /risk/expression.
type ExpressionRequest struct {
	Expression string `json:"expression"`
}

// GetExpression handles GET /risk/expression.
func (h *Handler) GetExpression(w http.ResponseWriter, r *http.Request) {
	if h.weigher == nil {
		writeError(w, r, fmt.Errorf("%w: expression weighting is disabled", domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, ExpressionRequest{Expression: h.weigher.Expression()})
}

// ReloadExpression handles PUT /risk/expression. The previous expression
// stays active when the new one does not compile.
func (h *Handler) ReloadExpression(w http.ResponseWriter, r *http.Request) {
	if h.weigher == nil {
		writeError(w, r, fmt.Errorf("%w: expression weighting is disabled", domain.ErrNotFound))
		return
	}

	var req ExpressionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.weigher.Reload(req.Expression); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("weighting expression reloaded", "expression", h.weigher.Expression())
	writeJSON(w, http.StatusOK, ExpressionRequest{Expression: h.weigher.Expression()})
}

// record appends an activity entry for the acting user. Requests without a
// user are not logged. Failures are logged and never fail the request.
func (h *Handler) record(r *http.Request, entry domain.ActivityEntry) {
	if entry.UserID == "" {
		entry.UserID = r.Header.Get(UserIDHeader)
	}
	if entry.UserID == "" || h.repo == nil {
		return
	}

	entry.ID = uuid.New().String()
	entry.CreatedAt = h.clock.Now()
	entry.IPAddress = clientIP(r)
	if ua := r.UserAgent(); ua != "" {
		parsed := useragent.New(ua)
		name, version := parsed.Browser()
		entry.UserAgent = ua
		entry.Browser = strings.TrimSpace(name + " " + version)
		entry.OS = parsed.OS()
	}

	if err := h.repo.LogActivity(r.Context(), &entry); err != nil {
		slog.Warn("failed to log activity",
			"user_id", entry.UserID,
			"action", entry.Action,
			"error", err,
		)
	}
}
