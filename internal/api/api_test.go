package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/bus"
	"github.com/opensource-finance/crowdguard/internal/cache"
	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/metrics"
	"github.com/opensource-finance/crowdguard/internal/notify"
	"github.com/opensource-finance/crowdguard/internal/otp"
	"github.com/opensource-finance/crowdguard/internal/protection"
	"github.com/opensource-finance/crowdguard/internal/push"
	"github.com/opensource-finance/crowdguard/internal/report"
	"github.com/opensource-finance/crowdguard/internal/repository"
	"github.com/opensource-finance/crowdguard/internal/risk"
	"github.com/opensource-finance/crowdguard/internal/rules"
)

// recordingCodes captures delivered one-time codes. failNext makes the
// following deliveries fail.
type recordingCodes struct {
	mu       sync.Mutex
	codes    map[string]string
	failures int
}

func (c *recordingCodes) SendCode(_ context.Context, address string, _ domain.OTPPurpose, code string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return fmt.Errorf("relay down")
	}
	c.codes[address] = code
	return nil
}

func (c *recordingCodes) failNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *recordingCodes) last(address string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[address]
}

type testServer struct {
	*Server
	repo  *repository.SQLRepository
	hub   *push.Hub
	codes *recordingCodes
}

// createTestServer wires every component on the community tier backends.
func createTestServer(t *testing.T, limits domain.RateLimitConfig) *testServer {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "crowdguard-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := cache.NewLRUCache(1000)
	t.Cleanup(func() { store.Close() })
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	weigher, err := rules.NewExpressionWeigher("")
	if err != nil {
		t.Fatalf("NewExpressionWeigher failed: %v", err)
	}
	engine := risk.NewEngine(repo, risk.WithWeigher(weigher), risk.WithMetrics(m))
	registry := protection.NewRegistry(repo, nil)
	hub := push.NewHub(eventBus, 8)
	pipeline := alert.NewPipeline(registry, engine, repo, hub, notify.NewLogMailer(),
		alert.WithMetrics(m),
		alert.WithEvents(eventBus),
	)

	otpCfg := domain.DefaultConfig().OTP
	otpCfg.HashCost = bcrypt.MinCost
	codes := &recordingCodes{codes: make(map[string]string)}

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:      repo,
		Cache:     store,
		Bus:       eventBus,
		Reports:   report.NewService(repo, nil, m),
		Engine:    engine,
		Weigher:   weigher,
		Registry:  registry,
		Pipeline:  pipeline,
		OTP:       otp.NewManager(store, otpCfg, nil, m),
		Hub:       hub,
		Codes:     codes,
		Gatherer:  reg,
		RateLimit: limits,
		Heartbeat: 50 * time.Millisecond,
		Version:   "test-v1",
	})
	return &testServer{Server: server, repo: repo, hub: hub, codes: codes}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func (s *testServer) fileReports(t *testing.T, target string, n int, category domain.Category) {
	t.Helper()
	for i := 0; i < n; i++ {
		rr := s.do(t, http.MethodPost, "/reports", report.SubmitRequest{
			TargetEntity: target,
			Category:     category,
			Description:  fmt.Sprintf("Fraudulent call number %d", i),
		})
		expectStatus(t, rr, http.StatusCreated)
	}
}

func (s *testServer) createUser(t *testing.T, id string) {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/users", CreateUserRequest{ID: id, Name: "Test " + id, Email: id + "@example.com"})
	expectStatus(t, rr, http.StatusCreated)
}

func (s *testServer) protect(t *testing.T, userID string, channel domain.Channel, identifier string) {
	t.Helper()
	rr := s.do(t, http.MethodPut, "/users/"+userID+"/protection/"+string(channel),
		protection.ProtectionRequest{Identifier: identifier})
	expectStatus(t, rr, http.StatusOK)
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("Health", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/health", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected health response: %v", resp)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/ready", nil)
		expectStatus(t, rr, http.StatusOK)
	})

	t.Run("Metrics", func(t *testing.T) {
		server.do(t, http.MethodGet, "/check-risk/9876543210", nil)
		rr := server.do(t, http.MethodGet, "/metrics", nil)
		expectStatus(t, rr, http.StatusOK)
		if !strings.Contains(rr.Body.String(), "crowdguard_") {
			t.Error("expected crowdguard metrics in exposition")
		}
	})

	t.Run("TraceHeaders", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/health", nil, RequestIDHeader, "req-123")
		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})
}

func TestCheckRisk(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.fileReports(t, "98765-43210", 2, domain.CategoryPhishing)

	t.Run("PostNormalizesEntity", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/check-risk", CheckRiskRequest{Entity: "(987) 654-3210"})
		expectStatus(t, rr, http.StatusOK)

		result := decode[domain.RiskResult](t, rr)
		if result.CanonicalEntity != "9876543210" {
			t.Errorf("expected canonical entity, got %q", result.CanonicalEntity)
		}
		if result.Score != 6 || result.RiskLevel != domain.RiskHigh {
			t.Errorf("expected score 6 high_risk, got %d %s", result.Score, result.RiskLevel)
		}
		if result.TotalReports != 2 || len(result.Breakdown) != 2 {
			t.Errorf("expected 2 contributing reports, got %d", result.TotalReports)
		}
	})

	t.Run("GetUnknownEntityIsSafe", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/check-risk/someone@example.com", nil)
		expectStatus(t, rr, http.StatusOK)
		result := decode[domain.RiskResult](t, rr)
		if result.RiskLevel != domain.RiskSafe || result.Score != 0 {
			t.Errorf("expected safe, got %+v", result)
		}
	})

	t.Run("EmptyEntity", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/check-risk", CheckRiskRequest{Entity: "  "})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/check-risk", strings.NewReader("{not json"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("LogsActivityForUser", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/check-risk/9876543210", nil,
			UserIDHeader, "user-activity",
			"User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		)
		expectStatus(t, rr, http.StatusOK)

		rr = server.do(t, http.MethodGet, "/users/user-activity/activity?limit=5", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[map[string][]domain.ActivityEntry](t, rr)
		entries := resp["activity"]
		if len(entries) != 1 {
			t.Fatalf("expected 1 activity entry, got %d", len(entries))
		}
		if entries[0].Action != domain.ActivityCheckRisk || entries[0].RiskLevel != domain.RiskHigh {
			t.Errorf("unexpected entry: %+v", entries[0])
		}
		if !strings.HasPrefix(entries[0].Browser, "Chrome") || entries[0].OS != "Linux x86_64" {
			t.Errorf("expected parsed user agent, got browser=%q os=%q", entries[0].Browser, entries[0].OS)
		}
	})

	t.Run("ActivityBadLimit", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/users/user-activity/activity?limit=zero", nil)
		expectStatus(t, rr, http.StatusBadRequest)
	})
}

func TestCheckRiskRateLimit(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{CheckRiskPerMinute: 2})

	for i := 0; i < 2; i++ {
		rr := server.do(t, http.MethodGet, "/check-risk/9876543210", nil)
		expectStatus(t, rr, http.StatusOK)
	}

	rr := server.do(t, http.MethodGet, "/check-risk/9876543210", nil)
	expectStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	resp := decode[ErrorResponse](t, rr)
	if resp.RetryAfterSeconds <= 0 || resp.RetryAfterSeconds > 60 {
		t.Errorf("unexpected retry after %d", resp.RetryAfterSeconds)
	}

	// Other endpoints are not limited.
	rr = server.do(t, http.MethodGet, "/stats/overview", nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestReportEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	rr := server.do(t, http.MethodPost, "/reports", map[string]any{
		"targetEntity": "Scammer@OkBank",
		"category":     "Financial Fraud",
		"description":  "Payment request for a fake refund",
		"amountLost":   "1500.50",
	}, UserIDHeader, "reporter-1")
	expectStatus(t, rr, http.StatusCreated)

	created := decode[domain.FraudReport](t, rr)
	if created.TargetEntity != "scammer@okbank" || created.EntityType != domain.EntityUPI {
		t.Errorf("unexpected report: %+v", created)
	}
	if created.ReporterID != "reporter-1" {
		t.Errorf("expected reporter from header, got %q", created.ReporterID)
	}

	t.Run("Get", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/reports/"+created.ID, nil)
		expectStatus(t, rr, http.StatusOK)
		got := decode[domain.FraudReport](t, rr)
		if got.AmountLost.String() != "1500.5" {
			t.Errorf("expected amount 1500.5, got %s", got.AmountLost)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/stats/overview", nil)
		expectStatus(t, rr, http.StatusOK)
		stats := decode[domain.ReportStats](t, rr)
		if stats.TotalReports != 1 || stats.RecentReports != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		rr := server.do(t, http.MethodDelete, "/reports/"+created.ID, nil)
		expectStatus(t, rr, http.StatusNoContent)

		rr = server.do(t, http.MethodGet, "/check-risk/scammer@okbank", nil)
		expectStatus(t, rr, http.StatusOK)
		if result := decode[domain.RiskResult](t, rr); result.Score != 0 {
			t.Errorf("expected deactivated report to stop counting, got score %d", result.Score)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/reports/missing", nil)
		expectStatus(t, rr, http.StatusNotFound)
		rr = server.do(t, http.MethodDelete, "/reports/missing", nil)
		expectStatus(t, rr, http.StatusNotFound)
	})

	t.Run("InvalidCategory", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/reports", report.SubmitRequest{
			TargetEntity: "9876543210",
			Category:     "Prank",
			Description:  "Not a real category here",
		})
		expectStatus(t, rr, http.StatusBadRequest)
	})
}

func TestUserEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	server.createUser(t, "user-1")

	t.Run("Get", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/users/user-1", nil)
		expectStatus(t, rr, http.StatusOK)
		user := decode[domain.User](t, rr)
		if user.Email != "user-1@example.com" {
			t.Errorf("unexpected user: %+v", user)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users", CreateUserRequest{ID: "user-1", Name: "Again", Email: "again@example.com"})
		expectStatus(t, rr, http.StatusConflict)
	})

	t.Run("GeneratedID", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users", CreateUserRequest{Name: "Anon", Email: "anon@example.com"})
		expectStatus(t, rr, http.StatusCreated)
		if user := decode[domain.User](t, rr); user.ID == "" {
			t.Error("expected generated id")
		}
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users", CreateUserRequest{Name: "Bad", Email: "not-an-email"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("Missing", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/users/nobody", nil)
		expectStatus(t, rr, http.StatusNotFound)
	})
}

func TestProtectionEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.createUser(t, "user-1")

	t.Run("DefaultsForEveryChannel", func(t *testing.T) {
		rr := server.do(t, http.MethodGet, "/users/user-1/protection", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[map[string][]domain.ProtectionSetting](t, rr)
		if len(resp["settings"]) != len(domain.Channels) {
			t.Fatalf("expected %d settings, got %d", len(domain.Channels), len(resp["settings"]))
		}
		for _, s := range resp["settings"] {
			if s.Enabled {
				t.Errorf("expected %s disabled by default", s.Channel)
			}
		}
	})

	t.Run("RegisterAndDisable", func(t *testing.T) {
		rr := server.do(t, http.MethodPut, "/users/user-1/protection/sms", protection.ProtectionRequest{
			Identifier: "+1 (555) 010-9999",
			AlertMode:  domain.AlertSilent,
		})
		expectStatus(t, rr, http.StatusOK)
		setting := decode[domain.ProtectionSetting](t, rr)
		if !setting.Enabled || setting.RegisteredIdentifier != "15550109999" || setting.AlertMode != domain.AlertSilent {
			t.Errorf("unexpected setting: %+v", setting)
		}

		rr = server.do(t, http.MethodDelete, "/users/user-1/protection/sms", nil)
		expectStatus(t, rr, http.StatusOK)
		if setting := decode[domain.ProtectionSetting](t, rr); setting.Enabled {
			t.Error("expected disabled setting")
		}
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		rr := server.do(t, http.MethodPut, "/users/user-1/protection/fax", protection.ProtectionRequest{Identifier: "123"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("VerifyWithCode", func(t *testing.T) {
		server.protect(t, "user-1", domain.ChannelEmail, "User-1@Example.com")

		rr := server.do(t, http.MethodPost, "/users/user-1/protection/email/otp", nil)
		expectStatus(t, rr, http.StatusAccepted)
		sent := decode[OTPResponse](t, rr)
		if sent.SentTo != "user-1@example.com" {
			t.Errorf("expected code sent to registered identifier, got %q", sent.SentTo)
		}
		if strings.Contains(rr.Body.String(), server.codes.last(sent.SentTo)) {
			t.Error("response must not include the code")
		}

		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/otp", nil)
		expectStatus(t, rr, http.StatusTooManyRequests)

		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/verify", VerifyRequest{Code: "not-the-code"})
		expectStatus(t, rr, http.StatusUnprocessableEntity)
		mismatch := decode[ErrorResponse](t, rr)
		if mismatch.AttemptsRemaining == nil || *mismatch.AttemptsRemaining != 4 {
			t.Errorf("expected 4 attempts remaining, got %v", mismatch.AttemptsRemaining)
		}

		code := server.codes.last(sent.SentTo)
		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/verify", VerifyRequest{Code: code})
		expectStatus(t, rr, http.StatusOK)
		if setting := decode[domain.ProtectionSetting](t, rr); !setting.Verified || setting.VerifiedAt == nil {
			t.Errorf("expected verified setting, got %+v", setting)
		}

		// The code was consumed.
		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/verify", VerifyRequest{Code: code})
		expectStatus(t, rr, http.StatusNotFound)
	})

	t.Run("CodeWithoutIdentifier", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users/user-1/protection/upi/otp", nil)
		expectStatus(t, rr, http.StatusNotFound)
	})
}

func TestResetCodeEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	rr := server.do(t, http.MethodPost, "/auth/reset-code", ResetCodeRequest{Email: "someone@example.com"})
	expectStatus(t, rr, http.StatusAccepted)

	code := server.codes.last("someone@example.com")
	if code == "" {
		t.Fatal("expected a delivered code")
	}

	rr = server.do(t, http.MethodPost, "/auth/reset-code/verify", VerifyRequest{Email: "SOMEONE@example.com", Code: code})
	expectStatus(t, rr, http.StatusOK)

	rr = server.do(t, http.MethodPost, "/auth/reset-code", ResetCodeRequest{})
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestUndeliveredCodeAllowsResend(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("ResetCode", func(t *testing.T) {
		server.codes.failNext(1)
		rr := server.do(t, http.MethodPost, "/auth/reset-code", ResetCodeRequest{Email: "retry@example.com"})
		expectStatus(t, rr, http.StatusInternalServerError)

		rr = server.do(t, http.MethodPost, "/auth/reset-code", ResetCodeRequest{Email: "retry@example.com"})
		expectStatus(t, rr, http.StatusAccepted)

		code := server.codes.last("retry@example.com")
		rr = server.do(t, http.MethodPost, "/auth/reset-code/verify", VerifyRequest{Email: "retry@example.com", Code: code})
		expectStatus(t, rr, http.StatusOK)
	})

	t.Run("ChannelCode", func(t *testing.T) {
		server.createUser(t, "user-1")
		server.protect(t, "user-1", domain.ChannelEmail, "user-1@example.com")

		server.codes.failNext(1)
		rr := server.do(t, http.MethodPost, "/users/user-1/protection/email/otp", nil)
		expectStatus(t, rr, http.StatusInternalServerError)

		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/otp", nil)
		expectStatus(t, rr, http.StatusAccepted)

		code := server.codes.last("user-1@example.com")
		rr = server.do(t, http.MethodPost, "/users/user-1/protection/email/verify", VerifyRequest{Code: code})
		expectStatus(t, rr, http.StatusOK)
		if setting := decode[domain.ProtectionSetting](t, rr); !setting.Verified {
			t.Error("expected verified setting")
		}
	})
}

func TestContactAttemptFlow(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.createUser(t, "user-1")
	server.createUser(t, "user-2")
	server.protect(t, "user-1", domain.ChannelCall, "(011) 2345-6789")
	server.protect(t, "user-2", domain.ChannelCall, "011-2345-6789")
	server.fileReports(t, "98765-43210", 1, domain.CategorySpam)

	attempt := alert.Attempt{Channel: domain.ChannelCall, From: "9876543210", To: "01123456789"}

	rr := server.do(t, http.MethodPost, "/contact-attempts?wait=true", attempt)
	expectStatus(t, rr, http.StatusOK)
	resp := decode[struct {
		AlertsCreated int                    `json:"alertsCreated"`
		Alerts        []domain.PendingAlert  `json:"alerts"`
		Dispatch      *alert.DispatchSummary `json:"dispatch"`
	}](t, rr)
	if resp.AlertsCreated != 2 {
		t.Fatalf("expected 2 alerts, got %d", resp.AlertsCreated)
	}
	if resp.Dispatch == nil || resp.Dispatch.Offline != 2 {
		t.Errorf("expected both users offline, got %+v", resp.Dispatch)
	}

	rr = server.do(t, http.MethodGet, "/users/user-1/alerts", nil)
	expectStatus(t, rr, http.StatusOK)
	inbox := decode[domain.Inbox](t, rr)
	if inbox.Pending.Len() != 1 {
		t.Fatalf("expected 1 pending alert, got %d", inbox.Pending.Len())
	}
	alertID := inbox.Pending.Items()[0].ID

	t.Run("AcknowledgeBlocked", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users/user-1/alerts/"+alertID+"/ack", AckRequest{Action: domain.ActionBlocked})
		expectStatus(t, rr, http.StatusOK)
		if acked := decode[domain.PendingAlert](t, rr); !acked.Acknowledged {
			t.Error("expected acknowledged alert")
		}

		rr = server.do(t, http.MethodGet, "/users/user-1/marks", nil)
		expectStatus(t, rr, http.StatusOK)
		marks := decode[map[domain.MarkKind][]domain.EntityMark](t, rr)
		if len(marks[domain.MarkBlocked]) != 1 || marks[domain.MarkBlocked][0].Entity != "9876543210" {
			t.Errorf("expected blocked sender, got %+v", marks)
		}
	})

	t.Run("AcknowledgeTwice", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users/user-1/alerts/"+alertID+"/ack", nil)
		expectStatus(t, rr, http.StatusNotFound)
	})

	t.Run("MarkSafeSuppresses", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users/user-2/marks/safe", MarkRequest{Entity: "98765 43210"})
		expectStatus(t, rr, http.StatusCreated)
		rr = server.do(t, http.MethodPost, "/users/user-2/marks/safe", MarkRequest{Entity: "9876543210"})
		expectStatus(t, rr, http.StatusOK)

		rr = server.do(t, http.MethodPost, "/contact-attempts", attempt)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[alert.TriggerResult](t, rr)
		if resp.AlertsCreated != 1 {
			t.Errorf("expected only user-1 alerted, got %d", resp.AlertsCreated)
		}
	})

	t.Run("UnknownMarkKind", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/users/user-2/marks/maybe", MarkRequest{Entity: "9876543210"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("InvalidAttempt", func(t *testing.T) {
		rr := server.do(t, http.MethodPost, "/contact-attempts", alert.Attempt{Channel: "pager", From: "1", To: "2"})
		expectStatus(t, rr, http.StatusBadRequest)
	})
}

func TestRiskExpression(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.fileReports(t, "9876543210", 2, domain.CategorySpam)

	rr := server.do(t, http.MethodGet, "/risk/expression", nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[ExpressionRequest](t, rr); got.Expression != rules.DefaultExpression {
		t.Errorf("expected default expression, got %q", got.Expression)
	}

	rr = server.do(t, http.MethodPut, "/risk/expression", ExpressionRequest{Expression: `category == "Spam" ? 4 : 1`})
	expectStatus(t, rr, http.StatusOK)

	rr = server.do(t, http.MethodGet, "/check-risk/9876543210", nil)
	expectStatus(t, rr, http.StatusOK)
	if result := decode[domain.RiskResult](t, rr); result.Score != 8 {
		t.Errorf("expected reloaded weights to score 8, got %d", result.Score)
	}

	rr = server.do(t, http.MethodPut, "/risk/expression", ExpressionRequest{Expression: `category +`})
	expectStatus(t, rr, http.StatusBadRequest)

	rr = server.do(t, http.MethodGet, "/risk/expression", nil)
	if got := decode[ExpressionRequest](t, rr); got.Expression != `category == "Spam" ? 4 : 1` {
		t.Errorf("expected previous expression to stay active, got %q", got.Expression)
	}
}

func TestAlertStream(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	server.createUser(t, "user-1")
	server.protect(t, "user-1", domain.ChannelSMS, "01123456789")
	server.fileReports(t, "9876543210", 1, domain.CategoryPhishing)

	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/users/user-1/alerts/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !server.hub.IsConnected("user-1") {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rr := server.do(t, http.MethodPost, "/contact-attempts", alert.Attempt{
		Channel: domain.ChannelSMS,
		From:    "9876543210",
		To:      "01123456789",
		Message: "Your account is locked, reply with OTP",
	})
	expectStatus(t, rr, http.StatusOK)

	reader := bufio.NewReader(resp.Body)
	var sawEvent bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before alert: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "event: alert" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			var note domain.AlertNotification
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &note); err != nil {
				t.Fatalf("bad alert payload: %v", err)
			}
			if note.Type != domain.NotificationFraudAlert || note.Alert.FromEntity != "9876543210" {
				t.Errorf("unexpected notification: %+v", note)
			}
			if note.Alert.Message != "Your account is locked, reply with OTP" {
				t.Errorf("expected attempt message, got %q", note.Alert.Message)
			}
			return
		}
	}
}
