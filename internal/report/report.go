// Package report accepts community fraud reports and serves the report
// statistics.
package report

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/metrics"
)

// Field bounds.
const (
	MinDescription = 10
	MaxDescription = 2000
	MaxEvidence    = 5000
)

// StatsWindow is the period counted as recent in Stats.
const StatsWindow = 30 * 24 * time.Hour

// Store is the persistence a Service needs.
type Store interface {
	SaveReport(ctx context.Context, report *domain.FraudReport) error
	GetReport(ctx context.Context, reportID string) (*domain.FraudReport, error)
	DeactivateReport(ctx context.Context, reportID string) error
	GetReportStats(ctx context.Context, since time.Time) (*domain.ReportStats, error)
}

// SubmitRequest is a new report as filed by a reporter.
type SubmitRequest struct {
	ReporterID   string            `json:"reporterId,omitempty"`
	TargetEntity string            `json:"targetEntity"`
	EntityType   domain.EntityType `json:"entityType,omitempty"`
	Category     domain.Category   `json:"category"`
	Description  string            `json:"description"`
	Evidence     string            `json:"evidence,omitempty"`
	AmountLost   decimal.Decimal   `json:"amountLost"`
	IncidentDate *time.Time        `json:"incidentDate,omitempty"`
}

// Service files and retrieves reports.
type Service struct {
	store   Store
	clock   domain.Clock
	metrics *metrics.Metrics
}

// NewService creates a Service. A nil clock uses the system clock.
func NewService(store Store, clock domain.Clock, m *metrics.Metrics) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{store: store, clock: clock, metrics: m}
}

// Submit validates req and stores it as an active report.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.FraudReport, error) {
	canonical, kind, err := entity.Resolve(req.TargetEntity, req.EntityType)
	if err != nil {
		return nil, err
	}
	if !req.Category.Valid() {
		return nil, domain.Validationf("invalid category %q", req.Category)
	}

	description := strings.TrimSpace(req.Description)
	if n := utf8.RuneCountInString(description); n < MinDescription || n > MaxDescription {
		return nil, domain.Validationf("description must be between %d and %d characters", MinDescription, MaxDescription)
	}
	evidence := strings.TrimSpace(req.Evidence)
	if utf8.RuneCountInString(evidence) > MaxEvidence {
		return nil, domain.Validationf("evidence cannot exceed %d characters", MaxEvidence)
	}
	if req.AmountLost.IsNegative() {
		return nil, domain.Validationf("amount lost cannot be negative")
	}

	report := &domain.FraudReport{
		ID:           uuid.New().String(),
		ReporterID:   req.ReporterID,
		TargetEntity: canonical,
		EntityType:   kind,
		Category:     req.Category,
		Description:  description,
		Evidence:     evidence,
		AmountLost:   req.AmountLost,
		IncidentDate: req.IncidentDate,
		Timestamp:    s.clock.Now(),
		Active:       true,
	}
	if err := s.store.SaveReport(ctx, report); err != nil {
		return nil, domain.StoreError("save report", err)
	}

	s.metrics.IncrementReport(string(report.Category))
	slog.Info("fraud report filed",
		"report_id", report.ID,
		"entity", report.TargetEntity,
		"entity_type", report.EntityType,
		"category", report.Category,
	)
	return report, nil
}

// Get returns a report, active or not.
func (s *Service) Get(ctx context.Context, reportID string) (*domain.FraudReport, error) {
	if reportID == "" {
		return nil, domain.Validationf("report id is required")
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, domain.StoreError("get report", err)
	}
	return report, nil
}

// Deactivate withdraws a report from scoring. The report itself is kept.
func (s *Service) Deactivate(ctx context.Context, reportID string) error {
	if reportID == "" {
		return domain.Validationf("report id is required")
	}
	if err := s.store.DeactivateReport(ctx, reportID); err != nil {
		return domain.StoreError("deactivate report", err)
	}
	slog.Info("fraud report deactivated", "report_id", reportID)
	return nil
}

// Stats summarizes the corpus with StatsWindow as the recent period.
func (s *Service) Stats(ctx context.Context) (*domain.ReportStats, error) {
	stats, err := s.store.GetReportStats(ctx, s.clock.Now().Add(-StatsWindow))
	if err != nil {
		return nil, domain.StoreError("report stats", err)
	}
	return stats, nil
}
