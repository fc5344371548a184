// Package risk computes time-windowed, category-weighted risk scores from
// community fraud reports.
package risk

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/metrics"
)

// DefaultWindow is the trailing period a report counts toward a score.
const DefaultWindow = 30 * 24 * time.Hour

var tracer = otel.Tracer("crowdguard-risk")

// ReportReader reads the active reports against a canonical entity whose
// timestamps fall within [since, until].
type ReportReader interface {
	ListActiveReports(ctx context.Context, entity string, since, until time.Time) ([]*domain.FraudReport, error)
}

// Weigher assigns the points one report contributes to a score.
type Weigher interface {
	Weigh(report *domain.FraudReport, asOf time.Time) (int, error)
}

// CategoryWeigher scores one point per report, plus two for phishing and
// identity theft.
type CategoryWeigher struct{}

// Weigh implements Weigher.
func (CategoryWeigher) Weigh(report *domain.FraudReport, _ time.Time) (int, error) {
	points := 1
	switch report.Category {
	case domain.CategoryPhishing, domain.CategoryIdentityTheft:
		points += 2
	}
	return points, nil
}

// Engine scores entities against the report store.
type Engine struct {
	reports ReportReader
	weigher Weigher
	window  time.Duration
	clock   domain.Clock
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeigher replaces the category weights.
func WithWeigher(w Weigher) Option {
	return func(e *Engine) { e.weigher = w }
}

// WithWindow changes the trailing window.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithClock sets the clock Check scores at.
func WithClock(c domain.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a scoring engine.
func NewEngine(reports ReportReader, opts ...Option) *Engine {
	e := &Engine{
		reports: reports,
		weigher: CategoryWeigher{},
		window:  DefaultWindow,
		clock:   domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check scores raw at the current time.
func (e *Engine) Check(ctx context.Context, raw string) (*domain.RiskResult, error) {
	return e.Score(ctx, raw, e.clock.Now())
}

// Score computes the risk of raw as of asOf. Reports count when they are
// active and asOf-window <= timestamp <= asOf. The result is deterministic
// for a given report set and asOf.
func (e *Engine) Score(ctx context.Context, raw string, asOf time.Time) (*domain.RiskResult, error) {
	canonical, err := entity.Validate(raw)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "risk.Score", trace.WithAttributes(
		attribute.String("entity", canonical),
	))
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.ObserveScoreLatency(time.Since(start)) }()

	since := asOf.Add(-e.window)
	reports, err := e.reports.ListActiveReports(ctx, canonical, since, asOf)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, domain.StoreError("list reports", err)
	}

	result := &domain.RiskResult{
		CanonicalEntity: canonical,
		Breakdown:       make([]domain.ReportContribution, 0, len(reports)),
		CheckedAt:       asOf,
	}

	for _, r := range reports {
		if !r.Active || r.TargetEntity != canonical || r.Timestamp.Before(since) || r.Timestamp.After(asOf) {
			continue
		}
		points, err := e.weigher.Weigh(r, asOf)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("weigh report %s: %w", r.ID, err)
		}
		result.Score += points
		result.Breakdown = append(result.Breakdown, domain.ReportContribution{
			ReportID:    r.ID,
			Category:    r.Category,
			Timestamp:   r.Timestamp,
			PointsAdded: points,
		})
	}

	result.TotalReports = len(result.Breakdown)
	result.RiskLevel = domain.ClassifyScore(result.Score)
	result.Message = result.RiskLevel.Message()

	span.SetAttributes(
		attribute.Int("risk.score", result.Score),
		attribute.String("risk.level", string(result.RiskLevel)),
	)
	e.metrics.IncrementRiskCheck(string(result.RiskLevel))

	return result, nil
}
