package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/risk"
)

var asOf = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func report(cat domain.Category, age time.Duration) *domain.FraudReport {
	return &domain.FraudReport{
		ID:           "rpt-1",
		TargetEntity: "9876543210",
		EntityType:   domain.EntityPhone,
		Category:     cat,
		Timestamp:    asOf.Add(-age),
		Active:       true,
	}
}

func TestDefaultExpressionMatchesCategoryWeights(t *testing.T) {
	w, err := NewExpressionWeigher("")
	if err != nil {
		t.Fatalf("NewExpressionWeigher failed: %v", err)
	}
	if w.Expression() != DefaultExpression {
		t.Errorf("expected default expression, got %s", w.Expression())
	}

	for _, cat := range domain.Categories {
		r := report(cat, time.Hour)
		got, err := w.Weigh(r, asOf)
		if err != nil {
			t.Fatalf("Weigh(%s) failed: %v", cat, err)
		}
		want, _ := risk.CategoryWeigher{}.Weigh(r, asOf)
		if got != want {
			t.Errorf("category %s: expression gave %d, built-in gave %d", cat, got, want)
		}
	}
}

func TestExpressionVariables(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		report *domain.FraudReport
		want   int
	}{
		{
			name:   "RecentDoubleWeight",
			expr:   `age_hours < 24.0 ? 2 : 1`,
			report: report(domain.CategorySpam, 2*time.Hour),
			want:   2,
		},
		{
			name:   "OlderSingleWeight",
			expr:   `age_hours < 24.0 ? 2 : 1`,
			report: report(domain.CategorySpam, 72*time.Hour),
			want:   1,
		},
		{
			name: "MoneyLost",
			expr: `has_amount && amount > 1000.0 ? 4 : 1`,
			report: func() *domain.FraudReport {
				r := report(domain.CategoryFinancialFraud, time.Hour)
				r.AmountLost = decimal.RequireFromString("2500.00")
				return r
			}(),
			want: 4,
		},
		{
			name:   "BoolResult",
			expr:   `entity_type == "phone"`,
			report: report(domain.CategoryOther, time.Hour),
			want:   1,
		},
		{
			name:   "DoubleRounded",
			expr:   `2.6`,
			report: report(domain.CategoryOther, time.Hour),
			want:   3,
		},
		{
			name:   "NegativeClamped",
			expr:   `-5`,
			report: report(domain.CategoryOther, time.Hour),
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewExpressionWeigher(tt.expr)
			if err != nil {
				t.Fatalf("NewExpressionWeigher failed: %v", err)
			}
			got, err := w.Weigh(tt.report, asOf)
			if err != nil {
				t.Fatalf("Weigh failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestInvalidExpressions(t *testing.T) {
	t.Run("SyntaxError", func(t *testing.T) {
		_, err := NewExpressionWeigher(`category ==`)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		_, err := NewExpressionWeigher(`velocity_count > 3`)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		_, err := NewExpressionWeigher(`category`)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("ReloadKeepsPreviousOnError", func(t *testing.T) {
		w, _ := NewExpressionWeigher(`5`)
		if err := w.Reload(`nope(`); err == nil {
			t.Fatal("expected reload error")
		}
		got, _ := w.Weigh(report(domain.CategorySpam, time.Hour), asOf)
		if got != 5 {
			t.Errorf("expected previous expression to stay active, got %d", got)
		}
	})
}

type staticReports []*domain.FraudReport

func (s staticReports) ListActiveReports(context.Context, string, time.Time, time.Time) ([]*domain.FraudReport, error) {
	return s, nil
}

func TestEngineWithExpressionWeigher(t *testing.T) {
	w, err := NewExpressionWeigher(`category == "Spam" ? 0 : 1`)
	if err != nil {
		t.Fatalf("NewExpressionWeigher failed: %v", err)
	}

	reports := staticReports{
		report(domain.CategorySpam, time.Hour),
		report(domain.CategorySpam, 2*time.Hour),
	}
	res, err := risk.NewEngine(reports, risk.WithWeigher(w)).Score(context.Background(), "9876543210", asOf)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if res.Score != 0 || res.RiskLevel != domain.RiskSafe {
		t.Errorf("expected spam to weigh nothing, got %d/%s", res.Score, res.RiskLevel)
	}
	if res.TotalReports != 2 {
		t.Errorf("expected both reports in breakdown, got %d", res.TotalReports)
	}
}
