package domain

import "time"

// RiskLevel is the classification derived from a risk score.
type RiskLevel string

const (
	RiskSafe       RiskLevel = "safe"
	RiskSuspicious RiskLevel = "suspicious"
	RiskHigh       RiskLevel = "high_risk"
)

// Score thresholds: 0 is safe, 1..SuspiciousMax is suspicious, above is high risk.
const SuspiciousMax = 5

// ClassifyScore maps a score to its risk level.
func ClassifyScore(score int) RiskLevel {
	switch {
	case score <= 0:
		return RiskSafe
	case score <= SuspiciousMax:
		return RiskSuspicious
	default:
		return RiskHigh
	}
}

// Message returns the user-facing explanation for a level.
func (l RiskLevel) Message() string {
	switch l {
	case RiskSafe:
		return "No fraud reports found. This entity appears safe."
	case RiskSuspicious:
		return "Some suspicious activity detected. Proceed with caution."
	default:
		return "High risk: multiple fraud reports detected. Exercise extreme caution."
	}
}

// RiskResult is the computed risk of an entity. It is never persisted.
type RiskResult struct {
	CanonicalEntity string               `json:"canonicalEntity"`
	Score           int                  `json:"score"`
	RiskLevel       RiskLevel            `json:"riskLevel"`
	Message         string               `json:"message"`
	TotalReports    int                  `json:"totalReports"`
	Breakdown       []ReportContribution `json:"breakdown"`
	CheckedAt       time.Time            `json:"checkedAt"`
}

// ReportContribution shows how a single report contributed to a score.
type ReportContribution struct {
	ReportID    string    `json:"reportId"`
	Category    Category  `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
	PointsAdded int       `json:"pointsAdded"`
}
