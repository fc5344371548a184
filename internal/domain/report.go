package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType is the kind of contact identifier a report or mark refers to.
type EntityType string

const (
	EntityPhone EntityType = "phone"
	EntityEmail EntityType = "email"
	EntityUPI   EntityType = "upi"
	EntityBank  EntityType = "bank"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPhone, EntityEmail, EntityUPI, EntityBank:
		return true
	}
	return false
}

// Category classifies a fraud report.
type Category string

const (
	CategoryPhishing        Category = "Phishing"
	CategoryIdentityTheft   Category = "Identity Theft"
	CategoryFinancialFraud  Category = "Financial Fraud"
	CategorySpam            Category = "Spam"
	CategoryHarassment      Category = "Harassment"
	CategoryFakeLottery     Category = "Fake Lottery"
	CategoryInvestmentScam  Category = "Investment Scam"
	CategoryRomanceScam     Category = "Romance Scam"
	CategoryTechSupportScam Category = "Tech Support Scam"
	CategoryOther           Category = "Other"
)

// Categories lists every accepted report category.
var Categories = []Category{
	CategoryPhishing,
	CategoryIdentityTheft,
	CategoryFinancialFraud,
	CategorySpam,
	CategoryHarassment,
	CategoryFakeLottery,
	CategoryInvestmentScam,
	CategoryRomanceScam,
	CategoryTechSupportScam,
	CategoryOther,
}

// Valid reports whether c is an accepted category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// FraudReport is a community report against a contact identifier.
// Reports are immutable once created except for the Active flag.
type FraudReport struct {
	ID           string          `json:"id"`
	ReporterID   string          `json:"reporterId,omitempty"` // empty for anonymous reports
	TargetEntity string          `json:"targetEntity"`         // canonical form
	EntityType   EntityType      `json:"entityType"`
	Category     Category        `json:"category"`
	Description  string          `json:"description"`
	Evidence     string          `json:"evidence,omitempty"`
	AmountLost   decimal.Decimal `json:"amountLost"`
	IncidentDate *time.Time      `json:"incidentDate,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Active       bool            `json:"active"`
}

// ReportStats summarizes the report corpus.
type ReportStats struct {
	TotalReports    int64           `json:"totalReports"`
	RecentReports   int64           `json:"recentReports"`
	TotalUsers      int64           `json:"totalUsers"`
	TotalAmountLost decimal.Decimal `json:"totalAmountLost"`
	TopCategories   []CategoryCount `json:"topCategories"`
}

// CategoryCount is the number of active reports in one category.
type CategoryCount struct {
	Category Category `json:"category"`
	Count    int64    `json:"count"`
}
