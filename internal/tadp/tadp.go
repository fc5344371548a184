// Package tadp implements the Targeted Alert Decision Processor.
// For each user matched by a contact attempt, TADP decides whether an alert
// is raised, how the client presents it and whether it escalates to the
// secondary channel.
package tadp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// MarkChecker reports a user's personal marks on an entity.
type MarkChecker interface {
	HasEntityMark(ctx context.Context, userID string, entity string, kind domain.MarkKind) (bool, error)
}

// Processor makes per-user alert decisions.
type Processor struct {
	marks MarkChecker

	// EscalateAt is the lowest risk level that also notifies the
	// secondary channel.
	EscalateAt domain.RiskLevel
}

// NewProcessor creates a processor. Only high_risk escalates.
func NewProcessor(marks MarkChecker) *Processor {
	return &Processor{
		marks:      marks,
		EscalateAt: domain.RiskHigh,
	}
}

// DecisionInput contains everything known about one matched user.
type DecisionInput struct {
	UserID     string
	Channel    domain.Channel
	FromEntity string // canonical
	Message    string
	AlertMode  domain.AlertMode
	Risk       *domain.RiskResult
}

// Decision is the outcome for one user.
type Decision struct {
	Raise     bool
	Escalate  bool
	AlertMode domain.AlertMode
	Reasons   []string
}

// Decide evaluates one matched user. Safe contacts are never raised; a
// sender the user marked safe is suppressed; a sender the user blocked is
// presented in block mode.
func (p *Processor) Decide(ctx context.Context, input *DecisionInput) (*Decision, error) {
	d := &Decision{AlertMode: input.AlertMode}
	if d.AlertMode == "" {
		d.AlertMode = domain.DefaultAlertMode
	}

	if input.Risk == nil || input.Risk.RiskLevel == domain.RiskSafe {
		d.Reasons = append(d.Reasons, "sender is safe")
		return d, nil
	}

	if p.marks != nil {
		safe, err := p.marks.HasEntityMark(ctx, input.UserID, input.FromEntity, domain.MarkSafe)
		if err != nil {
			return nil, domain.StoreError("check safe mark", err)
		}
		if safe {
			d.Reasons = append(d.Reasons, "user marked sender safe")
			return d, nil
		}

		blocked, err := p.marks.HasEntityMark(ctx, input.UserID, input.FromEntity, domain.MarkBlocked)
		if err != nil {
			return nil, domain.StoreError("check block mark", err)
		}
		if blocked {
			d.AlertMode = domain.AlertBlock
			d.Reasons = append(d.Reasons, "user blocked sender")
		}
	}

	d.Raise = true
	d.Escalate = severity(input.Risk.RiskLevel) >= severity(p.EscalateAt)
	d.Reasons = append(d.Reasons, fmt.Sprintf("sender is %s (score %d)", input.Risk.RiskLevel, input.Risk.Score))
	return d, nil
}

// BuildAlert creates the pending alert for a raised decision.
func BuildAlert(input *DecisionInput, d *Decision, now time.Time) domain.PendingAlert {
	message := input.Message
	if message == "" {
		message = input.Risk.Message
	}
	return domain.PendingAlert{
		ID:         uuid.New().String(),
		Channel:    input.Channel,
		FromEntity: input.FromEntity,
		RiskLevel:  input.Risk.RiskLevel,
		RiskScore:  input.Risk.Score,
		Message:    message,
		Category:   TopCategory(input.Risk),
		AlertMode:  d.AlertMode,
		CreatedAt:  now,
	}
}

// TopCategory returns the category contributing the most points. Ties go
// to the category seen first in the breakdown.
func TopCategory(risk *domain.RiskResult) domain.Category {
	if risk == nil {
		return ""
	}

	points := make(map[domain.Category]int)
	var top domain.Category
	for _, c := range risk.Breakdown {
		points[c.Category] += c.PointsAdded
		if top == "" || points[c.Category] > points[top] {
			top = c.Category
		}
	}
	return top
}

func severity(level domain.RiskLevel) int {
	switch level {
	case domain.RiskSuspicious:
		return 1
	case domain.RiskHigh:
		return 2
	default:
		return 0
	}
}
