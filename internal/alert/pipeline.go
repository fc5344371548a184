// Package alert fans a contact attempt out to every protected recipient:
// it scores the sender, appends pending alerts to each user's inbox and
// dispatches realtime and secondary notifications.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/metrics"
	"github.com/opensource-finance/crowdguard/internal/tadp"
)

// DefaultFanoutLimit bounds concurrent per-user appends within one trigger.
const DefaultFanoutLimit = 16

var tracer = otel.Tracer("crowdguard-alert")

// Matcher finds the users protecting an identifier.
type Matcher interface {
	FindProtectedUsers(ctx context.Context, raw string, channel domain.Channel) ([]string, error)
	Setting(ctx context.Context, userID string, channel domain.Channel) (*domain.ProtectionSetting, error)
}

// Scorer computes the current risk of an entity.
type Scorer interface {
	Check(ctx context.Context, raw string) (*domain.RiskResult, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	tadp.MarkChecker
	GetInbox(ctx context.Context, userID string) (*domain.Inbox, error)
	UpdateInbox(ctx context.Context, userID string, fn func(*domain.Inbox) error) (*domain.Inbox, error)
	SaveEntityMark(ctx context.Context, mark *domain.EntityMark) (bool, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// RealtimeChannel pushes payloads to a user's connected clients.
type RealtimeChannel interface {
	Send(ctx context.Context, userID string, payload []byte) error
	IsConnected(userID string) bool
}

// SecondaryChannel delivers notifications to a user's address.
type SecondaryChannel interface {
	Send(ctx context.Context, address string, note domain.AlertNotification) domain.SendResult
}

// Publisher receives alert-created events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Attempt is an inbound contact from From to To over Channel.
type Attempt struct {
	Channel domain.Channel `json:"channel"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Message string         `json:"message,omitempty"`
}

// Validate normalizes the channel and checks the identifiers.
func (a *Attempt) Validate() error {
	a.Channel = domain.Channel(strings.ToLower(strings.TrimSpace(string(a.Channel))))
	if !a.Channel.Valid() {
		return domain.Validationf("unknown channel %q", a.Channel)
	}
	if _, err := entity.Validate(a.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if _, err := entity.Validate(a.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	return nil
}

// TriggerResult is the outcome of one trigger. Risk is nil when no user
// matched.
type TriggerResult struct {
	AlertsCreated int                   `json:"alertsCreated"`
	Risk          *domain.RiskResult    `json:"risk,omitempty"`
	Alerts        []domain.PendingAlert `json:"alerts"`
	Dispatch      *DispatchBatch        `json:"-"`
}

// Pipeline runs contact attempts through matching, scoring and fanout.
type Pipeline struct {
	matcher   Matcher
	scorer    Scorer
	store     Store
	realtime  RealtimeChannel
	secondary SecondaryChannel
	processor *tadp.Processor
	events    Publisher
	clock     domain.Clock
	metrics   *metrics.Metrics
	limit     int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFanoutLimit sets the per-trigger concurrency bound.
func WithFanoutLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithClock sets the clock stamped on alerts and acknowledgements.
func WithClock(c domain.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEvents publishes every created alert on domain.TopicAlertCreated.
func WithEvents(pub Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// NewPipeline creates a pipeline. realtime and secondary may be nil, in
// which case the corresponding dispatch is skipped.
func NewPipeline(matcher Matcher, scorer Scorer, store Store, realtime RealtimeChannel, secondary SecondaryChannel, opts ...Option) *Pipeline {
	p := &Pipeline{
		matcher:   matcher,
		scorer:    scorer,
		store:     store,
		realtime:  realtime,
		secondary: secondary,
		processor: tadp.NewProcessor(store),
		clock:     domain.SystemClock{},
		limit:     DefaultFanoutLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger evaluates one contact attempt. Each matched user is handled
// independently: a store failure for one user does not stop the others,
// and the result reports every alert that was created alongside the joined
// errors. Dispatch starts as soon as a user's alert is stored.
func (p *Pipeline) Trigger(ctx context.Context, attempt Attempt) (*TriggerResult, error) {
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "alert.Trigger", trace.WithAttributes(
		attribute.String("channel", string(attempt.Channel)),
	))
	defer span.End()

	p.metrics.IncrementContactAttempt(string(attempt.Channel))
	result := &TriggerResult{Alerts: []domain.PendingAlert{}, Dispatch: newBatch()}

	users, err := p.matcher.FindProtectedUsers(ctx, attempt.To, attempt.Channel)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("alert.matched_users", len(users)))
	if len(users) == 0 {
		return result, nil
	}

	risk, err := p.scorer.Check(ctx, attempt.From)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.Risk = risk
	if risk.RiskLevel == domain.RiskSafe {
		return result, nil
	}

	var (
		mu      sync.Mutex
		created atomic.Int32
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(p.limit)
	for _, userID := range users {
		g.Go(func() error {
			alert, decision, err := p.raise(ctx, userID, attempt, risk)
			if err != nil {
				slog.Error("failed to raise alert",
					"user_id", userID,
					"channel", attempt.Channel,
					"error", err,
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			if alert == nil {
				return nil
			}

			created.Add(1)
			mu.Lock()
			result.Alerts = append(result.Alerts, *alert)
			mu.Unlock()

			p.dispatch(ctx, result.Dispatch, userID, *alert, decision.Escalate)
			return nil
		})
	}
	_ = g.Wait()

	result.AlertsCreated = int(created.Load())
	span.SetAttributes(attribute.Int("alert.created", result.AlertsCreated))

	slog.Info("contact attempt evaluated",
		"channel", attempt.Channel,
		"risk_level", risk.RiskLevel,
		"risk_score", risk.Score,
		"matched_users", len(users),
		"alerts_created", result.AlertsCreated,
	)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// raise decides for one user and appends the alert. It returns a nil alert
// when the decision suppresses it.
func (p *Pipeline) raise(ctx context.Context, userID string, attempt Attempt, risk *domain.RiskResult) (*domain.PendingAlert, *tadp.Decision, error) {
	setting, err := p.matcher.Setting(ctx, userID, attempt.Channel)
	if err != nil {
		return nil, nil, err
	}

	input := &tadp.DecisionInput{
		UserID:     userID,
		Channel:    attempt.Channel,
		FromEntity: risk.CanonicalEntity,
		Message:    attempt.Message,
		AlertMode:  setting.AlertMode,
		Risk:       risk,
	}
	decision, err := p.processor.Decide(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Raise {
		p.metrics.IncrementSuppressed()
		slog.Debug("alert suppressed",
			"user_id", userID,
			"reasons", decision.Reasons,
		)
		return nil, decision, nil
	}

	alert := tadp.BuildAlert(input, decision, p.clock.Now())

	var evicted int
	_, err = p.store.UpdateInbox(ctx, userID, func(in *domain.Inbox) error {
		evicted = in.Push(alert)
		return nil
	})
	if err != nil {
		return nil, nil, domain.StoreError("append alert", err)
	}

	p.metrics.IncrementAlert(string(alert.Channel), string(alert.RiskLevel), evicted)
	if evicted > 0 {
		slog.Debug("inbox full, evicted oldest alerts",
			"user_id", userID,
			"evicted", evicted,
		)
	}
	return &alert, decision, nil
}

// dispatch notifies one user. It never fails the trigger: every outcome is
// recorded on the batch.
func (p *Pipeline) dispatch(ctx context.Context, batch *DispatchBatch, userID string, alert domain.PendingAlert, escalate bool) {
	ctx = context.WithoutCancel(ctx)
	note := domain.AlertNotification{
		Type:   domain.NotificationFraudAlert,
		UserID: userID,
		Alert:  alert,
	}

	batch.run(func() DispatchSummary {
		var s DispatchSummary

		payload, err := json.Marshal(note)
		if err != nil {
			slog.Error("failed to encode alert", "alert_id", alert.ID, "error", err)
			return s
		}

		if p.events != nil {
			if err := p.events.Publish(ctx, domain.TopicAlertCreated, payload); err != nil {
				slog.Warn("failed to publish alert event", "alert_id", alert.ID, "error", err)
			}
		}

		if p.realtime != nil {
			if p.deliver(ctx, userID, payload) {
				s.Delivered++
				p.metrics.IncrementDispatch(metrics.TargetRealtime, "delivered")
			} else {
				s.Offline++
				p.metrics.IncrementDispatch(metrics.TargetRealtime, "offline")
			}
		}

		if escalate && p.secondary != nil {
			if err := p.escalate(ctx, userID, note); err != nil {
				s.SecondaryFailed++
				p.metrics.IncrementDispatch(metrics.TargetSecondary, "failed")
				slog.Warn("partial dispatch failure",
					"user_id", userID,
					"alert_id", alert.ID,
					"error", err,
				)
			} else {
				s.SecondarySent++
				p.metrics.IncrementDispatch(metrics.TargetSecondary, "sent")
			}
		}
		return s
	})
}

// deliver publishes to the user's topic whether or not a client is attached
// here; a stream held by another replica receives it over the bus. The
// outcome reflects local presence only.
func (p *Pipeline) deliver(ctx context.Context, userID string, payload []byte) bool {
	if err := p.realtime.Send(ctx, userID, payload); err != nil {
		slog.Warn("realtime push failed", "user_id", userID, "error", err)
		return false
	}
	return p.realtime.IsConnected(userID)
}

func (p *Pipeline) escalate(ctx context.Context, userID string, note domain.AlertNotification) error {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("look up address: %w", err)
	}
	res := p.secondary.Send(ctx, user.Email, note)
	if !res.Sent {
		if res.Err == nil {
			res.Err = errors.New("not sent")
		}
		return res.Err
	}
	return nil
}

// Acknowledge moves a pending alert into the user's history. Acknowledging
// with blocked or marked_safe also records the user's mark on the sender.
// The acknowledgement is committed first; a mark that fails to save is
// logged and does not fail the call.
func (p *Pipeline) Acknowledge(ctx context.Context, userID, alertID string, action domain.AckAction) (*domain.PendingAlert, error) {
	if userID == "" || alertID == "" {
		return nil, domain.Validationf("user id and alert id are required")
	}
	if action == "" {
		action = domain.DefaultAckAction
	}
	if !action.Valid() {
		return nil, domain.Validationf("unknown action %q", action)
	}

	now := p.clock.Now()
	var acked domain.PendingAlert
	_, err := p.store.UpdateInbox(ctx, userID, func(in *domain.Inbox) error {
		a, err := in.Acknowledge(alertID, action, now)
		if err != nil {
			return err
		}
		acked = a
		return nil
	})
	if err != nil {
		return nil, domain.StoreError("acknowledge alert", err)
	}

	var kind domain.MarkKind
	switch action {
	case domain.ActionBlocked:
		kind = domain.MarkBlocked
	case domain.ActionMarkedSafe:
		kind = domain.MarkSafe
	}
	if kind != "" {
		_, err := p.store.SaveEntityMark(ctx, &domain.EntityMark{
			UserID:     userID,
			Entity:     acked.FromEntity,
			EntityType: entity.DetectType(acked.FromEntity),
			Kind:       kind,
			MarkedAt:   now,
		})
		if err != nil {
			slog.Warn("failed to record mark from acknowledgement",
				"user_id", userID,
				"alert_id", alertID,
				"kind", kind,
				"error", err,
			)
		}
	}

	slog.Info("alert acknowledged",
		"user_id", userID,
		"alert_id", alertID,
		"action", action,
	)
	return &acked, nil
}

// Inbox returns the user's pending alerts and history.
func (p *Pipeline) Inbox(ctx context.Context, userID string) (*domain.Inbox, error) {
	if userID == "" {
		return nil, domain.Validationf("user id is required")
	}
	inbox, err := p.store.GetInbox(ctx, userID)
	if err != nil {
		return nil, domain.StoreError("get inbox", err)
	}
	return inbox, nil
}
