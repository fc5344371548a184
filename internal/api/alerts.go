package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/crowdguard/internal/alert"
	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/entity"
	"github.com/opensource-finance/crowdguard/internal/worker"
)

// dispatchWait bounds how long ?wait=true holds the response.
const dispatchWait = 5 * time.Second

// maxActivityLimit caps GET /users/{userID}/activity.
const maxActivityLimit = 100

// ContactAttemptResponse is the response for POST /contact-attempts.
type ContactAttemptResponse struct {
	*alert.TriggerResult
	Dispatch *alert.DispatchSummary `json:"dispatch,omitempty"`
}

// ContactAttempt handles POST /contact-attempts. With async ingest enabled
// the attempt is queued on the bus and 202 is returned.
func (h *Handler) ContactAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var attempt alert.Attempt
	if err := decodeJSON(r, &attempt); err != nil {
		writeError(w, r, err)
		return
	}
	if err := attempt.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	if h.async && h.bus != nil {
		attemptID := uuid.New().String()
		err := worker.Publish(ctx, h.bus, worker.AttemptMessage{
			AttemptID: attemptID,
			Channel:   attempt.Channel,
			From:      attempt.From,
			To:        attempt.To,
			Message:   attempt.Message,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: queue contact attempt: %w", domain.ErrTransientStore, err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"attemptId": attemptID,
			"status":    "queued",
		})
		return
	}

	res, err := h.pipeline.Trigger(ctx, attempt)
	if err != nil {
		if res != nil {
			slog.Warn("contact attempt partially applied",
				"alerts_created", res.AlertsCreated,
				"error", err,
			)
		}
		writeError(w, r, err)
		return
	}

	resp := ContactAttemptResponse{TriggerResult: res}
	if r.URL.Query().Get("wait") == "true" {
		waitCtx, cancel := context.WithTimeout(ctx, dispatchWait)
		summary, err := res.Dispatch.Wait(waitCtx)
		cancel()
		if err != nil {
			slog.Warn("dispatch still running", "error", err)
		}
		resp.Dispatch = &summary
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListAlerts handles GET /users/{userID}/alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	inbox, err := h.pipeline.Inbox(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}

// AckRequest is the body of POST /users/{userID}/alerts/{alertID}/ack.
type AckRequest struct {
	Action domain.AckAction `json:"action,omitempty"`
}

// AcknowledgeAlert handles POST /users/{userID}/alerts/{alertID}/ack.
// An empty body acknowledges with the default action.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AckRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	acked, err := h.pipeline.Acknowledge(r.Context(), userID, chi.URLParam(r, "alertID"), req.Action)
	if err != nil {
		writeError(w, r, err)
		return
	}

	action := req.Action
	if action == "" {
		action = domain.DefaultAckAction
	}
	h.record(r, domain.ActivityEntry{
		UserID:       userID,
		Action:       domain.ActivityAcknowledge,
		TargetEntity: acked.FromEntity,
		RiskLevel:    acked.RiskLevel,
		RiskScore:    acked.RiskScore,
		Result:       string(action),
		Details:      map[string]string{"alert_id": acked.ID},
	})
	writeJSON(w, http.StatusOK, acked)
}

// StreamAlerts handles GET /users/{userID}/alerts/stream as server-sent
// events. Each alert is an "alert" event whose data is the notification JSON.
func (h *Handler) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	conn, err := h.hub.Connect(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer conn.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		slog.Warn("alert stream cannot flush", "user_id", userID, "error", err)
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-conn.C:
			fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// MarkRequest is the body of POST /users/{userID}/marks/{kind}.
type MarkRequest struct {
	Entity     string            `json:"entity"`
	EntityType domain.EntityType `json:"entityType,omitempty"`
}

// MarkEntity handles POST /users/{userID}/marks/{kind}. Marking an entity
// replaces the opposite mark.
func (h *Handler) MarkEntity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	kind := domain.MarkKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, r, domain.Validationf("unknown mark %q", kind))
		return
	}

	var req MarkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	canonical, entityType, err := entity.Resolve(req.Entity, req.EntityType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	mark := &domain.EntityMark{
		UserID:     userID,
		Entity:     canonical,
		EntityType: entityType,
		Kind:       kind,
		MarkedAt:   h.clock.Now(),
	}
	created, err := h.repo.SaveEntityMark(r.Context(), mark)
	if err != nil {
		writeError(w, r, domain.StoreError("save mark", err))
		return
	}

	action := domain.ActivityBlockEntity
	if kind == domain.MarkSafe {
		action = domain.ActivityMarkSafe
	}
	h.record(r, domain.ActivityEntry{
		UserID:       userID,
		Action:       action,
		TargetEntity: canonical,
		EntityType:   entityType,
		Result:       "success",
	})

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, mark)
}

// ListMarks handles GET /users/{userID}/marks.
func (h *Handler) ListMarks(w http.ResponseWriter, r *http.Request) {
	marks, err := h.repo.ListEntityMarks(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, domain.StoreError("list marks", err))
		return
	}

	resp := map[domain.MarkKind][]*domain.EntityMark{
		domain.MarkBlocked: {},
		domain.MarkSafe:    {},
	}
	for _, m := range marks {
		resp[m.Kind] = append(resp[m.Kind], m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListActivity handles GET /users/{userID}/activity?limit=N.
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, domain.Validationf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := h.repo.ListActivity(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, r, domain.StoreError("list activity", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}
