package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/protection"
)

// ListProtection handles GET /users/{userID}/protection.
func (h *Handler) ListProtection(w http.ResponseWriter, r *http.Request) {
	settings, err := h.registry.Settings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// GetProtection handles GET /users/{userID}/protection/{channel}.
func (h *Handler) GetProtection(w http.ResponseWriter, r *http.Request) {
	setting, err := h.registry.Setting(r.Context(), chi.URLParam(r, "userID"), channelParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// PutProtection handles PUT /users/{userID}/protection/{channel}.
func (h *Handler) PutProtection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req protection.ProtectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Channel = channelParam(r)

	setting, err := h.registry.Register(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		UserID:       userID,
		Action:       domain.ActivityProtection,
		TargetEntity: setting.RegisteredIdentifier,
		EntityType:   setting.Channel.EntityType(),
		Result:       "enabled",
		Details:      map[string]string{"channel": string(setting.Channel), "alert_mode": string(setting.AlertMode)},
	})
	writeJSON(w, http.StatusOK, setting)
}

// DisableProtection handles DELETE /users/{userID}/protection/{channel}.
func (h *Handler) DisableProtection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	setting, err := h.registry.Disable(r.Context(), userID, channelParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		UserID:  userID,
		Action:  domain.ActivityProtection,
		Result:  "disabled",
		Details: map[string]string{"channel": string(setting.Channel)},
	})
	writeJSON(w, http.StatusOK, setting)
}

// OTPResponse acknowledges a sent code. The code itself is never returned.
type OTPResponse struct {
	SentTo    string    `json:"sentTo"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendChannelCode handles POST /users/{userID}/protection/{channel}/otp.
// The code goes to the identifier registered on the channel.
func (h *Handler) SendChannelCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	setting, err := h.registry.Setting(ctx, userID, channelParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if setting.RegisteredIdentifier == "" {
		writeError(w, r, fmt.Errorf("%w: no identifier registered on %s", domain.ErrNotFound, setting.Channel))
		return
	}

	subject := channelSubject(userID, setting)
	issued, err := h.otp.Generate(ctx, subject, domain.PurposeChannelVerification)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.codes.SendCode(ctx, setting.RegisteredIdentifier, domain.PurposeChannelVerification, issued.Code, issued.ExpiresAt); err != nil {
		h.revokeCode(ctx, subject, domain.PurposeChannelVerification)
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		UserID:       userID,
		Action:       domain.ActivityOTPSend,
		TargetEntity: setting.RegisteredIdentifier,
		EntityType:   setting.Channel.EntityType(),
		Result:       "success",
	})
	writeJSON(w, http.StatusAccepted, OTPResponse{SentTo: setting.RegisteredIdentifier, ExpiresAt: issued.ExpiresAt})
}

// VerifyRequest carries a one-time code.
type VerifyRequest struct {
	Email string `json:"email,omitempty"`
	Code  string `json:"code"`
}

// VerifyChannelCode handles POST /users/{userID}/protection/{channel}/verify.
func (h *Handler) VerifyChannelCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Code == "" {
		writeError(w, r, domain.Validationf("code is required"))
		return
	}

	setting, err := h.registry.Setting(ctx, userID, channelParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.otp.Verify(ctx, channelSubject(userID, setting), domain.PurposeChannelVerification, req.Code); err != nil {
		h.record(r, domain.ActivityEntry{
			UserID:       userID,
			Action:       domain.ActivityOTPVerify,
			TargetEntity: setting.RegisteredIdentifier,
			Result:       "failure",
		})
		writeError(w, r, err)
		return
	}

	verified, err := h.registry.MarkVerified(ctx, userID, setting.Channel)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.record(r, domain.ActivityEntry{
		UserID:       userID,
		Action:       domain.ActivityOTPVerify,
		TargetEntity: verified.RegisteredIdentifier,
		EntityType:   verified.Channel.EntityType(),
		Result:       "success",
	})
	writeJSON(w, http.StatusOK, verified)
}

// ResetCodeRequest is the body of POST /auth/reset-code.
type ResetCodeRequest struct {
	Email string `json:"email"`
}

// SendResetCode handles POST /auth/reset-code.
func (h *Handler) SendResetCode(w http.ResponseWriter, r *http.Request) {
	var req ResetCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	issued, err := h.otp.Generate(r.Context(), req.Email, domain.PurposePasswordReset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.codes.SendCode(r.Context(), req.Email, domain.PurposePasswordReset, issued.Code, issued.ExpiresAt); err != nil {
		h.revokeCode(r.Context(), req.Email, domain.PurposePasswordReset)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OTPResponse{SentTo: req.Email, ExpiresAt: issued.ExpiresAt})
}

// VerifyResetCode handles POST /auth/reset-code/verify.
func (h *Handler) VerifyResetCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.otp.Verify(r.Context(), req.Email, domain.PurposePasswordReset, req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func channelParam(r *http.Request) domain.Channel {
	return domain.Channel(chi.URLParam(r, "channel"))
}

// channelSubject keys a verification code to the user and the identifier it
// proves, so re-registering a new identifier orphans the old code.
func channelSubject(userID string, setting *domain.ProtectionSetting) string {
	return userID + "|" + string(setting.Channel) + "|" + setting.RegisteredIdentifier
}

// revokeCode cancels a code that never reached the user so the cooldown
// does not block an immediate resend.
func (h *Handler) revokeCode(ctx context.Context, subject string, purpose domain.OTPPurpose) {
	if err := h.otp.Invalidate(context.WithoutCancel(ctx), subject, purpose); err != nil {
		slog.Warn("failed to revoke undelivered code",
			"purpose", purpose,
			"error", err,
		)
	}
}
