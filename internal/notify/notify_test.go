package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

func testNote() domain.AlertNotification {
	return domain.AlertNotification{
		Type:   domain.NotificationFraudAlert,
		UserID: "user-1",
		Alert: domain.PendingAlert{
			ID:         "alert-1",
			Channel:    domain.ChannelCall,
			FromEntity: "9876543210",
			RiskLevel:  domain.RiskHigh,
			RiskScore:  12,
			Message:    domain.RiskHigh.Message(),
			Category:   domain.CategoryPhishing,
			CreatedAt:  time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestWebhookMailer(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var received webhookPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
			}
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		res := NewWebhookMailer(srv.URL, time.Second).Send(context.Background(), "asha@example.com", testNote())
		if !res.Sent || res.Err != nil {
			t.Fatalf("expected sent, got %+v", res)
		}
		if received.To != "asha@example.com" || received.Alert == nil || received.Alert.ID != "alert-1" {
			t.Errorf("unexpected payload: %+v", received)
		}
		if !strings.Contains(received.Subject, "HIGH_RISK") || !strings.Contains(received.Text, "Phishing") {
			t.Errorf("unexpected rendering: %q / %q", received.Subject, received.Text)
		}
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		res := NewWebhookMailer(srv.URL, time.Second).Send(context.Background(), "asha@example.com", testNote())
		if res.Sent || res.Err == nil {
			t.Errorf("expected failure, got %+v", res)
		}
	})

	t.Run("MissingAddress", func(t *testing.T) {
		res := NewWebhookMailer("http://127.0.0.1:1", time.Second).Send(context.Background(), "", testNote())
		if res.Err == nil {
			t.Error("expected error for missing address")
		}
	})
}

func TestWebhookSendCode(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	expires := time.Date(2025, 6, 30, 12, 10, 0, 0, time.UTC)
	err := NewWebhookMailer(srv.URL, time.Second).SendCode(context.Background(), "asha@example.com", domain.PurposePasswordReset, "042917", expires)
	if err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	if !strings.Contains(received.Text, "042917") || !strings.Contains(received.Text, "12:10") {
		t.Errorf("unexpected text %q", received.Text)
	}
	if received.Subject != "[CrowdGuard] Password reset code" || received.Alert != nil {
		t.Errorf("unexpected payload %+v", received)
	}
}

func TestLogMailer(t *testing.T) {
	res := NewLogMailer().Send(context.Background(), "asha@example.com", testNote())
	if !res.Sent {
		t.Errorf("expected sent, got %+v", res)
	}
	if err := NewLogMailer().SendCode(context.Background(), "", domain.PurposeChannelVerification, "123456", time.Now()); err == nil {
		t.Error("expected error for missing address")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.NotifyConfig
		wantErr bool
	}{
		{"Default", domain.NotifyConfig{}, false},
		{"Log", domain.NotifyConfig{Type: "log"}, false},
		{"Webhook", domain.NotifyConfig{Type: "webhook", WebhookURL: "http://relay.local/mail"}, false},
		{"WebhookMissingURL", domain.NotifyConfig{Type: "webhook"}, true},
		{"Unsupported", domain.NotifyConfig{Type: "pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
