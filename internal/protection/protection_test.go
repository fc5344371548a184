package protection

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/repository"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "protection-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	now := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	return NewRegistry(repo, domain.ClockFunc(func() time.Time { return now }))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("CanonicalizesAndDefaults", func(t *testing.T) {
		reg := newTestRegistry(t)

		setting, err := reg.Register(ctx, "user-1", ProtectionRequest{
			Channel:    "CALL",
			Identifier: "+91 (987) 654-3210",
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if setting.RegisteredIdentifier != "919876543210" {
			t.Errorf("expected canonical identifier, got %s", setting.RegisteredIdentifier)
		}
		if setting.AlertMode != domain.AlertPopup {
			t.Errorf("expected default popup mode, got %s", setting.AlertMode)
		}
		if !setting.Enabled || setting.ActivatedAt == nil {
			t.Error("expected enabled setting with activation time")
		}
	})

	t.Run("Validation", func(t *testing.T) {
		reg := newTestRegistry(t)

		cases := []ProtectionRequest{
			{Channel: "fax", Identifier: "9876543210"},
			{Channel: domain.ChannelSMS, Identifier: " () "},
			{Channel: domain.ChannelSMS, Identifier: "9876543210", AlertMode: "vibrate"},
		}
		for _, req := range cases {
			if _, err := reg.Register(ctx, "user-1", req); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation for %+v, got %v", req, err)
			}
		}
		if _, err := reg.Register(ctx, "", ProtectionRequest{Channel: domain.ChannelSMS, Identifier: "1"}); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation for empty user, got %v", err)
		}
	})

	t.Run("IdentifierChangeClearsVerification", func(t *testing.T) {
		reg := newTestRegistry(t)

		_, _ = reg.Register(ctx, "user-1", ProtectionRequest{Channel: domain.ChannelSMS, Identifier: "9876543210"})
		if _, err := reg.MarkVerified(ctx, "user-1", domain.ChannelSMS); err != nil {
			t.Fatalf("MarkVerified failed: %v", err)
		}

		same, _ := reg.Register(ctx, "user-1", ProtectionRequest{Channel: domain.ChannelSMS, Identifier: "98765-43210", AlertMode: domain.AlertSilent})
		if !same.Verified {
			t.Error("expected verification to survive re-registering the same identifier")
		}

		changed, _ := reg.Register(ctx, "user-1", ProtectionRequest{Channel: domain.ChannelSMS, Identifier: "1112223333"})
		if changed.Verified || changed.VerifiedAt != nil {
			t.Error("expected verification to be cleared for a new identifier")
		}
	})
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	_, _ = reg.Register(ctx, "user-1", ProtectionRequest{Channel: domain.ChannelEmail, Identifier: "Me@Example.com", AlertMode: domain.AlertBlock})

	settings, err := reg.Settings(ctx, "user-1")
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if len(settings) != len(domain.Channels) {
		t.Fatalf("expected one setting per channel, got %d", len(settings))
	}
	for i, s := range settings {
		if s.Channel != domain.Channels[i] {
			t.Errorf("expected channel %s at %d, got %s", domain.Channels[i], i, s.Channel)
		}
		if s.AlertMode == "" {
			t.Errorf("expected defaulted alert mode on %s", s.Channel)
		}
		if s.Channel == domain.ChannelEmail {
			if !s.Enabled || s.RegisteredIdentifier != "me@example.com" || s.AlertMode != domain.AlertBlock {
				t.Errorf("unexpected email setting: %+v", s)
			}
		} else if s.Enabled {
			t.Errorf("expected %s to be disabled by default", s.Channel)
		}
	}
}

func TestFindProtectedUsers(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	_, _ = reg.Register(ctx, "user-a", ProtectionRequest{Channel: domain.ChannelCall, Identifier: "9876543210"})
	_, _ = reg.Register(ctx, "user-b", ProtectionRequest{Channel: domain.ChannelCall, Identifier: "98765 43210"})
	_, _ = reg.Register(ctx, "user-c", ProtectionRequest{Channel: domain.ChannelSMS, Identifier: "9876543210"})
	_, _ = reg.Register(ctx, "user-d", ProtectionRequest{Channel: domain.ChannelCall, Identifier: "919876543210"})

	t.Run("ManyUsersOneIdentifier", func(t *testing.T) {
		users, err := reg.FindProtectedUsers(ctx, "(987) 654-3210", domain.ChannelCall)
		if err != nil {
			t.Fatalf("FindProtectedUsers failed: %v", err)
		}
		if len(users) != 2 {
			t.Errorf("expected 2 users, got %v", users)
		}
	})

	t.Run("ExactMatchOnly", func(t *testing.T) {
		users, _ := reg.FindProtectedUsers(ctx, "987654321", domain.ChannelCall)
		if len(users) != 0 {
			t.Errorf("expected no partial match, got %v", users)
		}
	})

	t.Run("DisableTakesEffectImmediately", func(t *testing.T) {
		if _, err := reg.Disable(ctx, "user-a", domain.ChannelCall); err != nil {
			t.Fatalf("Disable failed: %v", err)
		}
		users, _ := reg.FindProtectedUsers(ctx, "9876543210", domain.ChannelCall)
		if len(users) != 1 || users[0] != "user-b" {
			t.Errorf("expected only user-b, got %v", users)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := reg.FindProtectedUsers(ctx, "9876543210", "fax"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
		if _, err := reg.FindProtectedUsers(ctx, "", domain.ChannelCall); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestMarkVerifiedRequiresRegistration(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.MarkVerified(context.Background(), "user-1", domain.ChannelUPI)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
