package seeder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/slidepilot/usagegate/internal/auth"
)

const (
	TestSessionToken = "test-session-token-12345"
	TestUserID       = "00000000-0000-0000-0000-000000000001"
)

// SeedTestSession creates a long-lived development session so local
// clients can exercise the authenticated endpoints without a login flow.
func SeedTestSession(ctx context.Context, store auth.Store, logger *zap.Logger) {
	session := &auth.Session{
		UserID:    TestUserID,
		TokenHash: auth.HashToken(TestSessionToken),
		ExpiresAt: time.Now().AddDate(1, 0, 0),
		UserAgent: "seeder",
	}

	err := store.Create(ctx, session)
	if err != nil {
		logger.Info("seeder: session may already exist, skipping", zap.Error(err))
		return
	}
	logger.Info("seeder: test session created",
		zap.String("token", TestSessionToken),
		zap.String("user_id", TestUserID),
	)
}
