// Package auth resolves the optional caller identity for request
// handling. A bearer session token maps to a user id; requests without
// one proceed anonymously and are identified by client IP downstream.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Session) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Session) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

type Store interface {
	GetByToken(ctx context.Context, token string) (*Session, error)
	Create(ctx context.Context, session *Session) error
	Revoke(ctx context.Context, sessionID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware resolves the session token, if any, to a user id in the
// request context. cache may be nil, in which case every lookup hits the
// store. Requests without an Authorization header pass through
// anonymously; presented-but-invalid tokens are rejected.
func NewMiddleware(store Store, cache *redis.Client, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// Anonymous caller
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: invalid Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			session, err := lookup(ctx, store, cache, token, logger)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					http.Error(w, "Unauthorized: invalid session token", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if session.Expired(time.Now()) {
				http.Error(w, "Unauthorized: session expired", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, userIDKey, session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookup(ctx context.Context, store Store, cache *redis.Client, token string, logger *zap.Logger) (*Session, error) {
	var cacheKey string
	if cache != nil {
		cacheKey = fmt.Sprintf("auth:session:%s", HashToken(token))

		var session Session
		err := cache.Get(ctx, cacheKey).Scan(&session)
		if err == nil {
			return &session, nil
		}
		if err != redis.Nil {
			logger.Warn("auth cache lookup failed", zap.Error(err))
		}
	}

	session, err := store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		// Cache the result for 5 minutes
		_ = cache.Set(ctx, cacheKey, session, 5*time.Minute).Err()
	}

	return session, nil
}

func HashToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
