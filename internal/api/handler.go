// Package api exposes the governance operations over HTTP: advisory cost
// estimation, the gated usage-log append, and per-user usage queries.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/slidepilot/usagegate/internal/auth"
	"github.com/slidepilot/usagegate/internal/cost"
	"github.com/slidepilot/usagegate/internal/ratelimit"
	"github.com/slidepilot/usagegate/internal/usagelog"
)

type Handler struct {
	ledger     usagelog.Store
	limiter    *ratelimit.Limiter
	pricing    cost.Pricing
	usdJPYRate float64
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewHandler(ledger usagelog.Store, limiter *ratelimit.Limiter, pricing cost.Pricing, usdJPYRate float64, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:     ledger,
		limiter:    limiter,
		pricing:    pricing,
		usdJPYRate: usdJPYRate,
		tracer:     tracer,
		logger:     logger,
	}
}

type estimateRequest struct {
	Prompt     string `json:"prompt"`
	ImageCount int    `json:"imageCount"`
}

// HandleEstimate projects the cost of a prospective generation call.
// Advisory only: odd input degrades to a baseline estimate, it does not
// fail.
func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	estimate := h.pricing.Estimate(req.Prompt, req.ImageCount)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"estimate":     estimate,
		"message":      cost.Message(estimate),
		"messageJpy":   cost.MessageJPY(estimate, h.usdJPYRate),
		"exchangeRate": h.usdJPYRate,
	})
}

type appendUsageRequest struct {
	Operation    string         `json:"operation"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"inputTokens"`
	OutputTokens int            `json:"outputTokens"`
	CostUSD      float64        `json:"costUsd"`
	CostJPY      float64        `json:"costJpy"`
	ExchangeRate float64        `json:"exchangeRate"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HandleAppendUsage is the gated ledger write: admission check first,
// then validation, then a single durable append. A denied check is a
// hard deny for this attempt; an unavailable counter store admits.
func (h *Handler) HandleAppendUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	identifier := rateLimitIdentifier(userID, r)

	ctx, span := h.tracer.Start(ctx, "usage.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("identifier", identifier),
	)

	limit := h.limiter.Check(ctx, identifier)
	if !limit.Allowed() {
		span.SetAttributes(attribute.String("ratelimit.decision", limit.Decision.String()))
		retryAfter := time.Until(time.UnixMilli(limit.Reset))
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate limit exceeded, try again later",
			"limit": limit.Limit,
			"reset": limit.Reset,
		})
		return
	}
	// StoreUnavailable reaches here on purpose: the check already logged
	// the cause and the request is admitted.

	var req appendUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	rec := &usagelog.Record{
		Operation:    usagelog.Operation(req.Operation),
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostUSD:      req.CostUSD,
		CostJPY:      req.CostJPY,
		ExchangeRate: req.ExchangeRate,
		Metadata:     req.Metadata,
	}
	if userID != "" {
		rec.UserID = &userID
	}
	span.SetAttributes(
		attribute.String("operation", req.Operation),
		attribute.String("model", req.Model),
	)

	if err := h.ledger.Append(ctx, rec); err != nil {
		var verr *usagelog.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return
		}
		h.logger.Error("usage log append failed",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist usage log"})
		return
	}

	if limit.Decision == ratelimit.Admitted && limit.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limit.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", limit.Reset))
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleListUsage returns the caller's ledger entries and total cost over
// an RFC3339 range, defaulting to the last 30 days.
func (h *Handler) HandleListUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.ledger.ListByUser(ctx, userID, from, to)
	if err != nil {
		h.logger.Error("usage log query failed", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query usage logs"})
		return
	}

	totalCost, err := h.ledger.TotalCostByUser(ctx, userID, from, to)
	if err != nil {
		h.logger.Error("usage cost query failed", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query usage logs"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":       userID,
		"totalEntries": len(records),
		"totalCostUsd": totalCost,
		"logs":         records,
		"from":         from,
		"to":           to,
	})
}

// rateLimitIdentifier buckets authenticated callers by user id and
// anonymous callers by client IP.
func rateLimitIdentifier(userID string, r *http.Request) string {
	if userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP middleware leaves a bare address without a port
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
