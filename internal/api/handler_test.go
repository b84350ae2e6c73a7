package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/slidepilot/usagegate/internal/auth"
	"github.com/slidepilot/usagegate/internal/cost"
	"github.com/slidepilot/usagegate/internal/ratelimit"
	"github.com/slidepilot/usagegate/internal/usagelog"
)

// Mock Ledger Store
type mockLedger struct {
	appended  []*usagelog.Record
	appendErr error
	listFunc  func(ctx context.Context, userID string, from, to time.Time) ([]*usagelog.Record, error)
	totalFunc func(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

func (m *mockLedger) Append(ctx context.Context, rec *usagelog.Record) error {
	if fieldErrs := usagelog.Validate(rec); len(fieldErrs) > 0 {
		return &usagelog.ValidationError{Fields: fieldErrs}
	}
	if m.appendErr != nil {
		return m.appendErr
	}
	rec.ID = "log-1"
	rec.CreatedAt = time.Now()
	m.appended = append(m.appended, rec)
	return nil
}

func (m *mockLedger) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*usagelog.Record, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID, from, to)
	}
	return nil, nil
}

func (m *mockLedger) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	if m.totalFunc != nil {
		return m.totalFunc(ctx, userID, from, to)
	}
	return 0, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	res ratelimit.StoreResult
	err error
}

func (m *mockLimiterStore) Take(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.StoreResult, error) {
	return m.res, m.err
}

func setupTest(limiterStore ratelimit.Store) (*Handler, *mockLedger) {
	ledger := &mockLedger{}
	var limiter *ratelimit.Limiter
	if limiterStore != nil {
		limiter = ratelimit.New(limiterStore, 30, time.Minute, zap.NewNop())
	} else {
		limiter = ratelimit.NewDisabled(zap.NewNop())
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	pricing := cost.Pricing{InputTokenUSD: 0.000002}

	return NewHandler(ledger, limiter, pricing, 150, tracer, zap.NewNop()), ledger
}

func validBody() []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"operation":    "image_generation",
		"model":        "gemini-3-pro-image-preview",
		"inputTokens":  2000,
		"outputTokens": 0,
		"costUsd":      0.134,
		"costJpy":      20.1,
		"exchangeRate": 150,
	})
	return b
}

func TestHandleAppendUsage_Created(t *testing.T) {
	h, ledger := setupTest(&mockLimiterStore{res: ratelimit.StoreResult{Allowed: true, Remaining: 29, Reset: time.Now().Add(time.Minute).UnixMilli()}})
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(validBody()))
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(ledger.appended) != 1 {
		t.Fatalf("Expected 1 appended record, got %d", len(ledger.appended))
	}
	rec := ledger.appended[0]
	if rec.UserID == nil || *rec.UserID != "user-1" {
		t.Errorf("Expected record attributed to user-1, got %v", rec.UserID)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "29" {
		t.Errorf("Expected rate limit headers, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestHandleAppendUsage_AnonymousAllowed(t *testing.T) {
	h, ledger := setupTest(nil)
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(validBody()))
	req.RemoteAddr = "203.0.113.9:51234"
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ledger.appended[0].UserID != nil {
		t.Errorf("Expected anonymous record, got user %v", *ledger.appended[0].UserID)
	}
}

func TestHandleAppendUsage_RateLimited(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).UnixMilli()
	h, ledger := setupTest(&mockLimiterStore{res: ratelimit.StoreResult{Allowed: false, Reset: reset}})
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(validBody()))
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reset"] == nil {
		t.Error("Expected reset time in denial response")
	}
	if len(ledger.appended) != 0 {
		t.Error("Denied request must not reach the ledger")
	}
}

func TestHandleAppendUsage_StoreUnavailableFailsOpen(t *testing.T) {
	h, ledger := setupTest(&mockLimiterStore{err: errors.New("connection refused")})
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(validBody()))
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on limiter outage, got %d", w.Code)
	}
	if len(ledger.appended) != 1 {
		t.Error("Expected the record to be appended despite limiter outage")
	}
}

func TestHandleAppendUsage_InvalidBody(t *testing.T) {
	h, _ := setupTest(nil)
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleAppendUsage_ValidationFailure(t *testing.T) {
	h, ledger := setupTest(nil)
	body, _ := json.Marshal(map[string]interface{}{
		"operation":    "image_generation",
		"model":        "",
		"inputTokens":  -1,
		"costUsd":      0.1,
		"costJpy":      15,
		"exchangeRate": 150,
	})
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var resp struct {
		Error  string               `json:"error"`
		Fields []usagelog.FieldError `json:"fields"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "validation failed" {
		t.Errorf("Expected validation failed, got %q", resp.Error)
	}
	if len(resp.Fields) != 2 {
		t.Errorf("Expected 2 field errors, got %v", resp.Fields)
	}
	if len(ledger.appended) != 0 {
		t.Error("Rejected candidate must never be stored")
	}
}

func TestHandleAppendUsage_PersistenceFailure(t *testing.T) {
	h, ledger := setupTest(nil)
	ledger.appendErr = errors.New("storage outage")
	req := httptest.NewRequest("POST", "/api/v1/usage-logs", bytes.NewReader(validBody()))
	w := httptest.NewRecorder()

	h.HandleAppendUsage(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestHandleEstimate(t *testing.T) {
	h, _ := setupTest(nil)
	body, _ := json.Marshal(map[string]interface{}{"prompt": "背景を白に変更", "imageCount": 2})
	req := httptest.NewRequest("POST", "/api/v1/estimate", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleEstimate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Estimate   cost.Estimate `json:"estimate"`
		Message    string        `json:"message"`
		MessageJPY string        `json:"messageJpy"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Estimate.OutputCost != 0.134*2 {
		t.Errorf("Expected output cost %v, got %v", 0.134*2, resp.Estimate.OutputCost)
	}
	if resp.Estimate.TotalCost != resp.Estimate.InputCost+resp.Estimate.OutputCost {
		t.Error("Estimate total must equal input + output")
	}
	if !strings.Contains(resp.Message, "合計:") {
		t.Errorf("Expected labeled message, got %q", resp.Message)
	}
}

func TestHandleListUsage_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil)
	req := httptest.NewRequest("GET", "/api/v1/usage-logs", nil)
	w := httptest.NewRecorder()

	h.HandleListUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleListUsage(t *testing.T) {
	h, ledger := setupTest(nil)
	userID := "user-1"
	ledger.listFunc = func(ctx context.Context, uid string, from, to time.Time) ([]*usagelog.Record, error) {
		if uid != userID {
			t.Errorf("Expected query for %q, got %q", userID, uid)
		}
		return []*usagelog.Record{
			{ID: "log-1", UserID: &userID, Operation: usagelog.OperationImageGeneration, Model: "m", CostUSD: 0.134, CostJPY: 20.1, ExchangeRate: 150},
		}, nil
	}
	ledger.totalFunc = func(ctx context.Context, uid string, from, to time.Time) (float64, error) {
		return 0.134, nil
	}

	req := httptest.NewRequest("GET", "/api/v1/usage-logs", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), userID))
	w := httptest.NewRecorder()

	h.HandleListUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["totalCostUsd"] != 0.134 {
		t.Errorf("Expected total 0.134, got %v", resp["totalCostUsd"])
	}
	if resp["totalEntries"] != float64(1) {
		t.Errorf("Expected 1 entry, got %v", resp["totalEntries"])
	}
}

func TestHandleListUsage_BadDateRange(t *testing.T) {
	h, _ := setupTest(nil)
	req := httptest.NewRequest("GET", "/api/v1/usage-logs?from=yesterday", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleListUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}
