// Package usagelog is the audit ledger for billed AI operations. Records
// are validated before they are written and never updated or deleted
// afterwards.
package usagelog

import (
	"context"
	"time"
)

type Operation string

const (
	OperationSlideAnalysis   Operation = "slide_analysis"
	OperationImageGeneration Operation = "image_generation"
)

// Record is one ledger entry. ID and CreatedAt are assigned by the store
// on append. UserID is nil for anonymous callers. Costs are recorded in
// both currencies together with the exchange rate in effect, so entries
// stay auditable after the rate moves.
type Record struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	UserID       *string        `json:"userId,omitempty"`
	Operation    Operation      `json:"operation"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"inputTokens"`
	OutputTokens int            `json:"outputTokens"`
	CostUSD      float64        `json:"costUsd"`
	CostJPY      float64        `json:"costJpy"`
	ExchangeRate float64        `json:"exchangeRate"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Store persists accepted records. Append assigns ID and CreatedAt on
// the passed record; there is deliberately no update or delete method.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error)
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}
