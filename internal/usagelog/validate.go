package usagelog

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxModelChars    = 100
	maxTokens        = 10_000_000
	maxCostUSD       = 1000
	maxCostJPY       = 150_000
	maxExchangeRate  = 500
	maxMetadataBytes = 10 * 1024
)

// FieldError names one violated constraint on one field.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Constraint)
}

// ValidationError carries every constraint a candidate record violated.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "invalid usage record: " + strings.Join(msgs, "; ")
}

// Validate checks a candidate record against the ledger constraints and
// reports every violation, not just the first. It is side-effect-free;
// a nil return means the record may be appended. All-zero tokens and
// costs are valid: a free or degenerate operation is still auditable.
func Validate(r *Record) []FieldError {
	var errs []FieldError

	switch r.Operation {
	case OperationSlideAnalysis, OperationImageGeneration:
	default:
		errs = append(errs, FieldError{"operation", `must be "slide_analysis" or "image_generation"`})
	}

	if r.Model == "" {
		errs = append(errs, FieldError{"model", "must not be empty"})
	} else if utf8.RuneCountInString(r.Model) > maxModelChars {
		errs = append(errs, FieldError{"model", fmt.Sprintf("must be at most %d characters", maxModelChars)})
	}

	if r.InputTokens < 0 {
		errs = append(errs, FieldError{"inputTokens", "must not be negative"})
	} else if r.InputTokens > maxTokens {
		errs = append(errs, FieldError{"inputTokens", fmt.Sprintf("must be at most %d", maxTokens)})
	}

	if r.OutputTokens < 0 {
		errs = append(errs, FieldError{"outputTokens", "must not be negative"})
	} else if r.OutputTokens > maxTokens {
		errs = append(errs, FieldError{"outputTokens", fmt.Sprintf("must be at most %d", maxTokens)})
	}

	if r.CostUSD < 0 {
		errs = append(errs, FieldError{"costUsd", "must not be negative"})
	} else if r.CostUSD > maxCostUSD {
		errs = append(errs, FieldError{"costUsd", fmt.Sprintf("must be at most %d", maxCostUSD)})
	}

	if r.CostJPY < 0 {
		errs = append(errs, FieldError{"costJpy", "must not be negative"})
	} else if r.CostJPY > maxCostJPY {
		errs = append(errs, FieldError{"costJpy", fmt.Sprintf("must be at most %d", maxCostJPY)})
	}

	if r.ExchangeRate <= 0 {
		errs = append(errs, FieldError{"exchangeRate", "must be positive"})
	} else if r.ExchangeRate > maxExchangeRate {
		errs = append(errs, FieldError{"exchangeRate", fmt.Sprintf("must be at most %d", maxExchangeRate)})
	}

	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			errs = append(errs, FieldError{"metadata", "must be JSON-serializable"})
		} else if len(b) > maxMetadataBytes {
			errs = append(errs, FieldError{"metadata", fmt.Sprintf("serialized size must be at most %d bytes", maxMetadataBytes)})
		}
	}

	return errs
}
