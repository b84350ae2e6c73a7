// Package cost estimates the price of a generation call before it is
// issued and formats amounts for display. Estimation is advisory: it never
// fails, it degrades to a best-effort minimum on odd input.
package cost

import (
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// charsPerToken is a heuristic, not a tokenizer. Prompts are
	// predominantly Japanese, which averages roughly two characters per
	// token on the target models.
	charsPerToken = 2

	// imageInputBaseUSD is the fixed charge for the source image supplied
	// as context on every call, independent of prompt length.
	imageInputBaseUSD = 0.0011

	// outputImageUSD is the per-image price for the supported 1K/2K
	// output resolution tier.
	outputImageUSD = 0.134
)

// Pricing carries the deployment-specific provider prices. The per-token
// input price follows the provider's price list and is configuration, not
// a constant of this package.
type Pricing struct {
	InputTokenUSD float64
}

// Estimate is a projected cost breakdown for a single generation call.
// OutputTokens is always zero under the current pricing model: image
// output is priced per unit, not per token.
type Estimate struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
}

// Estimate projects the cost of generating imageCount images from prompt.
func (p Pricing) Estimate(prompt string, imageCount int) Estimate {
	if imageCount < 0 {
		imageCount = 0
	}

	inputTokens := int(math.Ceil(float64(utf8.RuneCountInString(prompt)) / charsPerToken))
	inputCost := float64(inputTokens)*p.InputTokenUSD + imageInputBaseUSD
	outputCost := float64(imageCount) * outputImageUSD

	return Estimate{
		InputTokens:  inputTokens,
		OutputTokens: 0,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
	}
}

// FormatUSD renders a dollar amount with tiered precision: four decimals
// under a cent, three under a dollar, two otherwise.
func FormatUSD(usd float64) string {
	switch {
	case usd < 0.01:
		return fmt.Sprintf("$%.4f", usd)
	case usd < 1:
		return fmt.Sprintf("$%.3f", usd)
	default:
		return fmt.Sprintf("$%.2f", usd)
	}
}

// FormatJPY converts a dollar amount at rate and renders it with tiered
// precision: two decimals under ¥0.1, one under ¥1, whole yen otherwise.
// The conversion is plain float64 multiplication rounded at display
// precision; sub-cent amounts inherit the usual representation artifacts.
func FormatJPY(usd, rate float64) string {
	jpy := usd * rate
	switch {
	case jpy < 0.1:
		return fmt.Sprintf("¥%.2f", jpy)
	case jpy < 1:
		return fmt.Sprintf("¥%.1f", jpy)
	default:
		return fmt.Sprintf("¥%.0f", jpy)
	}
}

// Message builds the three-part display string for an estimate in USD.
func Message(e Estimate) string {
	return fmt.Sprintf("入力: %s / 出力: %s / 合計: %s",
		FormatUSD(e.InputCost), FormatUSD(e.OutputCost), FormatUSD(e.TotalCost))
}

// MessageJPY builds the three-part display string for an estimate in JPY.
func MessageJPY(e Estimate, rate float64) string {
	return fmt.Sprintf("入力: %s / 出力: %s / 合計: %s",
		FormatJPY(e.InputCost, rate), FormatJPY(e.OutputCost, rate), FormatJPY(e.TotalCost, rate))
}
