package direct

import (
	"math"

	"github.com/lmbridge/lmbridge/common/config"
)

// CostInfo is the computed spend of one direct-upstream call.
type CostInfo struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
}

// CalculateCost prices a call from the binding's per-unit rates. A nil
// pricing block yields nil.
func CalculateCost(inputTokens, outputTokens int, p *config.Pricing) *CostInfo {
	if p == nil {
		return nil
	}
	unit := p.Unit
	if unit <= 0 {
		unit = 1_000_000
	}
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	inputCost := float64(inputTokens) / unit * p.Input
	outputCost := float64(outputTokens) / unit * p.Output
	return &CostInfo{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		InputCost:    round6(inputCost),
		OutputCost:   round6(outputCost),
		TotalCost:    round6(inputCost + outputCost),
		Currency:     currency,
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
