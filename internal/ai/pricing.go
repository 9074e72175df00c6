package ai

// modelRate is the price in cents per million tokens.
type modelRate struct {
	InputPerM  int64
	OutputPerM int64
}

// Rates for commonly routed models. Unknown models bill at the default
// rate so cost never silently reads as zero.
var modelRates = map[string]modelRate{
	"gpt-4o":           {InputPerM: 250, OutputPerM: 1000},
	"gpt-4o-mini":      {InputPerM: 15, OutputPerM: 60},
	"gpt-4.1":          {InputPerM: 200, OutputPerM: 800},
	"claude-sonnet-4":  {InputPerM: 300, OutputPerM: 1500},
	"claude-haiku-3-5": {InputPerM: 80, OutputPerM: 400},
}

var defaultRate = modelRate{InputPerM: 100, OutputPerM: 400}

// CostCents computes the billing cost of a completion in cents,
// rounding up so fractional usage is never free.
func CostCents(model string, inputTokens, outputTokens int64) int64 {
	rate, ok := modelRates[model]
	if !ok {
		rate = defaultRate
	}
	const million = 1_000_000
	cost := (inputTokens*rate.InputPerM + outputTokens*rate.OutputPerM + million - 1) / million
	if cost < 0 {
		return 0
	}
	return cost
}
