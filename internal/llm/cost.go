package llm

import "strings"

// Per-million-token rates in EUR, used only for the rolling cost alert.
// Estimates are deliberately coarse; the alert fires on accumulated spend,
// not on exact billing.
type modelRate struct {
	inputEUR  float64
	outputEUR float64
}

var modelRates = map[string]modelRate{
	"gemini-2.0-flash-lite": {inputEUR: 0.07, outputEUR: 0.28},
	"gemini-2.0-flash":      {inputEUR: 0.09, outputEUR: 0.37},
	"gemini-1.5-pro":        {inputEUR: 1.15, outputEUR: 4.60},
}

var defaultRate = modelRate{inputEUR: 0.50, outputEUR: 1.50}

// EstimateTokens approximates the token count of a text. Four characters
// per token is close enough for alerting.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// EstimateCostEUR estimates the cost of one call from prompt and completion
// texts. Unknown models use a conservative default rate.
func EstimateCostEUR(model, prompt, completion string) float64 {
	rate, ok := modelRates[model]
	if !ok {
		// Version-suffixed model ids still match their family.
		for name, r := range modelRates {
			if strings.HasPrefix(model, name) {
				rate, ok = r, true
				break
			}
		}
	}
	if !ok {
		rate = defaultRate
	}
	in := float64(EstimateTokens(prompt)) / 1e6 * rate.inputEUR
	out := float64(EstimateTokens(completion)) / 1e6 * rate.outputEUR
	return in + out
}
