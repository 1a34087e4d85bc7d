package normalize

import (
	"strings"

	"github.com/sells-group/pricewatch/internal/model"
)

// Extraction methods recorded in evidence.
const (
	ExtractSelector = "selector"
	ExtractText     = "text"
	ExtractLLM      = "llm"
	ExtractVision   = "vision"
	ExtractManual   = "manual"
)

var confidenceByExtraction = map[string]float64{
	ExtractManual:   0.95,
	ExtractSelector: 0.90,
	"structured":    0.90,
	"json-ld":       0.90,
	ExtractText:     0.70,
	ExtractLLM:      0.70,
	ExtractVision:   0.60,
}

var extractionByMethod = map[model.ScrapingMethod]string{
	model.MethodPlaywright: ExtractSelector,
	model.MethodFirecrawl:  ExtractText,
	model.MethodVision:     ExtractVision,
	model.MethodManual:     ExtractManual,
}

const defaultConfidence = 0.5

// Confidence returns the static confidence for evidence. It is a lookup,
// not a statistic.
func Confidence(ev *model.Evidence) float64 {
	if ev == nil {
		return defaultConfidence
	}
	key := strings.ToLower(strings.TrimSpace(ev.ExtractionMethod))
	if key == "" {
		key = extractionByMethod[ev.Method]
	}
	if c, ok := confidenceByExtraction[key]; ok {
		return c
	}
	return defaultConfidence
}
