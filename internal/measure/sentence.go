package measure

import (
	"encoding/json"
	"strings"

	"streamq/internal/pathexpr"
)

const sentenceMarks = "。？！，；：、”,.!?;:"

// FirstSentenceCost returns the time from the start of the exchange until the
// first response whose extracted text contains sentence punctuation arrived.
// arrivals holds one entry per response, countable or not. Responses may carry
// an SSE "data:" prefix. Without any such response the arrival of the last
// response is returned.
func FirstSentenceCost(responses []string, arrivals []float64, expr *pathexpr.Expr) float64 {
	if len(responses) == 0 || len(arrivals) == 0 {
		return 0
	}
	for i, raw := range responses {
		var doc any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(raw), "data:")), &doc); err != nil {
			continue
		}
		text, ok := expr.Join(doc)
		if !ok || !strings.ContainsAny(text, sentenceMarks) {
			continue
		}
		if i >= len(arrivals) {
			break
		}
		return arrivals[i]
	}
	return arrivals[len(arrivals)-1]
}
