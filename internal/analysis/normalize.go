package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// parseItems turns whatever JSON the model produced into normalized items.
// Models drift: they wrap arrays in objects, fence the JSON in markdown,
// rename fields, and return numbers as strings. Everything recoverable is
// recovered; only structurally hopeless output errors out.
func parseItems(kind model.AnalysisKind, raw string) ([]model.AnalysisItem, error) {
	payload := stripFences(raw)

	var arr []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &arr); err != nil {
		// Maybe an object wrapping the array under a well-known key.
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			return nil, fmt.Errorf("not a JSON array or object: %w", err)
		}
		found := false
		for _, key := range []string{"items", "results", "data", string(kind)} {
			if inner, ok := obj[key]; ok {
				if err := json.Unmarshal(inner, &arr); err == nil {
					found = true
					break
				}
			}
		}
		if !found {
			// A single bare object (common for aggregate_sentiment).
			arr = []map[string]json.RawMessage{obj}
		}
	}

	items := make([]model.AnalysisItem, 0, len(arr))
	for _, m := range arr {
		item := model.AnalysisItem{
			Label:     firstString(m, "label", "theme", "name", "topic"),
			Date:      normalizeDate(firstString(m, "date", "day")),
			Sentiment: normalizeSentiment(firstString(m, "sentiment", "tone")),
			Score:     firstNumber(m, "score", "value", "sentiment_score"),
			Count:     int(firstNumber(m, "count", "mentions", "conversations", "total")),
		}
		if item == (model.AnalysisItem{}) {
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no usable items in model output")
	}
	return items, nil
}

// stripFences removes markdown code fences and surrounding prose, keeping the
// outermost JSON value.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)

	// Trim prose around the JSON value.
	start := strings.IndexAny(s, "[{")
	if start > 0 {
		s = s[start:]
	}
	if len(s) > 0 {
		closing := byte(']')
		if s[0] == '{' {
			closing = '}'
		}
		if end := strings.LastIndexByte(s, closing); end >= 0 {
			s = s[:end+1]
		}
	}
	return s
}

// firstString returns the first of the keys that holds a string.
func firstString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// firstNumber returns the first of the keys that holds a number, coercing
// numeric strings like "0.7".
func firstNumber(m map[string]json.RawMessage, keys ...string) float64 {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

// normalizeSentiment maps model vocabulary onto the three canonical labels.
func normalizeSentiment(s string) string {
	switch strings.ToLower(s) {
	case "positive", "pos", "good", "happy", "satisfied":
		return "positive"
	case "negative", "neg", "bad", "unhappy", "frustrated", "angry":
		return "negative"
	case "neutral", "mixed", "ok":
		return "neutral"
	case "":
		return ""
	default:
		return "neutral"
	}
}

// normalizeDate accepts YYYY-MM-DD and common variants, returning the
// canonical form or empty when unparseable.
func normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", "2006/01/02", "01/02/2006", "Jan 2, 2006", "January 2, 2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
