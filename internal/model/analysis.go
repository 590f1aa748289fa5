package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AnalysisKind selects which analytic the orchestrator runs.
type AnalysisKind string

const (
	KindSentimentOverTime  AnalysisKind = "sentiment_over_time"
	KindThemes             AnalysisKind = "themes"
	KindThemeSentiment     AnalysisKind = "theme_sentiment"
	KindAggregateSentiment AnalysisKind = "aggregate_sentiment"
)

// ValidAnalysisKind reports whether k is a supported analysis kind.
func ValidAnalysisKind(k AnalysisKind) bool {
	switch k {
	case KindSentimentOverTime, KindThemes, KindThemeSentiment, KindAggregateSentiment:
		return true
	}
	return false
}

// AnalysisScope identifies the slice of the corpus an analysis covers.
// Together with the kind and model version it determines the cache fingerprint.
type AnalysisScope struct {
	Kind      AnalysisKind `json:"kind"`
	StartDate *time.Time   `json:"start_date,omitempty"`
	EndDate   *time.Time   `json:"end_date,omitempty"`
	AgentID   string       `json:"agent_id,omitempty"`
}

// Fingerprint returns the deterministic cache key for this scope under the
// given model version. Dates participate at day granularity in UTC so two
// requests for the same calendar range share an entry.
func (s AnalysisScope) Fingerprint(modelVersion string) string {
	canon := fmt.Sprintf("%s|%s|%s|%s|%s",
		s.Kind, dayString(s.StartDate), dayString(s.EndDate), s.AgentID, modelVersion)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

func dayString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// Covers reports whether a conversation started at ts under agentID falls
// inside this scope. An empty agent filter covers every agent; a nil bound
// is open-ended. Used for eager cache invalidation after sync.
func (s AnalysisScope) Covers(agentID string, ts time.Time) bool {
	if s.AgentID != "" && s.AgentID != agentID {
		return false
	}
	if s.StartDate != nil && ts.Before(*s.StartDate) {
		return false
	}
	if s.EndDate != nil && ts.After(*s.EndDate) {
		return false
	}
	return true
}

// AnalysisItem is one normalized finding. Which fields are meaningful depends
// on the kind: sentiment_over_time fills Date/Sentiment/Score, themes fills
// Label/Count, theme_sentiment fills Label/Sentiment/Score/Count, and
// aggregate_sentiment fills Sentiment/Score/Count.
type AnalysisItem struct {
	Label     string  `json:"label,omitempty"`
	Date      string  `json:"date,omitempty"`
	Sentiment string  `json:"sentiment,omitempty"`
	Score     float64 `json:"score"`
	Count     int     `json:"count,omitempty"`
}

// AnalysisResult is the fixed output schema every analysis kind normalizes
// into, regardless of the shape the model returned.
type AnalysisResult struct {
	Kind         AnalysisKind   `json:"kind"`
	Items        []AnalysisItem `json:"items"`
	GeneratedAt  time.Time      `json:"generated_at"`
	SourceCount  int            `json:"source_count"`
	Degraded     bool           `json:"degraded"`
	ModelVersion string         `json:"model_version"`
}
