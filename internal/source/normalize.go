package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// ErrMissingExternalID marks a source payload that cannot be ingested at all.
var ErrMissingExternalID = errors.New("source: conversation has no external id")

// Normalize converts a raw source payload into the canonical conversation and
// its message turns. Malformed but salvageable data is repaired (duplicate
// turns dropped, durations recomputed, oversized summaries truncated) and the
// repairs logged; payloads without an external id are rejected.
func Normalize(raw RawConversation, logger *slog.Logger) (model.Conversation, []model.Message, error) {
	if strings.TrimSpace(raw.ExternalID) == "" {
		return model.Conversation{}, nil, ErrMissingExternalID
	}

	status, known := normalizeStatus(raw.Status)
	if !known {
		logger.Warn("unknown conversation status, treating as in progress",
			"external_id", raw.ExternalID, "status", raw.Status)
	}

	conv := model.Conversation{
		ExternalID:      raw.ExternalID,
		AgentID:         raw.AgentID,
		Status:          status,
		StartedAt:       raw.StartedAt,
		EndedAt:         raw.EndedAt,
		DurationSeconds: raw.DurationSeconds,
		CostUnits:       raw.CostUnits,
	}

	if raw.Summary != nil {
		s := strings.TrimSpace(*raw.Summary)
		if s != "" {
			if len(s) > model.MaxSummaryLen {
				s = truncateUTF8(s, model.MaxSummaryLen)
			}
			conv.Summary = &s
		}
	}

	// Recompute duration from timestamps when the source omits it or reports
	// something inconsistent with the call window.
	if conv.StartedAt != nil && conv.EndedAt != nil {
		span := int(conv.EndedAt.Sub(*conv.StartedAt).Seconds())
		if span >= 0 && (conv.DurationSeconds <= 0 || conv.DurationSeconds > span+1) {
			conv.DurationSeconds = span
		}
	}
	if conv.DurationSeconds < 0 {
		conv.DurationSeconds = 0
	}

	msgs, err := normalizeTurns(raw.Turns)
	if err != nil {
		return model.Conversation{}, nil, fmt.Errorf("source: conversation %s: %w", raw.ExternalID, err)
	}
	return conv, msgs, nil
}

// normalizeTurns orders turns by sequence index and drops duplicates, keeping
// the last occurrence of each index since re-delivered payloads supersede
// earlier ones.
func normalizeTurns(turns []RawTurn) ([]model.Message, error) {
	bySeq := make(map[int]RawTurn, len(turns))
	for _, t := range turns {
		if t.SequenceIndex < 0 {
			return nil, fmt.Errorf("negative sequence index %d", t.SequenceIndex)
		}
		bySeq[t.SequenceIndex] = t
	}

	indexes := make([]int, 0, len(bySeq))
	for idx := range bySeq {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	msgs := make([]model.Message, 0, len(indexes))
	for _, idx := range indexes {
		t := bySeq[idx]
		msgs = append(msgs, model.Message{
			Role:          normalizeRole(t.Role),
			Content:       t.Content,
			Timestamp:     t.Timestamp,
			SequenceIndex: idx,
		})
	}
	return msgs, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune, so the
// result stays valid UTF-8 for storage.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// normalizeStatus maps the source platform's status vocabulary onto ours.
// Unknown values become in_progress so a later re-sync can settle them; the
// second return reports whether the value was recognized.
func normalizeStatus(s string) (model.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "done", "ended", "finished":
		return model.StatusCompleted, true
	case "failed", "error", "dropped":
		return model.StatusFailed, true
	case "in_progress", "in-progress", "active", "ongoing", "":
		return model.StatusInProgress, true
	default:
		return model.StatusInProgress, false
	}
}

// normalizeRole maps speaker labels onto the two canonical roles. Anything
// that isn't clearly the agent is attributed to the user.
func normalizeRole(r string) model.Role {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "agent", "assistant", "bot", "ai":
		return model.RoleAgent
	default:
		return model.RoleUser
	}
}
