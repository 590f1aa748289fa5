package analysis

import (
	"sort"
	"strings"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// The lexicon fallback produces rough but honest analytics when the chat
// model is unavailable. Results built here are always tagged Degraded.

var positiveWords = map[string]bool{
	"resolved": true, "thanks": true, "thank": true, "great": true, "happy": true,
	"helpful": true, "satisfied": true, "solved": true, "easy": true, "pleased": true,
	"excellent": true, "success": true, "successfully": true, "good": true,
}

var negativeWords = map[string]bool{
	"angry": true, "frustrated": true, "unresolved": true, "failed": true, "failure": true,
	"complaint": true, "refund": true, "cancel": true, "cancelled": true, "broken": true,
	"escalated": true, "upset": true, "confused": true, "problem": true, "issue": true,
	"unhappy": true, "wrong": true, "error": true,
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"was": true, "were": true, "is": true, "are": true, "be": true, "been": true,
	"caller": true, "customer": true, "agent": true, "about": true, "their": true,
	"they": true, "that": true, "this": true, "asked": true, "wanted": true,
	"call": true, "called": true, "not": true, "had": true, "has": true, "have": true,
}

// lexiconItems computes fallback analytics from word counts.
func lexiconItems(kind model.AnalysisKind, rows []model.SummaryRow) []model.AnalysisItem {
	switch kind {
	case model.KindAggregateSentiment:
		label, score := sentimentOf(joinSummaries(rows))
		return []model.AnalysisItem{{Sentiment: label, Score: score, Count: len(rows)}}

	case model.KindSentimentOverTime:
		return sentimentByDay(rows)

	case model.KindThemes:
		return topThemes(rows, false)

	case model.KindThemeSentiment:
		return topThemes(rows, true)
	}
	return nil
}

// sentimentOf scores text by positive/negative word balance. Score is in
// [-1, 1]; the label flips at ±0.1 to keep weak signals neutral.
func sentimentOf(text string) (string, float64) {
	pos, neg := 0, 0
	for _, w := range tokenize(text) {
		if positiveWords[w] {
			pos++
		} else if negativeWords[w] {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return "neutral", 0
	}
	score := float64(pos-neg) / float64(total)
	switch {
	case score > 0.1:
		return "positive", score
	case score < -0.1:
		return "negative", score
	default:
		return "neutral", score
	}
}

func sentimentByDay(rows []model.SummaryRow) []model.AnalysisItem {
	type bucket struct {
		texts []string
		count int
	}
	days := make(map[string]*bucket)
	for _, r := range rows {
		if r.StartedAt == nil {
			continue
		}
		day := r.StartedAt.UTC().Format("2006-01-02")
		b := days[day]
		if b == nil {
			b = &bucket{}
			days[day] = b
		}
		b.texts = append(b.texts, r.Summary)
		b.count++
	}

	items := make([]model.AnalysisItem, 0, len(days))
	for day, b := range days {
		label, score := sentimentOf(strings.Join(b.texts, " "))
		items = append(items, model.AnalysisItem{
			Date:      day,
			Sentiment: label,
			Score:     score,
			Count:     b.count,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date < items[j].Date })
	return items
}

const maxLexiconThemes = 10

// topThemes ranks non-stopword tokens by how many conversations mention them.
func topThemes(rows []model.SummaryRow, withSentiment bool) []model.AnalysisItem {
	mentions := make(map[string]int)
	byWord := make(map[string][]string)
	for _, r := range rows {
		seen := make(map[string]bool)
		for _, w := range tokenize(r.Summary) {
			if stopWords[w] || len(w) < 4 || seen[w] {
				continue
			}
			seen[w] = true
			mentions[w]++
			byWord[w] = append(byWord[w], r.Summary)
		}
	}

	words := make([]string, 0, len(mentions))
	for w := range mentions {
		if mentions[w] > 1 || len(rows) == 1 {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if mentions[words[i]] != mentions[words[j]] {
			return mentions[words[i]] > mentions[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > maxLexiconThemes {
		words = words[:maxLexiconThemes]
	}

	items := make([]model.AnalysisItem, 0, len(words))
	for _, w := range words {
		item := model.AnalysisItem{Label: w, Count: mentions[w]}
		if withSentiment {
			item.Sentiment, item.Score = sentimentOf(strings.Join(byWord[w], " "))
		}
		items = append(items, item)
	}
	return items
}

func joinSummaries(rows []model.SummaryRow) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = r.Summary
	}
	return strings.Join(parts, " ")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
