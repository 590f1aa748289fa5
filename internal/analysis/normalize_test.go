package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/model"
)

func TestParseItemsPlainArray(t *testing.T) {
	items, err := parseItems(model.KindThemes, `[{"label":"billing","count":5},{"label":"shipping","count":2}]`)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "billing", items[0].Label)
	assert.Equal(t, 5, items[0].Count)
}

func TestParseItemsCodeFenced(t *testing.T) {
	raw := "Here are the results:\n```json\n[{\"label\":\"billing\",\"count\":5}]\n```\nLet me know if you need more."
	items, err := parseItems(model.KindThemes, raw)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "billing", items[0].Label)
}

func TestParseItemsWrappedInObject(t *testing.T) {
	for _, raw := range []string{
		`{"items":[{"label":"billing","count":5}]}`,
		`{"results":[{"label":"billing","count":5}]}`,
		`{"data":[{"label":"billing","count":5}]}`,
	} {
		items, err := parseItems(model.KindThemes, raw)
		require.NoError(t, err, raw)
		require.Len(t, items, 1)
		assert.Equal(t, "billing", items[0].Label)
	}
}

func TestParseItemsSingleBareObject(t *testing.T) {
	items, err := parseItems(model.KindAggregateSentiment, `{"sentiment":"negative","score":-0.4,"count":12}`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "negative", items[0].Sentiment)
	assert.InDelta(t, -0.4, items[0].Score, 1e-9)
}

func TestParseItemsAlternateFieldNames(t *testing.T) {
	items, err := parseItems(model.KindThemeSentiment,
		`[{"theme":"refunds","tone":"Negative","value":"-0.7","mentions":"4"}]`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "refunds", items[0].Label)
	assert.Equal(t, "negative", items[0].Sentiment)
	assert.InDelta(t, -0.7, items[0].Score, 1e-9)
	assert.Equal(t, 4, items[0].Count)
}

func TestParseItemsNormalizesDates(t *testing.T) {
	items, err := parseItems(model.KindSentimentOverTime,
		`[{"date":"2026/01/05","sentiment":"positive","score":0.5,"count":3}]`)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-05", items[0].Date)
}

func TestParseItemsUnknownSentimentBecomesNeutral(t *testing.T) {
	items, err := parseItems(model.KindAggregateSentiment, `[{"sentiment":"ambivalent","count":1}]`)
	require.NoError(t, err)
	assert.Equal(t, "neutral", items[0].Sentiment)
}

func TestParseItemsRejectsProse(t *testing.T) {
	_, err := parseItems(model.KindThemes, `The customers mostly complained about billing.`)
	require.Error(t, err)
}

func TestParseItemsRejectsEmptyArray(t *testing.T) {
	_, err := parseItems(model.KindThemes, `[]`)
	require.Error(t, err)
}

func TestLexiconSentiment(t *testing.T) {
	label, score := sentimentOf("caller was happy, issue resolved, thanks")
	assert.Equal(t, "positive", label)
	assert.Greater(t, score, 0.0)

	label, _ = sentimentOf("angry caller, unresolved complaint, refund demanded")
	assert.Equal(t, "negative", label)

	label, score = sentimentOf("caller asked for store opening hours")
	assert.Equal(t, "neutral", label)
	assert.Zero(t, score)
}

func TestLexiconThemes(t *testing.T) {
	rows := summaryRows()
	items := lexiconItems(model.KindThemes, rows)
	require.NotEmpty(t, items)
	assert.Equal(t, "billing", items[0].Label)
	assert.Equal(t, 2, items[0].Count)
}

func TestLexiconSentimentOverTimeGroupsByDay(t *testing.T) {
	items := lexiconItems(model.KindSentimentOverTime, summaryRows())
	require.Len(t, items, 2)
	assert.Equal(t, "2026-01-05", items[0].Date)
	assert.Equal(t, "2026-01-06", items[1].Date)
	assert.Equal(t, 1, items[0].Count)
}
