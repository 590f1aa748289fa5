package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hibiki-ai/hibiki/internal/model"
)

const (
	// maxAnalysisInputs caps how many summaries feed one analysis. Beyond
	// this the prompt would blow the context window anyway; the most recent
	// conversations in scope win.
	maxAnalysisInputs = 500

	llmTimeout = 60 * time.Second
)

// summaryLister is the slice of storage the orchestrator reads.
type summaryLister interface {
	ListSummariesInScope(ctx context.Context, scope model.AnalysisScope, limit int) ([]model.SummaryRow, error)
}

// chatClient abstracts the OpenAI chat API for testing.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Orchestrator runs analyses: gather summaries in scope, ask the model, and
// normalize whatever shape it answers with into the fixed result schema. When
// the model is unreachable or returns garbage, a lexicon-based fallback
// produces a result tagged Degraded instead of failing the request.
type Orchestrator struct {
	store  summaryLister
	llm    chatClient
	cache  *Cache
	model  string
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. llm may be nil, in which case
// every analysis uses the lexicon fallback.
func NewOrchestrator(store summaryLister, llm chatClient, cache *Cache, chatModel string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		llm:    llm,
		cache:  cache,
		model:  chatModel,
		logger: logger,
	}
}

// ModelVersion identifies the analysis model for cache fingerprinting.
// Changing the chat model invalidates every cached analysis by construction.
func (o *Orchestrator) ModelVersion() string {
	if o.llm == nil {
		return "lexicon"
	}
	return o.model
}

// Analyze returns the analysis for the scope, computing it if not cached.
func (o *Orchestrator) Analyze(ctx context.Context, scope model.AnalysisScope) (*model.AnalysisResult, error) {
	if !model.ValidAnalysisKind(scope.Kind) {
		return nil, fmt.Errorf("analysis: unknown kind %q", scope.Kind)
	}

	res, cached, err := o.cache.GetOrCompute(ctx, scope, o.ModelVersion(), func(ctx context.Context) (*model.AnalysisResult, error) {
		return o.compute(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		o.logger.Debug("analysis served from cache", "kind", scope.Kind)
	}
	return res, nil
}

// InvalidateCovering exposes the cache's invalidation hook for the sync
// engine.
func (o *Orchestrator) InvalidateCovering(ctx context.Context, agentID string, ts time.Time) error {
	return o.cache.InvalidateCovering(ctx, agentID, ts)
}

func (o *Orchestrator) compute(ctx context.Context, scope model.AnalysisScope) (*model.AnalysisResult, error) {
	rows, err := o.store.ListSummariesInScope(ctx, scope, maxAnalysisInputs)
	if err != nil {
		return nil, fmt.Errorf("analysis: load summaries: %w", err)
	}

	result := &model.AnalysisResult{
		Kind:         scope.Kind,
		GeneratedAt:  time.Now().UTC(),
		SourceCount:  len(rows),
		ModelVersion: o.ModelVersion(),
	}

	// An empty scope is a valid answer, not a failure.
	if len(rows) == 0 {
		result.Items = []model.AnalysisItem{}
		return result, nil
	}

	if o.llm == nil {
		result.Items = lexiconItems(scope.Kind, rows)
		result.Degraded = true
		return result, nil
	}

	items, err := o.askModel(ctx, scope.Kind, rows)
	if err != nil && transientLLMError(err) && ctx.Err() == nil {
		// Rate limits and server hiccups often clear immediately; one more
		// try before settling for the lexicon.
		o.logger.Warn("analysis model call failed, retrying once", "kind", scope.Kind, "error", err)
		items, err = o.askModel(ctx, scope.Kind, rows)
	}
	if err != nil {
		o.logger.Warn("analysis falling back to lexicon", "kind", scope.Kind, "error", err)
		result.Items = lexiconItems(scope.Kind, rows)
		result.Degraded = true
		return result, nil
	}

	result.Items = items
	return result, nil
}

// transientLLMError separates failures worth retrying (rate limits, server
// errors, timeouts) from permanent ones (bad request, auth) that a retry
// cannot fix.
func transientLLMError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// askModel sends the summaries to the chat model and parses its answer.
func (o *Orchestrator) askModel(ctx context.Context, kind model.AnalysisKind, rows []model.SummaryRow) ([]model.AnalysisItem, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(kind)},
			{Role: openai.ChatMessageRoleUser, Content: buildCorpus(rows)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis: chat completion returned no choices")
	}

	items, err := parseItems(kind, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("analysis: parse model output: %w", err)
	}
	return items, nil
}

// systemPrompt describes the task and the exact JSON shape expected back.
// The normalizer tolerates deviations, but a precise ask keeps them rare.
func systemPrompt(kind model.AnalysisKind) string {
	var task string
	switch kind {
	case model.KindSentimentOverTime:
		task = `For each calendar day present in the input, report the dominant customer sentiment.
Respond with a JSON array of objects: {"date":"YYYY-MM-DD","sentiment":"positive|neutral|negative","score":<-1..1>,"count":<conversations that day>}.`
	case model.KindThemes:
		task = `Identify the recurring themes customers raised.
Respond with a JSON array of objects: {"label":"<short theme name>","count":<conversations mentioning it>}, most frequent first, at most 15 themes.`
	case model.KindThemeSentiment:
		task = `Identify the recurring themes customers raised and the sentiment attached to each.
Respond with a JSON array of objects: {"label":"<short theme name>","sentiment":"positive|neutral|negative","score":<-1..1>,"count":<conversations>}, most frequent first, at most 15 themes.`
	case model.KindAggregateSentiment:
		task = `Judge the overall customer sentiment across all conversations.
Respond with a JSON array containing one object: {"sentiment":"positive|neutral|negative","score":<-1..1>,"count":<total conversations>}.`
	}
	return "You analyze summaries of customer conversations with a voice agent.\n" +
		task + "\nRespond with JSON only, no prose."
}

// buildCorpus renders the summaries as the user message, one line each,
// prefixed with the conversation date when known.
func buildCorpus(rows []model.SummaryRow) string {
	var b strings.Builder
	for _, r := range rows {
		if r.StartedAt != nil {
			b.WriteString(r.StartedAt.UTC().Format("2006-01-02"))
			b.WriteString(" ")
		}
		b.WriteString(strings.ReplaceAll(r.Summary, "\n", " "))
		b.WriteString("\n")
	}
	return b.String()
}
