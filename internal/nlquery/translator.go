package nlquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const translateTimeout = 30 * time.Second

// schemaPrompt is the only schema knowledge the model gets. It deliberately
// omits the embedding column; vector search has its own endpoint.
const schemaPrompt = `You translate analyst questions into a single PostgreSQL SELECT statement.

Schema:
  conversations(id, external_id, agent_id, status, started_at, ended_at,
                duration_seconds, summary, cost_units, embedding_model,
                created_at, updated_at)
    -- status is one of 'in_progress', 'completed', 'failed'
  messages(id, conversation_id, role, content, ts, sequence_index)
    -- role is 'agent' or 'user'; ts is the turn timestamp

Rules:
- Exactly one SELECT (or WITH ... SELECT) statement.
- Only the tables and columns above. No other schemas, no system catalogs.
- No comments, no semicolons, no INSERT/UPDATE/DELETE/DDL.
- Aggregate freely; prefer date_trunc for time bucketing.
- Respond with the SQL statement only, no prose, no markdown.`

// chatClient abstracts the OpenAI chat API for testing.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Translator turns a natural-language question into candidate SQL. The output
// is untrusted; it goes through Validate before anything touches the database.
type Translator struct {
	llm   chatClient
	model string
}

// NewTranslator creates a translator using the given chat model.
func NewTranslator(llm chatClient, model string) *Translator {
	return &Translator{llm: llm, model: model}
}

// Translate asks the model for SQL answering the question.
func (t *Translator) Translate(ctx context.Context, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, translateTimeout)
	defer cancel()

	resp, err := t.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: schemaPrompt},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("nlquery: translate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("nlquery: translate: no choices returned")
	}

	return stripSQLFences(resp.Choices[0].Message.Content), nil
}

// stripSQLFences removes markdown fencing the model sometimes adds despite
// instructions.
func stripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```sql")
		s = strings.TrimPrefix(s, "```")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}
