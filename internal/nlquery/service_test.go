package nlquery

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTranslator struct {
	sql string
	err error
}

func (f *fakeTranslator) Translate(_ context.Context, _ string) (string, error) {
	return f.sql, f.err
}

func newTestService(tr translator) *Service {
	return NewService(tr, nil, 500, slog.New(slog.DiscardHandler))
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	svc := newTestService(&fakeTranslator{})

	res, err := svc.Answer(context.Background(), "   ")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Rejection)
	assert.Empty(t, res.ExecutedSQL)
	assert.Empty(t, res.Rows)
}

func TestAnswerRejectsGeneratedMutation(t *testing.T) {
	svc := newTestService(&fakeTranslator{sql: "DELETE FROM conversations"})

	res, err := svc.Answer(context.Background(), "wipe everything please")
	require.NoError(t, err)

	assert.NotEmpty(t, res.Rejection)
	assert.Empty(t, res.ExecutedSQL) // nothing ran
	assert.Empty(t, res.Rows)
}

func TestAnswerRejectsUnknownTable(t *testing.T) {
	svc := newTestService(&fakeTranslator{sql: "SELECT * FROM pg_catalog.pg_tables"})

	res, err := svc.Answer(context.Background(), "list the system tables")
	require.NoError(t, err)
	assert.Contains(t, res.Rejection, "unknown identifier")
	assert.Empty(t, res.ExecutedSQL)
}

func TestAnswerTranslatorFailureIsAnError(t *testing.T) {
	svc := newTestService(&fakeTranslator{err: errors.New("model unreachable")})

	_, err := svc.Answer(context.Background(), "how many calls failed last week")
	require.Error(t, err)
}

type fakeChatForTranslate struct {
	content string
}

func (f *fakeChatForTranslate) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	// The schema prompt must accompany every question.
	if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
		return openai.ChatCompletionResponse{}, errors.New("missing system prompt")
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func TestTranslateStripsMarkdownFences(t *testing.T) {
	tr := NewTranslator(&fakeChatForTranslate{
		content: "```sql\nSELECT count(*) FROM conversations\n```",
	}, "gpt-4o-mini")

	sql, err := tr.Translate(context.Background(), "how many conversations are there")
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) FROM conversations", sql)
}

func TestTranslateEndToEndWithValidator(t *testing.T) {
	tr := NewTranslator(&fakeChatForTranslate{
		content: "SELECT agent_id, count(*) AS total FROM conversations GROUP BY agent_id",
	}, "gpt-4o-mini")

	sql, err := tr.Translate(context.Background(), "conversations per agent")
	require.NoError(t, err)

	wrapped, err := Validate(sql, 200)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM (SELECT agent_id, count(*) AS total FROM conversations GROUP BY agent_id) q LIMIT 200", wrapped)
}
