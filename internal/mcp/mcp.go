// Package mcp implements the Model Context Protocol server for Hibiki.
//
// The MCP server exposes the query side of the HTTP API (semantic search,
// analytics, natural-language queries) as tools, so MCP-compatible AI
// agents can interrogate the conversation corpus directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// searcher answers semantic search requests.
type searcher interface {
	FindSimilar(ctx context.Context, req model.SearchRequest) ([]model.SearchCandidate, error)
}

// analyzer runs analytics over the corpus.
type analyzer interface {
	Analyze(ctx context.Context, scope model.AnalysisScope) (*model.AnalysisResult, error)
}

// questionAnswerer runs natural-language queries.
type questionAnswerer interface {
	Answer(ctx context.Context, question string) (*model.NLQueryResult, error)
}

// conversationLister is the slice of storage the resources read.
type conversationLister interface {
	ListConversations(ctx context.Context, filters model.ConversationFilters, limit, offset int) ([]model.Conversation, int, error)
}

// Server wraps the MCP server with Hibiki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     conversationLister
	retrieval searcher
	analysis  analyzer
	nlquery   questionAnswerer
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// retrieval, analysis, and nlquery may be nil; the corresponding tool then
// reports that the capability is not configured instead of being hidden.
func New(store conversationLister, retrieval searcher, analysis analyzer, nlquery questionAnswerer, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:     store,
		retrieval: retrieval,
		analysis:  analysis,
		nlquery:   nlquery,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hibiki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// hibiki://conversations/recent: most recently started conversations.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hibiki://conversations/recent",
			"Recent Conversations",
			mcplib.WithResourceDescription("The most recently started conversations across all agents"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentConversations,
	)
}

func (s *Server) registerTools() {
	// hibiki_search: semantic search over conversation summaries.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_search",
			mcplib.WithDescription(`Search past conversations by meaning, not keywords.

WHEN TO USE: When you want conversations about a topic regardless of exact
wording. "customers upset about billing" finds refund disputes, invoice
complaints, and overcharge reports alike.

Results are ranked by relevance; each carries the conversation's external_id,
which you can use to fetch the full transcript through the HTTP API.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query describing what you're looking for"),
				mcplib.Required(),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: only search conversations handled by this agent"),
			),
			mcplib.WithString("start_date",
				mcplib.Description("Optional RFC 3339 or YYYY-MM-DD lower bound on conversation start time"),
			),
			mcplib.WithString("end_date",
				mcplib.Description("Optional RFC 3339 or YYYY-MM-DD upper bound on conversation start time"),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearch,
	)

	// hibiki_analyze: run an analytic over a slice of the corpus.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_analyze",
			mcplib.WithDescription(`Run an analytic over a slice of the conversation corpus.

KINDS:
- sentiment_over_time: daily sentiment trend for the scope
- themes: recurring discussion themes with mention counts
- theme_sentiment: themes with per-theme sentiment
- aggregate_sentiment: one overall sentiment figure for the scope

Results are cached; repeated calls for the same scope are cheap. A result
with degraded=true was produced by a heuristic fallback because the analysis
model was unavailable; treat it as approximate.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("kind",
				mcplib.Description("Which analytic to run"),
				mcplib.Required(),
				mcplib.Enum("sentiment_over_time", "themes", "theme_sentiment", "aggregate_sentiment"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: restrict to conversations handled by this agent"),
			),
			mcplib.WithString("start_date",
				mcplib.Description("Optional RFC 3339 or YYYY-MM-DD lower bound"),
			),
			mcplib.WithString("end_date",
				mcplib.Description("Optional RFC 3339 or YYYY-MM-DD upper bound"),
			),
		),
		s.handleAnalyze,
	)

	// hibiki_ask: natural-language question answered with SQL.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_ask",
			mcplib.WithDescription(`Ask a factual question about the conversation corpus in plain language.

The question is translated to SQL, validated against a strict read-only
subset, and executed. The answer includes the exact SQL that ran, so you can
verify what was actually computed.

GOOD QUESTIONS: "how many calls failed last week", "average call duration
per agent", "which day had the most conversations". A rejected question
returns the rejection reason; rephrase and try again.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The question, in plain language"),
				mcplib.Required(),
			),
		),
		s.handleAsk,
	)
}

func (s *Server) handleRecentConversations(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	convs, _, err := s.store.ListConversations(ctx, model.ConversationFilters{}, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent conversations: %w", err)
	}

	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal conversations: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hibiki://conversations/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.retrieval == nil {
		return errorResult("semantic search is not configured"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	req := model.SearchRequest{
		Query:   query,
		AgentID: request.GetString("agent_id", ""),
		TopK:    request.GetInt("top_k", 10),
	}
	var err error
	if req.StartDate, err = parseDateArg(request.GetString("start_date", "")); err != nil {
		return errorResult(fmt.Sprintf("invalid start_date: %v", err)), nil
	}
	if req.EndDate, err = parseDateArg(request.GetString("end_date", "")); err != nil {
		return errorResult(fmt.Sprintf("invalid end_date: %v", err)), nil
	}

	results, err := s.retrieval.FindSimilar(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"results": results,
		"total":   len(results),
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.analysis == nil {
		return errorResult("analysis is not configured"), nil
	}

	scope := model.AnalysisScope{
		Kind:    model.AnalysisKind(request.GetString("kind", "")),
		AgentID: request.GetString("agent_id", ""),
	}
	if !model.ValidAnalysisKind(scope.Kind) {
		return errorResult(fmt.Sprintf("unknown analysis kind %q", scope.Kind)), nil
	}
	var err error
	if scope.StartDate, err = parseDateArg(request.GetString("start_date", "")); err != nil {
		return errorResult(fmt.Sprintf("invalid start_date: %v", err)), nil
	}
	if scope.EndDate, err = parseDateArg(request.GetString("end_date", "")); err != nil {
		return errorResult(fmt.Sprintf("invalid end_date: %v", err)), nil
	}

	result, err := s.analysis.Analyze(ctx, scope)
	if err != nil {
		return errorResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.nlquery == nil {
		return errorResult("natural-language queries are not configured"), nil
	}

	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	result, err := s.nlquery.Answer(ctx, question)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	if result.Rejection != "" {
		// Surface the rejection as a tool error so the model rephrases.
		return errorResult(string(resultData)), nil
	}
	return textResult(string(resultData)), nil
}

func parseDateArg(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
