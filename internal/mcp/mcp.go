// Package mcp implements the Model Context Protocol server for Gougi.
//
// It exposes the query pipeline as MCP tools so MCP-compatible AI agents
// can submit questions for multi-provider deliberation and read back the
// consensus verdict.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/gougi-ai/gougi/internal/engine"
	"github.com/gougi-ai/gougi/internal/model"
)

// waitCeiling bounds how long gougi_ask blocks when wait=true.
const waitCeiling = 90 * time.Second

// Server wraps the MCP server with Gougi's engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	callerID  string
	plan      string
	logger    *slog.Logger
}

// New creates and configures a new MCP server. Queries submitted over MCP
// are attributed to callerID under the given plan.
func New(eng *engine.Engine, callerID, plan string, logger *slog.Logger) *Server {
	s := &Server{
		engine:   eng,
		callerID: callerID,
		plan:     plan,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"gougi",
		"0.1.0",
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
	// gougi://providers — the configured provider set.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"gougi://providers",
			"Configured Providers",
			mcplib.WithResourceDescription("Reasoning providers available for fan-out"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProvidersResource,
	)

	// gougi://usage — quota consumption for the MCP caller.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"gougi://usage",
			"Daily Usage",
			mcplib.WithResourceDescription("Today's quota consumption for the MCP caller"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleUsageResource,
	)
}

func (s *Server) handleProvidersResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(map[string]any{"providers": s.engine.Providers()})
	if err != nil {
		return nil, fmt.Errorf("mcp: encode providers: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleUsageResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	usage, err := s.engine.Usage(ctx, s.callerID)
	if err != nil {
		return nil, fmt.Errorf("mcp: read usage: %w", err)
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode usage: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(data any) (*mcplib.CallToolResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

func (s *Server) registerTools() {
	// gougi_ask — submit a question for multi-provider deliberation.
	s.mcpServer.AddTool(
		mcplib.NewTool("gougi_ask",
			mcplib.WithDescription(`Submit a question to a panel of independent AI reasoning providers and get a consensus verdict.

WHEN TO USE: For decisions where a single model's answer is not enough —
the question is fanned out to every configured provider concurrently, the
answers are aggregated, and you get back a consensus with convergence and
divergence points plus a confidence score.

WHAT YOU GET BACK:
- query_id: handle for gougi_get_result
- status: "processing" unless wait=true
- with wait=true: the full consensus (summary, confidence, convergence, divergence)

Provider failures never fail the query; they lower the consensus confidence.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("question",
				mcplib.Description("The question to deliberate (10-1000 characters)"),
				mcplib.Required(),
			),
			mcplib.WithString("providers",
				mcplib.Description("Optional comma-separated provider subset (e.g. \"openai,anthropic\"). Omit for all configured providers."),
			),
			mcplib.WithNumber("rounds",
				mcplib.Description("Debate rounds; each round is a fresh fan-out to every provider"),
				mcplib.Min(1),
				mcplib.Max(model.MaxRounds),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithBoolean("wait",
				mcplib.Description("Block until the verdict is ready instead of returning immediately"),
			),
		),
		s.handleAsk,
	)

	// gougi_get_result — read back a query and its consensus.
	s.mcpServer.AddTool(
		mcplib.NewTool("gougi_get_result",
			mcplib.WithDescription(`Fetch a submitted query by ID, including per-provider results and the consensus verdict once the status is "completed".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query_id",
				mcplib.Description("The query ID returned by gougi_ask"),
				mcplib.Required(),
			),
		),
		s.handleGetResult,
	)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	req := &model.SubmitRequest{
		Question: question,
		Rounds:   request.GetInt("rounds", 1),
	}
	if providers := request.GetString("providers", ""); providers != "" {
		req.Providers = splitProviders(providers)
	}

	q, _, err := s.engine.Submit(ctx, s.callerID, s.plan, req)
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}

	if !request.GetBool("wait", false) {
		return textResult(map[string]any{
			"query_id": q.ID.String(),
			"status":   string(q.Status),
		})
	}

	ch, cancel := s.engine.Subscribe(q.ID)
	defer cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, waitCeiling)
	defer waitCancel()

	select {
	case <-waitCtx.Done():
		return textResult(map[string]any{
			"query_id": q.ID.String(),
			"status":   string(model.QueryStatusProcessing),
			"note":     "still processing, fetch later with gougi_get_result",
		})
	case <-ch:
		// Terminal event arrived (or the channel closed because it already
		// had); the store now holds the full result either way.
	}

	final, err := s.engine.Get(ctx, q.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("read result: %v", err)), nil
	}
	return textResult(final)
}

func (s *Server) handleGetResult(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("query_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid query_id %q", raw)), nil
	}

	q, err := s.engine.Get(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("query lookup: %v", err)), nil
	}
	return textResult(q)
}

// splitProviders parses a comma-separated provider list, dropping blanks.
func splitProviders(spec string) []string {
	var out []string
	for _, name := range strings.Split(spec, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
