// Package api exposes the query session to MCP clients over stdio.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentiq/internal/history"
	"agentiq/internal/query"
	"agentiq/internal/session"
)

// MCPSubmitter abstracts query submission for the MCP layer.
// *query.Pipeline satisfies it.
type MCPSubmitter interface {
	Submit(ctx context.Context, q string, turns []query.Turn) history.Record
}

// MCPSession abstracts the session bridge for the MCP layer.
// *session.Bridge satisfies it.
type MCPSession interface {
	CheckStatus(ctx context.Context) (session.Snapshot, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline MCPSubmitter
	History  *history.Store
	Session  MCPSession
}

// NewMCPServer creates an MCP server exposing the agent query session as
// tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"agentiq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("agentiq: authenticated query session against the Ingage data agent."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_agent",
			mcp.WithDescription("Submit a natural-language data question to the agent backend and return the full result record."),
			mcp.WithString("query", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAskAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_history",
			mcp.WithDescription("Clear the local query history."),
		),
		mcpClearHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://status",
			"Session Status",
			mcp.WithResourceDescription("Current authentication state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"history://recent",
			"Recent Queries",
			mcp.WithResourceDescription("Last 10 query records (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAskAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		rec := deps.Pipeline.Submit(ctx, q, turnsFromHistory(deps.History))

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		if !rec.Success {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.History.Clear(); err != nil {
			return mcpError(fmt.Sprintf("failed to clear history: %v", err)), nil
		}
		return mcpText("History cleared"), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := deps.Session.CheckStatus(ctx)

		out := struct {
			State string            `json:"state"`
			User  *session.Identity `json:"user,omitempty"`
			Error string            `json:"error,omitempty"`
		}{State: string(snap.State), User: snap.User}
		if err != nil {
			out.Error = err.Error()
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records := deps.History.List()
		if len(records) > 10 {
			records = records[:10]
		}

		type recordSummary struct {
			ID        string `json:"id"`
			Timestamp string `json:"timestamp"`
			Query     string `json:"query"`
			Success   bool   `json:"success"`
		}

		summaries := make([]recordSummary, len(records))
		for i, r := range records {
			q := r.Query
			if utf8.RuneCountInString(q) > 200 {
				runes := []rune(q)
				q = string(runes[:200]) + "..."
			}
			summaries[i] = recordSummary{
				ID:        r.ID,
				Timestamp: r.Timestamp.Format(time.RFC3339),
				Query:     q,
				Success:   r.Success,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal records: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// turnsFromHistory rebuilds a conversation from the stored records, oldest
// first, so MCP queries carry the same context a chat session would.
func turnsFromHistory(store *history.Store) []query.Turn {
	if store == nil {
		return nil
	}
	records := store.List()

	var turns []query.Turn
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		turns = append(turns,
			query.Turn{Role: query.RoleUser, Content: r.Query},
			query.Turn{Role: query.RoleAgent, Content: r.Response, HasResult: r.Success},
		)
	}
	return turns
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
