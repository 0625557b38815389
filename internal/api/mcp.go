package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ragd/internal/convert"
	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/session"
	"github.com/kalambet/ragd/internal/vectorstore"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry SourceCatalog
	Ingestor Ingestor
	Asker    Asker
	Store    interface {
		Count(ctx context.Context, source string) (int, error)
	}
}

// NewMCPServer creates an MCP server exposing ingestion and question
// answering as tools for agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ragd: retrieval-augmented question answering over your registered document sources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Convert, chunk, and embed a document into a registered source. Re-ingesting the same document id replaces the previous version."),
			mcp.WithString("source", mcp.Description("Target source name"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document body; base64 when encoding is set"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Filename used for format detection (e.g. report.pdf)")),
			mcp.WithString("id", mcp.Description("Document id; defaults to name")),
			mcp.WithString("encoding", mcp.Description("Set to \"base64\" for binary content")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question against the registered sources. Returns a grounded answer with citations."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation to continue; a new one is created when omitted")),
			mcp.WithArray("sources", mcp.Description("Source names to restrict this turn to")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ragd://sources",
			"Registered Sources",
			mcp.WithResourceDescription("Registered retrieval sources with chunk counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSources(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srcName, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		name := req.GetString("name", "")
		id := req.GetString("id", name)
		if id == "" {
			id = uuid.New().String()
		}

		raw := []byte(content)
		if req.GetString("encoding", "") == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return mcpError("invalid base64 content"), nil
			}
			raw = decoded
		}

		conv, err := convert.ForFile(name)
		if err != nil {
			return mcpError(fmt.Sprintf("unsupported document format: %q", name)), nil
		}
		segments, err := conv.Convert(ctx, name, bytes.NewReader(raw))
		if err != nil {
			return mcpError(fmt.Sprintf("converting document: %v", err)), nil
		}

		res, err := deps.Ingestor.Ingest(ctx, ingest.Document{
			Source:   srcName,
			ID:       id,
			Segments: segments,
		})
		if err != nil {
			var partial *vectorstore.PartialIngestionError
			if errors.As(err, &partial) {
				return mcpError(fmt.Sprintf("partial ingestion of %s/%s: %v", srcName, id, err)), nil
			}
			return mcpError(fmt.Sprintf("ingestion failed: %v", err)), nil
		}

		verb := "Ingested"
		if res.Replaced {
			verb = "Re-ingested"
		}
		return mcpText(fmt.Sprintf("%s document %s into source %s (%d chunks)", verb, res.DocumentID, res.Source, res.Chunks)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		sources := req.GetStringSlice("sources", nil)

		turn, err := deps.Asker.ExecuteTurn(ctx, sessionID, query, sources)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		type askResult struct {
			SessionID string             `json:"session_id"`
			Answer    string             `json:"answer"`
			Citations []session.Citation `json:"citations"`
			Degraded  []string           `json:"degraded,omitempty"`
		}
		b, err := json.Marshal(askResult{
			SessionID: sessionID,
			Answer:    turn.Answer,
			Citations: turn.Citations,
			Degraded:  turn.Degraded,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSources(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sources := deps.Registry.List()
		infos := make([]SourceInfo, len(sources))
		for i, s := range sources {
			count, err := deps.Store.Count(ctx, s.Name)
			if err != nil {
				return nil, fmt.Errorf("counting chunks for %s: %w", s.Name, err)
			}
			infos[i] = SourceInfo{
				Name:      s.Name,
				Dimension: s.Dimension,
				Priority:  s.Priority,
				Chunks:    count,
			}
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sources: %w", err)
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
