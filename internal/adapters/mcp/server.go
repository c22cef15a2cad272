package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

const (
	serverName    = "insurance-faq"
	serverVersion = "1.0.0"
	toolName      = "ask_insurance_faq"
)

// toolResponse is the bundle as sent to MCP clients. Per-call details such as the
// cache outcome travel in the result's _meta.
type toolResponse struct {
	Answer        string        `json:"answer"`
	Domain        domain.Domain `json:"domain"`
	CitedChunkIDs []string      `json:"cited_chunk_ids"`
	Grounded      bool          `json:"grounded"`
}

// NewServer exposes the FAQ pipeline as a single MCP tool.
func NewServer(faq ports.FAQService) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.AddTool(askTool(), askHandler(faq))
	return s
}

func askTool() mcp.Tool {
	return mcp.NewTool(toolName,
		mcp.WithDescription("Answer a question about AXA insurance products, claims and customer service from the FAQ knowledge base."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The customer question, in Indonesian or English."),
		),
		mcp.WithString("domain",
			mcp.Description("Optional partition override: PRODUCT_SALES or CUSTOMER_CORPORATE."),
		),
	)
}

func askHandler(faq ports.FAQService) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := request.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		bundle, meta, err := faq.Answer(ctx, question, ports.AnswerOptions{
			Domain: request.GetString("domain", ""),
		})
		if err != nil {
			var validation *domain.ValidationError
			if errors.As(err, &validation) {
				return mcp.NewToolResultError(validation.Message), nil
			}
			slog.Error("mcp_tool_failed", "tool", toolName, "error", err)
			return mcp.NewToolResultError("Maaf, terjadi masalah teknis. Silakan coba lagi nanti."), nil
		}

		payload, err := json.Marshal(toolResponse{
			Answer:        bundle.Answer,
			Domain:        bundle.Domain,
			CitedChunkIDs: bundle.CitedChunkIDs,
			Grounded:      bundle.Grounded,
		})
		if err != nil {
			return nil, err
		}
		result := mcp.NewToolResultText(string(payload))
		result.Meta = mcp.NewMetaFromMap(map[string]any{"cache_hit": meta.CacheHit})
		return result, nil
	}
}
