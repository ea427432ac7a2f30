package mcpserver

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/internal/rag"
	"github.com/seanblong/catalograg/pkg/models"
)

// AskInput is the input schema for the ask_catalog tool.
type AskInput struct {
	Question string `json:"question" jsonschema:"the question about the product catalog (at least 3 characters)"`
	Category string `json:"category,omitempty" jsonschema:"optional exact product category to restrict the answer to"`
}

// CategoriesInput is the input schema for the list_categories tool.
type CategoriesInput struct{}

// CategoriesOutput is the output schema for the list_categories tool.
type CategoriesOutput struct {
	Categories []string `json:"categories"`
	Count      int      `json:"count"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask_catalog",
		Description: "Answer a question from the product catalog and cite the documents used",
	}, s.handleAsk)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_categories",
		Description: "List the product categories that can be used to filter ask_catalog",
	}, s.handleCategories)
}

func (s *Server) handleAsk(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskInput,
) (*mcp.CallToolResult, models.RagResponse, error) {
	req := models.QueryRequest{Query: input.Question}
	if c := strings.TrimSpace(input.Category); c != "" {
		req.Filters = &models.QueryFilters{Category: &c}
	}

	resp, err := s.svc.Query(ctx, req)
	if err != nil {
		return nil, models.RagResponse{}, toolError(err)
	}
	return nil, *resp, nil
}

func (s *Server) handleCategories(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ CategoriesInput,
) (*mcp.CallToolResult, CategoriesOutput, error) {
	cats, err := s.catalog.GetCategories(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing categories failed")
		return nil, CategoriesOutput{}, errors.New("failed to list categories")
	}
	if cats == nil {
		cats = []string{}
	}
	return nil, CategoriesOutput{Categories: cats, Count: len(cats)}, nil
}

// toolError turns a query failure into the message shown to the client.
func toolError(err error) error {
	switch {
	case errors.Is(err, rag.ErrInvalidQuery):
		return err
	case errors.Is(err, rag.ErrServiceNotConfigured), errors.Is(err, ai.ErrNotConfigured):
		return errors.New("AI question answering is not configured")
	case errors.Is(err, context.Canceled):
		return err
	default:
		log.Error().Err(err).Msg("ask_catalog failed")
		return errors.New("failed to process query, please try again")
	}
}
