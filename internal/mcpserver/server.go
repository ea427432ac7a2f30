// Package mcpserver exposes catalog question answering as MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/seanblong/catalograg/pkg/models"
)

// Version is the MCP server version.
const Version = "0.1.0"

// Querier answers catalog questions.
type Querier interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.RagResponse, error)
}

// CategoryLister lists the distinct product categories.
type CategoryLister interface {
	GetCategories(ctx context.Context) ([]string, error)
}

// Server is the MCP server for the catalog.
type Server struct {
	svc     Querier
	catalog CategoryLister
	server  *mcp.Server
}

// NewServer creates a new MCP server with the ask_catalog and
// list_categories tools registered.
func NewServer(svc Querier, catalog CategoryLister) (*Server, error) {
	if svc == nil {
		return nil, errors.New("query service is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog store is required")
	}

	impl := &mcp.Implementation{
		Name:    "catalograg",
		Version: Version,
	}

	s := &Server{
		svc:     svc,
		catalog: catalog,
		server:  mcp.NewServer(impl, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until the context is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
