// Package mcpserver exposes the sql_query tool to MCP clients so the same
// authorization and execution path serves agents outside the assistant.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

// CallHandler runs one tool call. *toolcall.Handler implements it.
type CallHandler interface {
	Handle(ctx context.Context, req toolcall.Request) toolcall.Envelope
}

// Server wraps an MCPServer bound to one tenant.
type Server struct {
	handler   CallHandler
	catalog   *catalog.Catalog
	validator *validator.Validator
	tenantID  string
	logger    *zap.Logger
	mcp       *server.MCPServer
}

// New registers the tools. Every call runs scoped to tenantID.
func New(h CallHandler, c *catalog.Catalog, v *validator.Validator, tenantID, version string, logger *zap.Logger) *Server {
	s := &Server{
		handler:   h,
		catalog:   c,
		validator: v,
		tenantID:  tenantID,
		logger:    logger,
		mcp:       server.NewMCPServer("sql-guard", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// ServeStdio serves on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewToolWithRawSchema(toolcall.FunctionName, toolcall.Description, json.RawMessage(toolcall.ParametersJSON)),
		s.handleSQLQuery,
	)

	s.mcp.AddTool(mcp.NewTool("describe_catalog",
		mcp.WithDescription("List the schemas, tables and columns that sql_query may read."),
	), s.handleDescribeCatalog)

	s.mcp.AddTool(mcp.NewTool("validate_sql",
		mcp.WithDescription("Check whether a SELECT statement would be authorized, without running it."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("The SQL statement to check")),
	), s.handleValidateSQL)
}

func (s *Server) handleSQLQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("arguments could not be encoded: %v", err)), nil
	}
	req := toolcall.Request{
		ID:           "mcp_" + uuid.NewString(),
		FunctionName: toolcall.FunctionName,
		Arguments:    string(raw),
	}
	ctx = toolcall.WithScope(ctx, toolcall.Scope{RequestID: req.ID, TenantID: s.tenantID})

	env := s.handler.Handle(ctx, req)
	if !env.OK {
		return mcp.NewToolResultError(env.JSON()), nil
	}
	return mcp.NewToolResultText(env.JSON()), nil
}

func (s *Server) handleDescribeCatalog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.catalog.DescribeJSON()), nil
}

func (s *Server) handleValidateSQL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sql, err := request.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	verdict := s.validator.ValidateTenant(sql, s.tenantID)
	if verdict.Authorized {
		return mcp.NewToolResultText("authorized"), nil
	}
	return mcp.NewToolResultError(verdict.Violation.Message), nil
}
