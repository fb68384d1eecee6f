// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Guardian tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/guardian/internal/flowservice"
	"github.com/starford/guardian/internal/nodeservice"
	"github.com/starford/guardian/internal/timeline"
)

const snapshotFormatURI = "guardian://snapshot-format"

// Server wraps the MCP server with Guardian tools. Every tool acts on the
// timeline and flows of a single user.
type Server struct {
	mcp    *server.MCPServer
	nodes  *nodeservice.Service
	flows  *flowservice.Service
	userID string
}

// New creates a new MCP server with all Guardian tools registered.
func New(nodes *nodeservice.Service, flows *flowservice.Service, userID string) *Server {
	s := &Server{nodes: nodes, flows: flows, userID: userID}

	s.mcp = server.NewMCPServer(
		"Guardian",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_timeline",
		mcp.WithDescription("Return the stored timeline as a snapshot, including orphaned nodes."),
	), s.getTimeline)

	s.mcp.AddTool(mcp.NewTool("render_timeline",
		mcp.WithDescription("Render the stored timeline as a Mermaid flowchart or an indented outline."),
		mcp.WithString("format", mcp.Description("mermaid (default) or outline"), mcp.Enum("mermaid", "outline")),
	), s.renderTimeline)

	s.mcp.AddTool(mcp.NewTool("active_path",
		mcp.WithDescription("List the nodes on the selected branch and their total default duration in milliseconds."),
	), s.activePath)

	s.mcp.AddTool(mcp.NewTool("add_timeline_node",
		mcp.WithDescription("Add a node to the stored timeline. Without parent_id the node becomes the root."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Node title")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("action or decision"), mcp.Enum("action", "decision")),
		mcp.WithString("parent_id", mcp.Description("Id of the parent node")),
		mcp.WithNumber("default_duration_ms", mcp.Description("Default duration in milliseconds")),
	), s.addTimelineNode)

	s.mcp.AddTool(mcp.NewTool("import_snapshot",
		mcp.WithDescription("Migrate a draft snapshot into the stored timeline. "+
			"The snapshot MUST follow the format returned by get_snapshot_format "+
			"or the guardian://snapshot-format resource."),
		mcp.WithString("snapshot", mcp.Required(), mcp.Description("Snapshot JSON")),
	), s.importSnapshot)

	s.mcp.AddTool(mcp.NewTool("get_snapshot_format",
		mcp.WithDescription("Returns the timeline snapshot format. Call this before building a snapshot."),
	), s.getSnapshotFormat)

	s.mcp.AddTool(mcp.NewTool("list_flows",
		mcp.WithDescription("List the stored process flows."),
	), s.listFlows)

	s.mcp.AddResource(
		mcp.NewResource(snapshotFormatURI, "Timeline Snapshot Format",
			mcp.WithResourceDescription("JSON format of a draft timeline snapshot."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSnapshotFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getTimeline(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view, err := s.nodes.Timeline(ctx, s.userID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) renderTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.nodes.Render(ctx, s.userID, req.GetString("format", timeline.FormatMermaid))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) activePath(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodes, total, err := s.nodes.ActivePath(ctx, s.userID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if nodes == nil {
		nodes = []timeline.Node{}
	}
	return jsonResult(map[string]any{"nodes": nodes, "totalDuration": total})
}

func (s *Server) addTimelineNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := nodeservice.CreateInput{
		ParentID: req.GetString("parent_id", ""),
		Title:    title,
		Kind:     timeline.Kind(kind),
	}
	if d := req.GetFloat("default_duration_ms", -1); d >= 0 {
		ms := int64(d)
		in.DefaultDuration = &ms
	}
	node, err := s.nodes.CreateNode(ctx, s.userID, in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(node)
}

func (s *Server) importSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("snapshot")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := timeline.DecodeSnapshot([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.nodes.Import(ctx, s.userID, snap)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

func (s *Server) listFlows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flows, err := s.flows.List(ctx, s.userID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(flows) == 0 {
		return mcp.NewToolResultText("no flows found"), nil
	}
	summary := make([]map[string]any, 0, len(flows))
	for _, f := range flows {
		summary = append(summary, map[string]any{
			"id":    f.ID,
			"name":  f.Name,
			"boxes": len(f.Nodes),
			"edges": len(f.Edges),
		})
	}
	return jsonResult(summary)
}

func (s *Server) getSnapshotFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(SnapshotFormat), nil
}

func (s *Server) readSnapshotFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      snapshotFormatURI,
			MIMEType: "text/markdown",
			Text:     SnapshotFormat,
		},
	}, nil
}
