// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes sealbook tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/noteservice"
)

// ContractURI is the resource URI of the note format contract.
const ContractURI = "sealbook://note-format"

// Server wraps the MCP server with sealbook tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all sealbook tools registered.
func New(svc *noteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"sealbook",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notebooks",
		mcp.WithDescription("List notebooks with their note counts and protection flag. "+
			"The root notebook has an empty name."),
	), s.listNotebooks)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List the note ids and titles of a notebook. Locked protected notebooks are refused."),
		mcp.WithString("notebook", mcp.Description("Notebook name (empty for the root notebook)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the title and content of a note."),
		mcp.WithString("notebook", mcp.Description("Notebook name (empty for the root notebook)")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id as returned by list_notes")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through note titles and content. Protected notebooks are never searched."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. Its id is derived from the title. "+
			"Read the contract first via the get_note_contract tool or the "+ContractURI+" resource."),
		mcp.WithString("notebook", mcp.Description("Notebook name (empty for the root notebook)")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Single-line note title")),
		mcp.WithString("content", mcp.Description("Note body")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("lock_all",
		mcp.WithDescription("Drop every unlocked session. Unsaved drafts are discarded."),
	), s.lockAll)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the sealbook note format contract. "+
			"Call this before creating notes to ensure correct structure."),
	), s.getNoteContract)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Note Format Contract",
			mcp.WithResourceDescription("How sealbook stores note titles, content and notebooks."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
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

func optString(req mcp.CallToolRequest, key string) string {
	if v, err := req.RequireString(key); err == nil {
		return v
	}
	return ""
}

// toolError renders engine errors. A locked notebook is reported as such so
// the caller does not mistake it for an empty one.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrAuthenticationRequired):
		return mcp.NewToolResultError("notebook is locked: unlock it in sealbook first")
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrInvalidName):
		return mcp.NewToolResultError("invalid name: " + err.Error())
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listNotebooks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nbs, err := s.svc.ListNotebooks(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(nbs), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.svc.ListNotes(ctx, optString(req, "notebook"))
	if err != nil {
		return toolError(err), nil
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, n.ID+"\t"+n.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, optString(req, "notebook"), id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n), nil
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(results), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.ContainsAny(title, "\r\n") {
		return mcp.NewToolResultError("title must be a single line"), nil
	}
	nb := optString(req, "notebook")
	n, err := s.svc.CreateNote(ctx, nb, title, optString(req, "content"))
	if err != nil {
		return toolError(err), nil
	}
	if nb == "" {
		return mcp.NewToolResultText(fmt.Sprintf("created: %s", n.ID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s/%s", nb, n.ID)), nil
}

func (s *Server) lockAll(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.svc.LockAll()
	return mcp.NewToolResultText("all notebooks locked"), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
