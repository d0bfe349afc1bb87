// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the local entity graph and its sync operations over stdio.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/recordsync/internal/entityservice"
	"github.com/starford/recordsync/internal/models"
)

// SchemaURI is the resource holding the registered entity types.
const SchemaURI = "recordsync://schema"

// Entities is the entity surface the tools use.
type Entities interface {
	Types() []models.TypeView
	Type(name string) (models.TypeView, error)
	List(ctx context.Context, typ string, pendingOnly bool) ([]models.EntityView, error)
	Get(ctx context.Context, typ string, id int64) (models.EntityView, error)
	Create(ctx context.Context, typ string, in entityservice.Input) (models.EntityView, error)
	Update(ctx context.Context, typ string, id int64, in entityservice.Input) (models.EntityView, error)
}

// Syncer runs one push or pull of an entity type.
type Syncer interface {
	Push(ctx context.Context, typ string) (models.SyncResult, error)
	Pull(ctx context.Context, typ string) (models.SyncResult, error)
}

var errNoRemote = errors.New("no remote configured")

// Server wraps the MCP server with recordsync tools.
type Server struct {
	mcp      *server.MCPServer
	entities Entities
	syncer   Syncer
}

// New creates a new MCP server with all tools registered. syncer may be nil,
// in which case push and pull report an error.
func New(entities Entities, syncer Syncer, version string) *Server {
	s := &Server{entities: entities, syncer: syncer}

	s.mcp = server.NewMCPServer(
		"recordsync",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("describe_schema",
		mcp.WithDescription("Describe the registered entity types: attributes with kinds and defaults, "+
			"relationships with destinations and delete rules. System attributes are read-only."),
		mcp.WithString("type", mcp.Description("Optional entity type (empty for all)")),
	), s.describeSchema)

	s.mcp.AddTool(mcp.NewTool("list_entities",
		mcp.WithDescription("List local entities of a type."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type, e.g. Survivor")),
		mcp.WithBoolean("pending", mcp.Description("Only entities with changes not yet pushed")),
	), s.listEntities)

	s.mcp.AddTool(mcp.NewTool("get_entity",
		mcp.WithDescription("Read one local entity with its values and links."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type")),
		mcp.WithNumber("id", mcp.Required(), mcp.Min(1), mcp.Description("Local entity ID")),
	), s.getEntity)

	s.mcp.AddTool(mcp.NewTool("create_entity",
		mcp.WithDescription("Create a local entity. It is pushed on the next sync. "+
			"Read describe_schema first for attribute names and kinds."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type")),
		mcp.WithObject("values", mcp.Description("Attribute values keyed by attribute name")),
		mcp.WithObject("to_one", mcp.Description("To-one links: relationship name to local ID")),
		mcp.WithObject("to_many", mcp.Description("To-many links: relationship name to list of local IDs")),
	), s.createEntity)

	s.mcp.AddTool(mcp.NewTool("update_entity",
		mcp.WithDescription("Patch a local entity. Absent keys are kept, null clears. "+
			"The entity is pushed on the next sync."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type")),
		mcp.WithNumber("id", mcp.Required(), mcp.Min(1), mcp.Description("Local entity ID")),
		mcp.WithObject("values", mcp.Description("Attribute values keyed by attribute name")),
		mcp.WithObject("to_one", mcp.Description("To-one links: relationship name to local ID or null")),
		mcp.WithObject("to_many", mcp.Description("To-many links: relationship name to list of local IDs")),
	), s.updateEntity)

	s.mcp.AddTool(mcp.NewTool("push",
		mcp.WithDescription("Push pending entities of a type to the remote store."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type")),
	), s.push)

	s.mcp.AddTool(mcp.NewTool("pull",
		mcp.WithDescription("Pull remote changes of a type into the local store."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Entity type")),
	), s.pull)

	s.mcp.AddResource(
		mcp.NewResource(SchemaURI, "Entity Schema",
			mcp.WithResourceDescription("Registered entity types as JSON."),
			mcp.WithMIMEType("application/json"),
		),
		s.readSchemaResource,
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

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) describeSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("type", "")
	if typ == "" {
		return jsonResult(s.entities.Types()), nil
	}
	tv, err := s.entities.Type(typ)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tv), nil
}

func (s *Server) listEntities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := s.entities.List(ctx, typ, req.GetBool("pending", false))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("no entities found"), nil
	}
	return jsonResult(items), nil
}

func (s *Server) getEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireInt("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := s.entities.Get(ctx, typ, int64(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(e), nil
}

// bindArgs decodes the tool arguments into v keeping numbers as json.Number,
// so int64 values above 2^53 are not rounded when the client sent raw JSON.
func bindArgs(req mcp.CallToolRequest, v any) error {
	raw, ok := req.GetRawArguments().(json.RawMessage)
	if !ok {
		b, err := json.Marshal(req.GetRawArguments())
		if err != nil {
			return err
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// entityArgs is the argument shape of create_entity and update_entity.
type entityArgs struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	entityservice.Input
}

func (s *Server) createEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args entityArgs
	if err := bindArgs(req, &args); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if args.Type == "" {
		return mcp.NewToolResultError("type is required"), nil
	}
	e, err := s.entities.Create(ctx, args.Type, args.Input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(e), nil
}

func (s *Server) updateEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args entityArgs
	if err := bindArgs(req, &args); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if args.Type == "" || args.ID <= 0 {
		return mcp.NewToolResultError("type and a positive id are required"), nil
	}
	e, err := s.entities.Update(ctx, args.Type, args.ID, args.Input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(e), nil
}

func (s *Server) push(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.sync(ctx, req, func(sy Syncer) func(context.Context, string) (models.SyncResult, error) { return sy.Push })
}

func (s *Server) pull(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.sync(ctx, req, func(sy Syncer) func(context.Context, string) (models.SyncResult, error) { return sy.Pull })
}

func (s *Server) sync(ctx context.Context, req mcp.CallToolRequest, pick func(Syncer) func(context.Context, string) (models.SyncResult, error)) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.syncer == nil {
		return mcp.NewToolResultError(errNoRemote.Error()), nil
	}
	res, err := pick(s.syncer)(ctx, typ)
	if err != nil {
		out, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultError(fmt.Sprintf("%v\n%s", err, out)), nil
	}
	return jsonResult(res), nil
}

func (s *Server) readSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out, err := json.MarshalIndent(s.entities.Types(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SchemaURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}
