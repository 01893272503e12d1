package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

const serverInstructions = `muxfleet exposes its command surface as one tool per command group.
Every call takes an "action" plus optional "target" ("session:window"),
"args" (ordered positionals), and "options" (flag values). Every response
is a JSON envelope: {success, data, error, error_type, timestamp, command}.
Check "success" before reading "data".`

// Server serves the bridge over the tool protocol, on stdio for a parent
// process and over streamable HTTP for network callers.
type Server struct {
	bridge *Bridge
	mcp    *server.MCPServer
	log    *logging.Logger
}

// NewServer registers one tool per reflected group.
func NewServer(b *Bridge, version string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(_ context.Context, _ any, message *mcp.CallToolRequest, _ *mcp.CallToolResult) {
		if message != nil {
			log.Debug("tool call", zap.String("tool", message.Params.Name))
		}
	})

	m := server.NewMCPServer(
		"muxfleet-bridge",
		version,
		server.WithInstructions(serverInstructions),
		server.WithHooks(hooks),
	)

	s := &Server{bridge: b, mcp: m, log: log}
	for _, desc := range b.Descriptors() {
		m.AddTool(toolFor(desc), s.handler(desc.Group))
	}
	return s
}

// ServeStdio blocks on the stdio transport until ctx ends or the parent
// closes the pipe.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("stdio transport ready")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// toolFor builds the schema for one group. Action metadata carries an
// enumDescriptions array parallel to the enum so callers see what each
// action needs before invoking it.
func toolFor(desc CommandDescriptor) mcp.Tool {
	names := make([]string, len(desc.Actions))
	hints := make([]string, len(desc.Actions))
	for i, a := range desc.Actions {
		names[i] = a.Name
		hints[i] = actionHint(a)
	}

	return mcp.NewTool(desc.Group,
		mcp.WithDescription(groupDescription(desc)),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Operation to perform."),
			mcp.Enum(names...),
			enumHints(hints),
		),
		mcp.WithString("target",
			mcp.Description(`Agent address "session:window"; required by actions marked Requires: target.`),
		),
		mcp.WithArray("args",
			mcp.Description("Positional arguments, in order."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("options",
			mcp.Description("Flag values, translated to --name=value."),
		),
	)
}

func groupDescription(desc CommandDescriptor) string {
	d := strings.TrimSpace(desc.Description)
	if d == "" {
		d = fmt.Sprintf("muxfleet %s commands.", desc.Group)
	}
	return d
}

// actionHint is the per-value enum description: the action's phrasing plus
// what it requires.
func actionHint(a ActionDescriptor) string {
	var reqs []string
	if a.RequiresTarget {
		reqs = append(reqs, "target")
	}
	for _, arg := range a.Args {
		if !arg.Optional {
			reqs = append(reqs, arg.Name)
		}
	}
	hint := strings.TrimSpace(a.Description)
	if hint == "" {
		hint = a.Name
	}
	if len(reqs) == 0 {
		return hint
	}
	return fmt.Sprintf("%s (Requires: %s)", hint, strings.Join(reqs, ", "))
}

// enumHints attaches the parallel enumDescriptions array to the action
// property schema.
func enumHints(hints []string) mcp.PropertyOption {
	return func(schema map[string]any) {
		schema["enumDescriptions"] = hints
	}
}

// handler adapts tool-protocol calls for one group onto Bridge.Invoke.
func (s *Server) handler(group string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		call := Call{Group: group}
		call.Action, _ = args["action"].(string)
		call.Target, _ = args["target"].(string)
		if raw, ok := args["args"].([]any); ok {
			for _, v := range raw {
				if str, ok := v.(string); ok {
					call.Args = append(call.Args, str)
				} else {
					call.Args = append(call.Args, fmt.Sprintf("%v", v))
				}
			}
		}
		if raw, ok := args["options"].(map[string]any); ok {
			call.Options = raw
		}

		env := s.bridge.Invoke(ctx, call)
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}
