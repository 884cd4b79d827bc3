package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// clientName/clientVersion identify this runtime in the MCP handshake.
const (
	clientName    = "gcs-runtime"
	clientVersion = "0.1.0"
)

// ConnectParams describes how to reach one MCP server.
type ConnectParams struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   string            `json:"transport"`         // "stdio" | "streamable-http"
	URL         string            `json:"url,omitempty"`     // streamable-http
	Headers     map[string]string `json:"headers,omitempty"` // streamable-http, incl. Authorization
	Command     string            `json:"command,omitempty"` // stdio
	Args        []string          `json:"args,omitempty"`    // stdio
	Env         []string          `json:"env,omitempty"`     // stdio
}

// Endpoint returns the identity string hashed into the server id: the URL
// for HTTP servers, the command line for stdio servers.
func (p ConnectParams) Endpoint() string {
	if p.Transport == "stdio" {
		return strings.TrimSpace(p.Command + " " + strings.Join(p.Args, " "))
	}
	return p.URL
}

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// NotifyFunc receives server-originated notifications (method name only;
// the manager re-lists tools on list_changed).
type NotifyFunc func(method string)

// Conn is one connection manager over a single MCP server.
//
//   - stdio: the subprocess session is long-lived; operations share it.
//   - streamable-http: each operation opens a short-lived session (start,
//     initialize handshake, operation, close), so operations never pin a
//     socket between calls.
type Conn struct {
	params ConnectParams

	mu     sync.Mutex
	inner  *sdk_client.Client // stdio only; nil for streamable-http
	notify NotifyFunc
}

// NewConn creates an unconnected Conn. Call Open before any operation.
func NewConn(params ConnectParams) *Conn {
	return &Conn{params: params}
}

// OnNotify installs the notification callback. Must be set before Open so
// no notification is missed; notifications arrive in receive order.
func (c *Conn) OnNotify(fn NotifyFunc) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Open establishes the stdio session, or verifies a streamable-http server
// by running one handshake session.
func (c *Conn) Open(ctx context.Context) error {
	switch c.params.Transport {
	case "stdio":
		inner, err := c.dialStdio(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.inner = inner
		c.mu.Unlock()
		return nil
	case "streamable-http":
		// Probe session: handshake then close.
		inner, err := c.dialHTTP(ctx)
		if err != nil {
			return err
		}
		return inner.Close()
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", c.params.Transport, c.params.Name)
	}
}

// dialStdio spawns the subprocess and completes the initialize handshake.
func (c *Conn) dialStdio(ctx context.Context) (*sdk_client.Client, error) {
	inner, err := sdk_client.NewStdioMCPClient(c.params.Command, c.params.Env, c.params.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start stdio server %q: %w", c.params.Name, err)
	}
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		inner.OnNotification(func(n sdk_mcp.JSONRPCNotification) {
			notify(n.Method)
		})
	}
	if err := c.handshake(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

// dialHTTP opens one streamable-HTTP session with the configured headers and
// completes the handshake. The caller owns the returned client and must
// close it when the operation finishes.
func (c *Conn) dialHTTP(ctx context.Context) (*sdk_client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(c.params.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.params.Headers))
	}
	inner, err := sdk_client.NewStreamableHttpClient(c.params.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: create HTTP client %q: %w", c.params.Name, err)
	}
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		inner.OnNotification(func(n sdk_mcp.JSONRPCNotification) {
			notify(n.Method)
		})
	}
	if err := inner.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: start HTTP client %q: %w", c.params.Name, err)
	}
	if err := c.handshake(ctx, inner); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return inner, nil
}

func (c *Conn) handshake(ctx context.Context, inner *sdk_client.Client) error {
	_, err := inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mcp: initialize server %q: %w", c.params.Name, err)
	}
	return nil
}

// session returns a ready client for one operation, plus a release func.
// stdio returns the shared session with a no-op release; streamable-http
// dials a fresh session that release closes.
func (c *Conn) session(ctx context.Context) (*sdk_client.Client, func(), error) {
	if c.params.Transport == "stdio" {
		c.mu.Lock()
		inner := c.inner
		c.mu.Unlock()
		if inner == nil {
			return nil, nil, fmt.Errorf("mcp: server %q not connected", c.params.Name)
		}
		return inner, func() {}, nil
	}
	inner, err := c.dialHTTP(ctx)
	if err != nil {
		return nil, nil, err
	}
	return inner, func() { _ = inner.Close() }, nil
}

// ListTools returns metadata for all tools exposed by this server.
func (c *Conn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	inner, release, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.params.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool and returns the concatenated text content.
// A server-reported IsError surfaces as a non-nil error wrapping the
// server-supplied message, so callers can distinguish tool errors from
// transport errors.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	inner, release, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call tool %q on %q: %w", name, c.params.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q returned error: %s", name, text)
	}
	return text, nil
}

// Probe checks liveness: ping on the stdio session, or a throwaway
// handshake session for streamable-http.
func (c *Conn) Probe(ctx context.Context) error {
	if c.params.Transport == "stdio" {
		c.mu.Lock()
		inner := c.inner
		c.mu.Unlock()
		if inner == nil {
			return fmt.Errorf("mcp: server %q not connected", c.params.Name)
		}
		return inner.Ping(ctx)
	}
	inner, err := c.dialHTTP(ctx)
	if err != nil {
		return err
	}
	return inner.Close()
}

// Close terminates the stdio session. Streamable-http has no persistent
// session to close.
func (c *Conn) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}
