package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loomcode/loom/internal/errs"
	"github.com/loomcode/loom/internal/event"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultCallTimeout is the progress-reset deadline applied to a tools/call
// when the server config does not specify its own Timeout (spec: 30s default).
const defaultCallTimeout = 30 * time.Second

// Client manages MCP server connections using the official MCP SDK.
type Client struct {
	mu        sync.RWMutex
	servers   map[string]*mcpServer
	sdkClient *sdkmcp.Client
}

// mcpServer represents a connected MCP server.
type mcpServer struct {
	name       string
	config     *Config
	session    *sdkmcp.ClientSession
	tools      []Tool
	resources  []Resource
	prompts    []Prompt
	status     Status
	error      string
	serverInfo *ServerInfo

	// toolsChanged is set by the list_changed notification handler; the next
	// completed request triggers a tools/list refresh and an mcp.tools.changed
	// bus publish, per spec.
	toolsChanged bool

	progressMu   sync.Mutex
	progressSubs []chan struct{}
}

// subscribeProgress registers a channel that receives a signal every time a
// notifications/progress (or $/progress) notification arrives for this
// server's session. Callers must call unsubscribeProgress when done.
func (s *mcpServer) subscribeProgress() chan struct{} {
	ch := make(chan struct{}, 1)
	s.progressMu.Lock()
	s.progressSubs = append(s.progressSubs, ch)
	s.progressMu.Unlock()
	return ch
}

func (s *mcpServer) unsubscribeProgress(ch chan struct{}) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	for i, sub := range s.progressSubs {
		if sub == ch {
			s.progressSubs = append(s.progressSubs[:i], s.progressSubs[i+1:]...)
			return
		}
	}
}

func (s *mcpServer) broadcastProgress() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	for _, ch := range s.progressSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// NewClient creates a new MCP client.
func NewClient() *Client {
	c := &Client{
		servers: make(map[string]*mcpServer),
	}

	c.sdkClient = sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "loom",
		Version: "1.0.0",
	}, &sdkmcp.ClientOptions{
		ProgressNotificationHandler: func(ctx context.Context, req *sdkmcp.ProgressNotificationClientRequest) {
			c.onProgress(req.Session)
		},
		ToolListChangedHandler: func(ctx context.Context, req *sdkmcp.ToolListChangedRequest) {
			c.onToolListChanged(req.Session)
		},
	})

	return c
}

// onProgress resets the deadline of every in-flight tools/call awaiting a
// response from the server owning session, per the progress-reset contract.
func (c *Client) onProgress(session *sdkmcp.ClientSession) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, server := range c.servers {
		if server.session == session {
			server.broadcastProgress()
			return
		}
	}
}

// onToolListChanged marks the owning server for a tools/list refresh on the
// next completed request and publishes mcp.tools.changed.
func (c *Client) onToolListChanged(session *sdkmcp.ClientSession) {
	c.mu.Lock()
	var name string
	for n, server := range c.servers {
		if server.session == session {
			server.toolsChanged = true
			name = n
			break
		}
	}
	c.mu.Unlock()

	if name != "" {
		event.Publish(event.Event{Type: event.MCPToolsChanged, Data: name})
	}
}

// AddServer adds and connects to an MCP server.
func (c *Client) AddServer(ctx context.Context, name string, config *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if already exists
	if _, ok := c.servers[name]; ok {
		return fmt.Errorf("server already exists: %s", name)
	}

	if !config.Enabled {
		c.servers[name] = &mcpServer{
			name:   name,
			config: config,
			status: StatusDisabled,
		}
		return nil
	}

	server, err := c.connectServer(ctx, name, config)
	if err != nil {
		c.servers[name] = &mcpServer{
			name:   name,
			config: config,
			status: statusForConnectError(err),
			error:  err.Error(),
		}
		return err
	}

	c.servers[name] = server
	return nil
}

// statusForConnectError maps a classified connect error onto the server
// status transitions spec.md's MCP client names.
func statusForConnectError(err error) Status {
	var mcpErr *errs.MCPError
	if !errors.As(err, &mcpErr) {
		return StatusFailed
	}
	switch mcpErr.Kind {
	case errs.MCPUnauthorized, errs.MCPOAuthError:
		return StatusNeedsAuth
	case errs.MCPProtocolError:
		if strings.Contains(strings.ToLower(mcpErr.Reason), "registration") || strings.Contains(strings.ToLower(mcpErr.Reason), "client_id") {
			return StatusNeedsClientRegistration
		}
	}
	return StatusFailed
}

// classifyConnectError turns a raw SDK/transport connect error into a typed
// MCPError, inspecting the message for the markers spec.md's status
// transitions are defined over (no structured error types are exposed by
// the transport layer for "unauthorized" or "needs registration").
func classifyConnectError(serverID string, err error) *errs.MCPError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401"):
		return errs.NewMCPError(serverID, errs.MCPUnauthorized, "unauthorized", err)
	case strings.Contains(msg, "registration") || strings.Contains(msg, "client_id"):
		return errs.NewMCPError(serverID, errs.MCPProtocolError, err.Error(), err)
	default:
		return errs.NewMCPError(serverID, errs.MCPTransportError, "failed to connect", err)
	}
}

// connectServer establishes connection to an MCP server using the SDK.
func (c *Client) connectServer(ctx context.Context, name string, config *Config) (*mcpServer, error) {
	timeout := time.Duration(config.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	var bearerToken string
	if config.OAuth != nil {
		token, err := config.OAuth.GetToken(ctx)
		if err != nil || token == "" {
			if err == nil {
				err = ErrNoToken
			}
			return nil, errs.NewMCPError(name, errs.MCPOAuthError, "no oauth token available", err)
		}
		bearerToken = token
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transport sdkmcp.Transport

	switch config.Type {
	case TransportTypeRemote:
		// Use SSE transport for remote HTTP servers
		httpClient := &http.Client{Timeout: timeout}
		if bearerToken != "" {
			httpClient.Transport = &bearerRoundTripper{token: bearerToken, base: http.DefaultTransport}
		}
		transport = &sdkmcp.SSEClientTransport{
			Endpoint:   config.URL,
			HTTPClient: httpClient,
		}

	case TransportTypeLocal, TransportTypeStdio:
		if len(config.Command) == 0 {
			return nil, errs.NewMCPError(name, errs.MCPTransportError, "empty command", nil)
		}

		cmd := exec.Command(config.Command[0], config.Command[1:]...)

		// Set environment
		cmd.Env = os.Environ()
		for k, v := range config.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		transport = &sdkmcp.CommandTransport{Command: cmd}

	default:
		return nil, errs.NewMCPError(name, errs.MCPTransportError, fmt.Sprintf("unknown transport type: %s", config.Type), nil)
	}

	server := &mcpServer{
		name:   name,
		config: config,
		status: StatusConnecting,
	}

	// Connect using the SDK client
	session, err := c.sdkClient.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, classifyConnectError(name, err)
	}

	server.session = session

	// Get server info from initialization result
	initResult := session.InitializeResult()
	if initResult != nil {
		server.serverInfo = &ServerInfo{
			Name:    initResult.ServerInfo.Name,
			Version: initResult.ServerInfo.Version,
		}
	}

	// List tools
	if err := server.listTools(ctx); err != nil {
		// Non-fatal, tools might not be supported
		server.tools = []Tool{}
	}

	server.status = StatusConnected
	return server, nil
}

// listTools lists available tools from the server using the SDK.
func (s *mcpServer) listTools(ctx context.Context) error {
	if s.session == nil {
		return fmt.Errorf("not connected")
	}

	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	s.tools = make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		s.tools[i] = FromSDKTool(t)
	}

	return nil
}

// Tools returns all tools from all connected servers.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var allTools []Tool
	for name, server := range c.servers {
		if server.status != StatusConnected {
			continue
		}

		for _, tool := range server.tools {
			// Prefix tool name with server name
			prefixedTool := Tool{
				Name:        sanitizeToolName(name) + "_" + sanitizeToolName(tool.Name),
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}
			allTools = append(allTools, prefixedTool)
		}
	}

	return allTools
}

// ExecuteTool executes a tool on the appropriate server.
func (c *Client) ExecuteTool(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	c.mu.RLock()

	// Find server and tool
	var targetServer *mcpServer
	var originalToolName string

	for name, server := range c.servers {
		if server.status != StatusConnected {
			continue
		}

		prefix := sanitizeToolName(name) + "_"
		if strings.HasPrefix(toolName, prefix) {
			targetServer = server
			originalToolName = strings.TrimPrefix(toolName, prefix)
			// Need to unsanitize the tool name
			for _, t := range server.tools {
				if sanitizeToolName(t.Name) == originalToolName {
					originalToolName = t.Name
					break
				}
			}
			break
		}
	}
	c.mu.RUnlock()

	if targetServer == nil {
		return "", fmt.Errorf("no server found for tool: %s", toolName)
	}

	if targetServer.session == nil {
		return "", fmt.Errorf("server not connected: %s", targetServer.name)
	}

	// Parse arguments into a map
	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
	}

	// Execute tool using SDK
	params := &sdkmcp.CallToolParams{
		Name:      originalToolName,
		Arguments: argsMap,
	}

	result, err := callToolWithProgressReset(ctx, targetServer, params)
	if err != nil {
		return "", err
	}

	if targetServer.toolsChanged {
		targetServer.toolsChanged = false
		_ = targetServer.listTools(ctx)
	}

	if result.IsError {
		// Extract error message from content
		for _, content := range result.Content {
			if textContent, ok := content.(*sdkmcp.TextContent); ok {
				return "", errs.NewMCPError(targetServer.name, errs.MCPServerError, textContent.Text, nil)
			}
		}
		return "", errs.NewMCPError(targetServer.name, errs.MCPServerError, "tool execution failed", nil)
	}

	// Extract text content
	var output strings.Builder
	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			output.WriteString(textContent.Text)
		}
	}

	return output.String(), nil
}

type callToolOutcome struct {
	result *sdkmcp.CallToolResult
	err    error
}

// callToolWithProgressReset calls tools/call on server, enforcing a deadline
// that is reset to now+timeout every time a progress notification arrives
// for that server while the call is in flight. A server's own configured
// Timeout overrides defaultCallTimeout; the call still respects ctx's
// cancellation/deadline regardless of progress notifications.
func callToolWithProgressReset(ctx context.Context, server *mcpServer, params *sdkmcp.CallToolParams) (*sdkmcp.CallToolResult, error) {
	timeout := defaultCallTimeout
	if server.config != nil && server.config.Timeout > 0 {
		timeout = time.Duration(server.config.Timeout) * time.Millisecond
	}
	return awaitWithProgressReset(ctx, server, timeout, func(callCtx context.Context) (*sdkmcp.CallToolResult, error) {
		return server.session.CallTool(callCtx, params)
	})
}

// awaitWithProgressReset runs call and enforces the progress-reset deadline
// around it: the timer restarts from timeout whenever the server broadcasts
// a progress notification, and firing cancels the in-flight call.
func awaitWithProgressReset(ctx context.Context, server *mcpServer, timeout time.Duration, call func(context.Context) (*sdkmcp.CallToolResult, error)) (*sdkmcp.CallToolResult, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan callToolOutcome, 1)
	go func() {
		res, err := call(callCtx)
		outcome <- callToolOutcome{result: res, err: err}
	}()

	reset := server.subscribeProgress()
	defer server.unsubscribeProgress(reset)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case out := <-outcome:
			if out.err != nil {
				return nil, errs.NewMCPError(server.name, errs.MCPServerError, "tool call failed", out.err)
			}
			return out.result, nil
		case <-timer.C:
			cancel()
			return nil, errs.NewMCPError(server.name, errs.MCPTimeout, fmt.Sprintf("no response or progress within %s", timeout), nil)
		case <-reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ListResources lists all resources from all connected servers.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var allResources []Resource

	for name, server := range c.servers {
		if server.status != StatusConnected || server.session == nil {
			continue
		}

		resources, err := server.listResources(ctx)
		if err != nil {
			continue // Skip servers that fail
		}

		// Prefix resource URIs with server name
		for _, r := range resources {
			prefixed := Resource{
				URI:         fmt.Sprintf("mcp://%s/%s", name, r.URI),
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
			}
			allResources = append(allResources, prefixed)
		}
	}

	return allResources, nil
}

func (s *mcpServer) listResources(ctx context.Context) ([]Resource, error) {
	if s.session == nil {
		return nil, fmt.Errorf("not connected")
	}

	result, err := s.session.ListResources(ctx, nil)
	if err != nil {
		return nil, err
	}

	resources := make([]Resource, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = FromSDKResource(r)
	}

	return resources, nil
}

// ReadResource reads a resource from a server.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResponse, error) {
	// Parse the URI to find the server
	if !strings.HasPrefix(uri, "mcp://") {
		return nil, fmt.Errorf("invalid MCP URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "mcp://"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid MCP URI format: %s", uri)
	}

	serverName := parts[0]
	resourceURI := parts[1]

	c.mu.RLock()
	server, ok := c.servers[serverName]
	c.mu.RUnlock()

	if !ok || server.status != StatusConnected {
		return nil, fmt.Errorf("server not connected: %s", serverName)
	}

	return server.readResource(ctx, resourceURI)
}

func (s *mcpServer) readResource(ctx context.Context, uri string) (*ReadResourceResponse, error) {
	if s.session == nil {
		return nil, fmt.Errorf("not connected")
	}

	params := &sdkmcp.ReadResourceParams{URI: uri}
	result, err := s.session.ReadResource(ctx, params)
	if err != nil {
		return nil, err
	}

	resp := &ReadResourceResponse{
		Contents: make([]ResourceContent, len(result.Contents)),
	}

	for i, c := range result.Contents {
		content := ResourceContent{
			URI:      c.URI,
			MimeType: c.MIMEType,
			Text:     c.Text,
		}

		// Handle blob content
		if len(c.Blob) > 0 {
			content.Blob = string(c.Blob)
		}

		resp.Contents[i] = content
	}

	return resp, nil
}

// Status returns status of all MCP servers.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var status []ServerStatus
	for name, server := range c.servers {
		s := ServerStatus{
			Name:      name,
			Status:    server.status,
			ToolCount: len(server.tools),
		}
		if server.error != "" {
			s.Error = &server.error
		}
		status = append(status, s)
	}
	return status
}

// GetServer returns information about a specific server.
func (c *Client) GetServer(name string) (*ServerStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	server, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("server not found: %s", name)
	}

	s := &ServerStatus{
		Name:      name,
		Status:    server.status,
		ToolCount: len(server.tools),
	}
	if server.error != "" {
		s.Error = &server.error
	}

	return s, nil
}

// RemoveServer removes and disconnects a server.
func (c *Client) RemoveServer(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, ok := c.servers[name]
	if !ok {
		return fmt.Errorf("server not found: %s", name)
	}

	if server.session != nil {
		server.session.Close()
	}

	delete(c.servers, name)
	return nil
}

// Restart disconnects a server and reconnects it from its retained config,
// clearing its tools/resources/prompts before reconnecting so a caller never
// observes a stale tool list from the old connection alongside a fresh
// session. The config is taken from the server's own record, not re-passed
// by the caller, since that's the whole reason it's retained after connect.
func (c *Client) Restart(ctx context.Context, name string) error {
	c.mu.Lock()
	server, ok := c.servers[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("server not found: %s", name)
	}
	config := server.config
	if server.session != nil {
		server.session.Close()
	}
	delete(c.servers, name)
	c.mu.Unlock()

	return c.AddServer(ctx, name, config)
}

// Close disconnects all servers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, server := range c.servers {
		if server.session != nil {
			server.session.Close()
		}
	}

	c.servers = make(map[string]*mcpServer)
	return nil
}

// ServerCount returns the number of configured servers.
func (c *Client) ServerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}

// ConnectedCount returns the number of connected servers.
func (c *Client) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, server := range c.servers {
		if server.status == StatusConnected {
			count++
		}
	}
	return count
}

// bearerRoundTripper injects an OAuth bearer token into every request made
// over a remote/SSE transport's HTTP client.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+rt.token)
	return rt.base.RoundTrip(req)
}

// sanitizeToolName replaces non-alphanumeric chars with underscore.
func sanitizeToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}
