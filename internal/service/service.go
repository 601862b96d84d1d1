package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/InsulaLabs/pwmcp/internal/dispatch"
)

const (
	serverName    = "playwright-proxy"
	serverVersion = "1.0.0"

	instructions = "Proxy for playwright-mcp browser automation. Every browser tool accepts " +
		"optional browser_pool and browser_instance selectors for targeting a specific " +
		"browser; snapshot tools support flatten, jmespath_query, pagination, and cache_key " +
		"reuse; large binary results are replaced with blob:// references."
)

// toolDef declares one proxied browser tool. Options beyond the selectors
// are spelled out only where the proxy itself interprets them.
type toolDef struct {
	name        string
	description string
	extra       []mcp.ToolOption
}

var snapshotOpts = []mcp.ToolOption{
	mcp.WithBoolean("silent_mode", mcp.Description("Suppress snapshot output")),
	mcp.WithBoolean("flatten", mcp.Description("Flatten the ARIA tree to a depth-first node list before pagination")),
	mcp.WithString("jmespath_query", mcp.Description("JMESPath expression applied to the snapshot before pagination")),
	mcp.WithString("output_format", mcp.Description("Snapshot format: 'yaml' (default) or 'json'")),
	mcp.WithString("cache_key", mcp.Description("Reuse a cached snapshot from a previous call")),
	mcp.WithNumber("offset", mcp.Description("Pagination start index")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
}

// The proxied tool surface. Each is forwarded to the dispatcher under the
// same name; playwright-mcp itself validates tool-specific arguments.
var browserTools = []toolDef{
	{name: "browser_navigate", description: "Navigate to a URL and capture a paginated ARIA snapshot with optional flattening and JMESPath filtering.",
		extra: append([]mcp.ToolOption{mcp.WithString("url", mcp.Required(), mcp.Description("Target URL"))}, snapshotOpts...)},
	{name: "browser_navigate_back", description: "Go back to the previous page."},
	{name: "browser_snapshot", description: "Capture an ARIA snapshot of the current page with the same post-processing options as browser_navigate.",
		extra: snapshotOpts},
	{name: "browser_click", description: "Click an element on the page."},
	{name: "browser_drag", description: "Drag one element onto another."},
	{name: "browser_hover", description: "Hover over an element."},
	{name: "browser_select_option", description: "Select options in a dropdown."},
	{name: "browser_generate_locator", description: "Generate a locator for an element."},
	{name: "browser_fill_form", description: "Fill multiple form fields at once."},
	{name: "browser_take_screenshot", description: "Take a screenshot; oversize image data is stored as a blob:// reference."},
	{name: "browser_pdf_save", description: "Save the page as a PDF; the document is stored as a blob:// reference."},
	{name: "browser_run_code", description: "Run playwright code against the page."},
	{name: "browser_evaluate", description: "Evaluate a JavaScript expression on the page; array results support jmespath_query, pagination, and cache_key reuse.",
		extra: snapshotOpts},
	{name: "browser_mouse_move_xy", description: "Move the mouse to coordinates."},
	{name: "browser_mouse_click_xy", description: "Click at coordinates."},
	{name: "browser_mouse_drag_xy", description: "Drag between coordinates."},
	{name: "browser_press_key", description: "Press a keyboard key."},
	{name: "browser_type", description: "Type text into an element."},
	{name: "browser_wait_for", description: "Wait for text to appear, disappear, or a timeout."},
	{name: "browser_verify_element_visible", description: "Verify an element is visible."},
	{name: "browser_verify_text_visible", description: "Verify text is visible."},
	{name: "browser_verify_list_visible", description: "Verify a list is visible."},
	{name: "browser_verify_value", description: "Verify an element's value."},
	{name: "browser_network_requests", description: "List network requests made by the page."},
	{name: "browser_tabs", description: "List, open, select, or close tabs."},
	{name: "browser_console_messages", description: "Read console messages."},
	{name: "browser_handle_dialog", description: "Accept or dismiss a dialog."},
	{name: "browser_file_upload", description: "Upload files through a file chooser."},
	{name: "browser_start_tracing", description: "Start trace recording."},
	{name: "browser_stop_tracing", description: "Stop trace recording."},
	{name: "browser_install", description: "Install the configured browser."},
	{name: "browser_close", description: "Close the current page."},
	{name: "browser_resize", description: "Resize the browser window."},
}

// Service exposes the proxied tool surface over MCP stdio.
type Service struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	mcp        *server.MCPServer
}

func New(logger *slog.Logger, dispatcher *dispatch.Dispatcher) *Service {
	s := &Service{
		logger:     logger.With("component", "service"),
		dispatcher: dispatcher,
	}
	s.mcp = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

func (s *Service) registerTools() {
	selectorOpts := []mcp.ToolOption{
		mcp.WithString("browser_pool", mcp.Description("Target pool name; omit for the default pool")),
		mcp.WithString("browser_instance", mcp.Description("Target instance by numeric id or alias; omit for FIFO selection")),
	}

	for _, def := range browserTools {
		opts := []mcp.ToolOption{mcp.WithDescription(def.description)}
		opts = append(opts, def.extra...)
		opts = append(opts, selectorOpts...)
		s.mcp.AddTool(mcp.NewTool(def.name, opts...), s.forwardHandler(def.name))
	}

	s.mcp.AddTool(mcp.NewTool("browser_execute_bulk",
		mcp.WithDescription("Execute multiple browser commands sequentially on a single leased instance, preserving session state across the batch."),
		mcp.WithArray("commands", mcp.Required(), mcp.Description("Commands to run in order; each is {tool, args, return_result?}")),
		mcp.WithBoolean("stop_on_error", mcp.Description("Halt at the first failing command (default true)")),
		mcp.WithBoolean("return_all_results", mcp.Description("Return every command's result, not only those marked return_result")),
		mcp.WithString("browser_pool", mcp.Description("Pool used for the whole batch")),
		mcp.WithString("browser_instance", mcp.Description("Instance used for the whole batch")),
	), s.forwardHandler("browser_execute_bulk"))

	s.mcp.AddTool(mcp.NewTool("browser_pool_status",
		mcp.WithDescription("Report instance state, leases, and health for one pool or the whole fleet."),
		mcp.WithString("pool_name", mcp.Description("Pool to report; omit for all pools")),
	), s.statusHandler)

	s.logger.Info("tool surface registered", "tools", len(browserTools)+2)
}

func (s *Service) forwardHandler(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		result, err := s.dispatcher.Execute(ctx, toolName, args)
		if err != nil {
			return s.errorResult(toolName, err), nil
		}
		return s.jsonResult(result), nil
	}
}

func (s *Service) statusHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	poolName := request.GetString("pool_name", "")
	fleet, err := s.dispatcher.Status(poolName)
	if err != nil {
		return s.errorResult("browser_pool_status", err), nil
	}
	return s.jsonResult(fleet), nil
}

func (s *Service) errorResult(toolName string, err error) *mcp.CallToolResult {
	te := dispatch.MapError(err)
	s.logger.Warn("tool call failed", "tool", toolName, "kind", te.Kind, "error", te.Message)
	payload, mErr := json.Marshal(map[string]any{"error": te})
	if mErr != nil {
		return mcp.NewToolResultError(te.Message)
	}
	return mcp.NewToolResultError(string(payload))
}

func (s *Service) jsonResult(result any) *mcp.CallToolResult {
	if text, ok := result.(string); ok {
		return mcp.NewToolResultText(text)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to encode tool result", "error", err)
		return mcp.NewToolResultError("failed to encode tool result")
	}
	return mcp.NewToolResultText(string(payload))
}

// Serve runs the MCP server over stdio until the client disconnects or
// the context is cancelled. Stdout carries the protocol, so all logging
// stays on stderr.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
