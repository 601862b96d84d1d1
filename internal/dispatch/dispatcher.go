package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/pwmcp/internal/aria"
	"github.com/InsulaLabs/pwmcp/internal/child"
	"github.com/InsulaLabs/pwmcp/internal/intercept"
	"github.com/InsulaLabs/pwmcp/internal/leaseq"
	"github.com/InsulaLabs/pwmcp/internal/pool"
	"github.com/InsulaLabs/pwmcp/internal/snapcache"
	"github.com/InsulaLabs/pwmcp/models"
)

const (
	// DefaultPageLimit is the page size applied to snapshot pagination
	// when the caller does not pass one.
	DefaultPageLimit = 50

	maxPageLimit = 10000
)

// Tools whose results carry an ARIA snapshot eligible for post-processing
// and page caching.
var snapshotTools = map[string]bool{
	"browser_navigate": true,
	"browser_snapshot": true,
}

// ErrInvalidParams reports a caller mistake detected before any child
// interaction.
type ErrInvalidParams struct {
	Message string
}

func (e *ErrInvalidParams) Error() string { return e.Message }

// Dispatcher is the front door for every inbound tool call: it resolves
// the target pool, scopes a lease around the child interaction, interposes
// binary interception on results, and mediates the snapshot cache.
type Dispatcher struct {
	logger      *slog.Logger
	registry    *pool.Registry
	interceptor *intercept.Interceptor
	snapshots   *snapcache.Cache
	callTimeout time.Duration
}

func New(logger *slog.Logger, registry *pool.Registry, interceptor *intercept.Interceptor, snapshots *snapcache.Cache, callTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:      logger.With("component", "dispatch"),
		registry:    registry,
		interceptor: interceptor,
		snapshots:   snapshots,
		callTimeout: callTimeout,
	}
}

// Execute runs one tool call. The browser_pool and browser_instance
// selectors are stripped from args before anything is forwarded to a
// child.
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	args, poolName, instanceKey := splitSelectors(args)

	if toolName == "browser_execute_bulk" {
		return d.executeBulk(ctx, args, poolName, instanceKey)
	}
	if snapshotTools[toolName] {
		return d.executeSnapshot(ctx, toolName, args, poolName, instanceKey)
	}
	if toolName == "browser_evaluate" {
		return d.executeEvaluate(ctx, toolName, args, poolName, instanceKey)
	}
	return d.executePlain(ctx, toolName, args, poolName, instanceKey)
}

// Status reports pool state without touching any lease.
func (d *Dispatcher) Status(poolName string) (models.FleetStatus, error) {
	return d.registry.Status(poolName)
}

func (d *Dispatcher) executePlain(ctx context.Context, toolName string, args map[string]any, poolName, instanceKey string) (any, error) {
	p, hint, err := d.registry.Resolve(poolName, instanceKey)
	if err != nil {
		return nil, err
	}
	handle, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := handle.CallTool(ctx, toolName, args, d.callTimeout)
	if err != nil {
		return nil, err
	}
	result := decodeResult(raw)
	return d.interceptor.Transform(toolName, result), nil
}

// snapshotParams are the post-processing controls accepted by snapshot
// tools and browser_evaluate; they are stripped before the call reaches
// the child.
type snapshotParams struct {
	url          string
	silentMode   bool
	flatten      bool
	query        string
	outputFormat string
	cacheKey     string
	offset       int
	limit        int

	// requested records that the caller asked for any post-processing
	// at all; evaluate results pass through untouched otherwise.
	requested bool
}

// parseSnapshotParams splits processing controls from the arguments that
// are forwarded to the child. Snapshot tools enforce that bare pagination
// rides on flatten, a query, or a cache key; evaluate results are list
// shaped already, so evaluate skips that check.
func parseSnapshotParams(args map[string]any, snapshotTool bool) (snapshotParams, map[string]any, error) {
	params := snapshotParams{
		outputFormat: "yaml",
		limit:        DefaultPageLimit,
	}
	forward := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "url":
			params.url, _ = v.(string)
			forward[k] = v
			continue
		case "silent_mode":
			params.silentMode, _ = v.(bool)
		case "flatten":
			params.flatten, _ = v.(bool)
		case "jmespath_query":
			params.query, _ = v.(string)
		case "output_format":
			if s, ok := v.(string); ok && s != "" {
				params.outputFormat = strings.ToLower(s)
			}
		case "cache_key":
			params.cacheKey, _ = v.(string)
		case "offset":
			params.offset = asInt(v, 0)
		case "limit":
			params.limit = asInt(v, DefaultPageLimit)
		default:
			forward[k] = v
			continue
		}
		params.requested = true
	}

	if params.outputFormat != "yaml" && params.outputFormat != "json" {
		return params, nil, &ErrInvalidParams{Message: "output_format must be 'json' or 'yaml'"}
	}
	if params.offset < 0 {
		return params, nil, &ErrInvalidParams{Message: "offset must be >= 0"}
	}
	if params.limit < 1 || params.limit > maxPageLimit {
		return params, nil, &ErrInvalidParams{Message: fmt.Sprintf("limit must be between 1 and %d", maxPageLimit)}
	}
	if snapshotTool &&
		(params.offset > 0 || params.limit != DefaultPageLimit) &&
		!params.flatten && params.query == "" && params.cacheKey == "" {
		return params, nil, &ErrInvalidParams{
			Message: "pagination (offset/limit) requires flatten=true, jmespath_query, or cache_key",
		}
	}
	return params, forward, nil
}

func (d *Dispatcher) executeSnapshot(ctx context.Context, toolName string, args map[string]any, poolName, instanceKey string) (any, error) {
	params, forward, err := parseSnapshotParams(args, true)
	if err != nil {
		return nil, err
	}

	// Cache short-circuit: a known fingerprint addressed on a page
	// boundary is served without leasing a child at all.
	if params.cacheKey != "" {
		if page, ok := d.lookupCachedPage(params); ok {
			return page, nil
		}
		d.logger.Debug("cache key missed, fetching fresh snapshot", "cache_key", params.cacheKey)
	}

	p, hint, err := d.registry.Resolve(poolName, instanceKey)
	if err != nil {
		return nil, err
	}
	handle, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := handle.CallTool(ctx, toolName, forward, d.callTimeout)
	if err != nil {
		return nil, err
	}
	result := decodeResult(raw)
	result = d.interceptor.Transform(toolName, result)

	resultMap, _ := result.(map[string]any)
	yamlText := extractSnapshotText(resultMap)
	if yamlText == "" {
		return d.errorPage(params, "no ARIA snapshot found in response"), nil
	}
	return d.processSnapshot(params, yamlText), nil
}

// executeEvaluate runs browser_evaluate. Without processing params it is
// an ordinary passthrough; with them, the (typically array-shaped) result
// is queried and paginated through the snapshot cache, fingerprinted over
// the raw result text.
func (d *Dispatcher) executeEvaluate(ctx context.Context, toolName string, args map[string]any, poolName, instanceKey string) (any, error) {
	_, formatGiven := args["output_format"]
	params, forward, err := parseSnapshotParams(args, false)
	if err != nil {
		return nil, err
	}
	if !params.requested {
		return d.executePlain(ctx, toolName, forward, poolName, instanceKey)
	}
	if !formatGiven {
		// Evaluation results are JSON values, not ARIA trees.
		params.outputFormat = "json"
	}

	if params.cacheKey != "" {
		if page, ok := d.lookupCachedPage(params); ok {
			return page, nil
		}
		d.logger.Debug("cache key missed, re-evaluating", "cache_key", params.cacheKey)
	}

	p, hint, err := d.registry.Resolve(poolName, instanceKey)
	if err != nil {
		return nil, err
	}
	handle, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := handle.CallTool(ctx, toolName, forward, d.callTimeout)
	if err != nil {
		return nil, err
	}
	result := decodeResult(raw)
	result = d.interceptor.Transform(toolName, result)

	resultMap, _ := result.(map[string]any)
	text := extractSnapshotText(resultMap)
	if text == "" {
		return d.errorPage(params, "no result text found in evaluate response"), nil
	}

	// The evaluated value arrives JSON-encoded; anything unparseable is
	// carried as one opaque page.
	var data any
	if jsonErr := json.Unmarshal([]byte(text), &data); jsonErr != nil {
		data = text
	}
	if params.query != "" {
		queried, qErr := aria.Query(data, params.query)
		if qErr != nil {
			return d.errorPage(params, qErr.Error()), nil
		}
		data = queried
	}

	fingerprint := snapcache.Fingerprint(text, params.query, false, params.outputFormat)
	params.cacheKey = fingerprint

	pages, totalItems := d.buildPages(params, data)
	d.snapshots.Store(fingerprint, pages, totalItems, params.limit, 0)

	page, lErr := d.snapshots.Lookup(fingerprint, params.offset/params.limit)
	if lErr != nil {
		return &models.SnapshotPage{
			Success:      true,
			Fingerprint:  fingerprint,
			TotalItems:   totalItems,
			TotalPages:   len(pages),
			Offset:       params.offset,
			Limit:        params.limit,
			HasMore:      false,
			OutputFormat: params.outputFormat,
		}, nil
	}
	return d.renderPage(params, page), nil
}

// processSnapshot parses, post-processes, paginates, and caches one raw
// snapshot, returning the requested page.
func (d *Dispatcher) processSnapshot(params snapshotParams, yamlText string) any {
	tree, parseErrs := aria.Parse(yamlText)
	if tree == nil {
		return d.errorPage(params, fmt.Sprintf("ARIA snapshot parse errors: %s", strings.Join(parseErrs, "; ")))
	}
	if len(parseErrs) > 0 {
		d.logger.Warn("snapshot parsed with errors", "errors", len(parseErrs))
	}

	var data any = tree
	if params.flatten {
		data = aria.Flatten(tree)
	}
	if params.query != "" {
		queried, err := aria.Query(data, params.query)
		if err != nil {
			return d.errorPage(params, err.Error())
		}
		data = queried
	}

	fingerprint := snapcache.Fingerprint(yamlText, params.query, params.flatten, params.outputFormat)
	params.cacheKey = fingerprint

	pages, totalItems := d.buildPages(params, data)
	d.snapshots.Store(fingerprint, pages, totalItems, params.limit, 0)

	pageIndex := params.offset / params.limit
	page, err := d.snapshots.Lookup(fingerprint, pageIndex)
	if err != nil {
		// Offset beyond the final page: an empty page, not an error.
		return &models.SnapshotPage{
			Success:      true,
			URL:          params.url,
			Fingerprint:  fingerprint,
			TotalItems:   totalItems,
			TotalPages:   len(pages),
			Offset:       params.offset,
			Limit:        params.limit,
			HasMore:      false,
			OutputFormat: params.outputFormat,
		}
	}
	return d.renderPage(params, page)
}

// buildPages cuts the processed data into rendered page strings. A
// non-list result is one page; an empty list is one empty page.
func (d *Dispatcher) buildPages(params snapshotParams, data any) ([]string, int) {
	if list, ok := data.([]any); ok && len(list) == 0 {
		return []string{""}, 0
	}

	var pages []string
	total := 0
	for start := 0; ; start += params.limit {
		pageData, n, hasMore := aria.Paginate(data, start, params.limit)
		total = n
		rendered, err := aria.Render(pageData, params.outputFormat)
		if err != nil {
			d.logger.Error("failed to render snapshot page", "error", err)
			rendered = ""
		}
		pages = append(pages, rendered)
		if !hasMore {
			break
		}
	}
	return pages, total
}

// lookupCachedPage serves a page from the snapshot cache when the caller's
// offset/limit address a page boundary of the cached pagination.
func (d *Dispatcher) lookupCachedPage(params snapshotParams) (*models.SnapshotPage, bool) {
	entry, ok := d.snapshots.Peek(params.cacheKey)
	if !ok {
		return nil, false
	}
	if params.limit != entry.PageSize || params.offset%entry.PageSize != 0 {
		// Re-slicing with a different page geometry requires fresh
		// post-processing.
		return nil, false
	}
	page, err := d.snapshots.Lookup(params.cacheKey, params.offset/entry.PageSize)
	if err != nil {
		return &models.SnapshotPage{
			Success:      true,
			URL:          params.url,
			Fingerprint:  params.cacheKey,
			TotalItems:   entry.TotalItems,
			TotalPages:   len(entry.Pages),
			Offset:       params.offset,
			Limit:        params.limit,
			HasMore:      false,
			OutputFormat: params.outputFormat,
		}, true
	}
	return d.renderPage(params, page), true
}

func (d *Dispatcher) renderPage(params snapshotParams, page *snapcache.Page) *models.SnapshotPage {
	out := &models.SnapshotPage{
		Success:      true,
		URL:          params.url,
		Fingerprint:  params.cacheKey,
		TotalItems:   page.TotalItems,
		TotalPages:   page.TotalPages,
		Offset:       page.PageIndex * page.PageSize,
		Limit:        page.PageSize,
		HasMore:      page.HasMore,
		OutputFormat: params.outputFormat,
	}
	if !params.silentMode {
		out.Snapshot = page.Content
	}
	return out
}

func (d *Dispatcher) errorPage(params snapshotParams, message string) *models.SnapshotPage {
	return &models.SnapshotPage{
		Success:      false,
		URL:          params.url,
		Offset:       params.offset,
		Limit:        params.limit,
		OutputFormat: params.outputFormat,
		Error:        message,
	}
}

// executeBulk runs a command list sequentially on one leased child. The
// lease is taken once up front and released exactly once at the end, so
// session state carries across the whole batch.
func (d *Dispatcher) executeBulk(ctx context.Context, args map[string]any, poolName, instanceKey string) (any, error) {
	commands, stopOnError, returnAll, err := parseBulkArgs(args)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		msg := "commands array cannot be empty"
		return &models.BulkResponse{
			Success: false,
			Results: []any{},
			Errors:  []*string{&msg},
		}, nil
	}

	p, hint, err := d.registry.Resolve(poolName, instanceKey)
	if err != nil {
		return nil, err
	}
	handle, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	batchID := uuid.NewString()
	d.logger.Debug("bulk batch leased",
		"batch_id", batchID,
		"instance", handle.ID(),
		"commands", len(commands),
		"stop_on_error", stopOnError,
	)

	total := len(commands)
	resp := &models.BulkResponse{
		Success: true,
		Results: make([]any, total),
		Errors:  make([]*string, total),
	}
	resp.TotalCount = total

	for idx, cmd := range commands {
		result, cmdErr := d.executeOnHandle(ctx, handle, cmd.Tool, cmd.Args)
		resp.ExecutedCount++
		if cmdErr != nil {
			msg := cmdErr.Error()
			resp.Errors[idx] = &msg
			resp.Success = false
			if stopOnError {
				stopped := idx
				resp.StoppedAt = &stopped
				break
			}
			continue
		}
		if cmd.ReturnResult || returnAll {
			resp.Results[idx] = result
		}

		// A dead child fails everything that would follow.
		if handle.State() == models.InstanceFailed {
			msg := "instance failed during bulk execution"
			resp.Success = false
			if resp.Errors[idx] == nil {
				resp.Errors[idx] = &msg
			}
			stopped := idx
			resp.StoppedAt = &stopped
			break
		}
	}
	return resp, nil
}

// executeOnHandle runs one bulk sub-command against an already-leased
// child, with interception and snapshot processing but no extra lease.
func (d *Dispatcher) executeOnHandle(ctx context.Context, handle pool.Runner, toolName string, args map[string]any) (any, error) {
	// Per-command selectors are meaningless once the batch holds its
	// lease; drop them.
	args, _, _ = splitSelectors(args)

	if snapshotTools[toolName] {
		params, forward, err := parseSnapshotParams(args, true)
		if err != nil {
			return nil, err
		}
		if params.cacheKey != "" {
			if page, ok := d.lookupCachedPage(params); ok {
				return page, nil
			}
		}
		raw, err := handle.CallTool(ctx, toolName, forward, d.callTimeout)
		if err != nil {
			return nil, err
		}
		result := d.interceptor.Transform(toolName, decodeResult(raw))
		resultMap, _ := result.(map[string]any)
		yamlText := extractSnapshotText(resultMap)
		if yamlText == "" {
			return d.errorPage(params, "no ARIA snapshot found in response"), nil
		}
		return d.processSnapshot(params, yamlText), nil
	}

	raw, err := handle.CallTool(ctx, toolName, args, d.callTimeout)
	if err != nil {
		return nil, err
	}
	return d.interceptor.Transform(toolName, decodeResult(raw)), nil
}

func parseBulkArgs(args map[string]any) ([]models.BulkCommand, bool, bool, error) {
	rawCommands, _ := args["commands"].([]any)
	stopOnError := true
	if v, ok := args["stop_on_error"].(bool); ok {
		stopOnError = v
	}
	returnAll, _ := args["return_all_results"].(bool)

	commands := make([]models.BulkCommand, 0, len(rawCommands))
	for idx, raw := range rawCommands {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, false, false, &ErrInvalidParams{Message: fmt.Sprintf("command at index %d is not an object", idx)}
		}
		tool, _ := m["tool"].(string)
		if tool == "" {
			return nil, false, false, &ErrInvalidParams{Message: fmt.Sprintf("command at index %d missing required 'tool' field", idx)}
		}
		cmdArgs, ok := m["args"].(map[string]any)
		if !ok {
			return nil, false, false, &ErrInvalidParams{Message: fmt.Sprintf("command at index %d missing required 'args' field", idx)}
		}
		ret, _ := m["return_result"].(bool)
		commands = append(commands, models.BulkCommand{Tool: tool, Args: cmdArgs, ReturnResult: ret})
	}
	return commands, stopOnError, returnAll, nil
}

// MapError flattens the component error taxonomy into the user-visible
// {kind, message} failure shape.
func MapError(err error) models.ToolError {
	var (
		invalidParams *ErrInvalidParams
		poolNotFound  *pool.ErrPoolNotFound
		ambiguous     *pool.ErrAmbiguousAlias
		exhausted     *pool.ErrPoolExhausted
		unknownKey    *leaseq.ErrUnknownKey
		timeout       *child.ErrCallTimeout
		gone          *child.ErrChildGone
		remote        *child.ErrRemote
		queryErr      *aria.ErrQuery
	)
	switch {
	case errors.As(err, &invalidParams):
		return models.ToolError{Kind: "invalid_params", Message: err.Error()}
	case errors.As(err, &poolNotFound), errors.As(err, &unknownKey):
		return models.ToolError{Kind: "not_found", Message: err.Error()}
	case errors.As(err, &ambiguous):
		return models.ToolError{Kind: "ambiguous_alias", Message: err.Error()}
	case errors.Is(err, pool.ErrShuttingDown), errors.Is(err, leaseq.ErrQueueClosed):
		return models.ToolError{Kind: "shutting_down", Message: err.Error()}
	case errors.As(err, &exhausted):
		return models.ToolError{Kind: "pool_exhausted", Message: err.Error()}
	case errors.As(err, &timeout):
		return models.ToolError{Kind: "timeout", Message: err.Error()}
	case errors.As(err, &gone), errors.Is(err, leaseq.ErrHandleRemoved):
		return models.ToolError{Kind: "child_gone", Message: err.Error()}
	case errors.As(err, &remote):
		return models.ToolError{Kind: "remote_error", Message: err.Error()}
	case errors.As(err, &queryErr):
		return models.ToolError{Kind: "query_error", Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, child.ErrStopped):
		return models.ToolError{Kind: "cancelled", Message: err.Error()}
	default:
		return models.ToolError{Kind: "internal", Message: err.Error()}
	}
}

func splitSelectors(args map[string]any) (map[string]any, string, string) {
	out := make(map[string]any, len(args))
	var poolName, instanceKey string
	for k, v := range args {
		switch k {
		case "browser_pool":
			poolName, _ = v.(string)
		case "browser_instance":
			instanceKey = asKeyString(v)
		default:
			out[k] = v
		}
	}
	return out, poolName, instanceKey
}

// asKeyString accepts instance selectors sent as strings or numbers.
func asKeyString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return fmt.Sprintf("%d", int(n))
	case int:
		return fmt.Sprintf("%d", n)
	}
	return ""
}

func asInt(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// decodeResult turns the child's raw JSON into a generic tree; undecodable
// payloads are wrapped as text so interception still sees them.
func decodeResult(raw json.RawMessage) any {
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return map[string]any{"text": string(raw)}
	}
	return result
}

// extractSnapshotText pulls the YAML snapshot out of an MCP content
// response: the first text content block.
func extractSnapshotText(result map[string]any) string {
	if result == nil {
		return ""
	}
	content, ok := result["content"].([]any)
	if !ok {
		return ""
	}
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] == "text" {
			text, _ := block["text"].(string)
			return text
		}
	}
	return ""
}
