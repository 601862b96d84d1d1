package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/internal/blob"
	"github.com/InsulaLabs/pwmcp/internal/child"
	"github.com/InsulaLabs/pwmcp/internal/intercept"
	"github.com/InsulaLabs/pwmcp/internal/pool"
	"github.com/InsulaLabs/pwmcp/internal/snapcache"
	"github.com/InsulaLabs/pwmcp/models"
)

const sampleSnapshotYAML = `- document:
    - heading "One" [ref=e1]
    - heading "Two" [ref=e2]
    - heading "Three" [ref=e3]
`

// scriptedRunner serves canned results per tool and records every call.
type scriptedRunner struct {
	id    int
	alias string

	mu       sync.Mutex
	state    models.InstanceState
	results  map[string]string
	errs     map[string]error
	calls    []string
	gone     chan struct{}
	goneOnce sync.Once
}

func (r *scriptedRunner) ID() int                         { return r.id }
func (r *scriptedRunner) Alias() string                   { return r.alias }
func (r *scriptedRunner) Start(ctx context.Context) error { r.state = models.InstanceReady; return nil }
func (r *scriptedRunner) Stop(grace time.Duration)        { r.state = models.InstanceStopped }
func (r *scriptedRunner) Probe(ctx context.Context) error { return nil }
func (r *scriptedRunner) PID() int                        { return 4242 }
func (r *scriptedRunner) Config() config.Browser          { return config.Browser{} }

func (r *scriptedRunner) State() models.InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *scriptedRunner) MarkFailed(reason string) {
	ch := r.goneCh()
	r.mu.Lock()
	r.state = models.InstanceFailed
	r.mu.Unlock()
	r.goneOnce.Do(func() { close(ch) })
}

func (r *scriptedRunner) Gone() <-chan struct{} { return r.goneCh() }

func (r *scriptedRunner) goneCh() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone == nil {
		r.gone = make(chan struct{})
	}
	return r.gone
}

func (r *scriptedRunner) CallTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, tool)
	r.mu.Unlock()
	if err, ok := r.errs[tool]; ok {
		return nil, err
	}
	if res, ok := r.results[tool]; ok {
		return json.RawMessage(res), nil
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func (r *scriptedRunner) callCount(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == tool {
			n++
		}
	}
	return n
}

func snapshotResult() string {
	payload, _ := json.Marshal(map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": sampleSnapshotYAML},
		},
	})
	return string(payload)
}

func newTestDispatcher(t *testing.T, runner *scriptedRunner) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := blob.NewStore(logger, config.Blob{
		StorageRoot:     t.TempDir(),
		MaxSizeBytes:    10 * 1024 * 1024,
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
	})
	require.NoError(t, err)

	cfg := &config.Proxy{
		DefaultPoolName: "MAIN",
		HealthInterval:  time.Minute,
		HealthFailures:  3,
		Pools: []config.Pool{
			{
				Name:      "MAIN",
				IsDefault: true,
				Instances: 1,
				Children:  []config.Instance{{ID: 0, Alias: runner.alias}},
			},
		},
	}
	registry := pool.NewRegistry(logger, cfg, func(poolName string, inst config.Instance) pool.Runner {
		return runner
	})
	require.NoError(t, registry.Start(context.Background()))

	snapshots := snapcache.New(time.Minute)
	t.Cleanup(snapshots.Stop)

	return New(logger, registry, intercept.New(logger, store, 50*1024), snapshots, 5*time.Second)
}

func TestExecutePlainTool(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_click": `{"content":[{"type":"text","text":"clicked"}]}`,
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_click", map[string]any{
		"element": "button", "ref": "e3",
	})
	require.NoError(t, err)

	m := result.(map[string]any)
	blocks := m["content"].([]any)
	assert.Equal(t, "clicked", blocks[0].(map[string]any)["text"])
}

func TestLeaseReleasedOnError(t *testing.T) {
	runner := &scriptedRunner{id: 0, errs: map[string]error{
		"browser_click": &child.ErrCallTimeout{Method: "tools/call", Timeout: time.Second},
	}}
	d := newTestDispatcher(t, runner)

	_, err := d.Execute(context.Background(), "browser_click", map[string]any{})
	var timeout *child.ErrCallTimeout
	require.ErrorAs(t, err, &timeout)

	// A timed-out call must still release its lease: the next call gets
	// the same child immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = d.Execute(ctx, "browser_tabs", map[string]any{})
	require.NoError(t, err)
}

func TestSelectorsRouteWithoutForwarding(t *testing.T) {
	runner := &scriptedRunner{id: 0, alias: "worker"}
	d := newTestDispatcher(t, runner)

	// Alias targeting resolves through the registry; the call succeeds
	// only if the selectors were consumed rather than forwarded.
	_, err := d.Execute(context.Background(), "browser_tabs", map[string]any{
		"browser_pool":     "MAIN",
		"browser_instance": "worker",
		"action":           "list",
	})
	require.NoError(t, err)
}

func TestSnapshotFlattenAndPaginate(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url":     "https://example.com",
		"flatten": true,
		"limit":   2,
	})
	require.NoError(t, err)

	page := result.(*models.SnapshotPage)
	assert.True(t, page.Success)
	assert.Equal(t, "https://example.com", page.URL)
	assert.Equal(t, 4, page.TotalItems) // document + 3 headings
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, 2, page.Limit)
	assert.True(t, page.HasMore)
	assert.Regexp(t, `^snap_[0-9a-f]{16}$`, page.Fingerprint)
	assert.Contains(t, page.Snapshot.(string), "document")
}

func TestSnapshotCacheShortCircuit(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	first, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "flatten": true, "limit": 2,
	})
	require.NoError(t, err)
	fingerprint := first.(*models.SnapshotPage).Fingerprint
	require.Equal(t, 1, runner.callCount("browser_navigate"))

	second, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "flatten": true,
		"cache_key": fingerprint, "offset": 2, "limit": 2,
	})
	require.NoError(t, err)

	page := second.(*models.SnapshotPage)
	assert.False(t, page.HasMore)
	assert.Equal(t, 2, page.Offset)
	// Served from cache; the child was not invoked again.
	assert.Equal(t, 1, runner.callCount("browser_navigate"))
}

func TestSnapshotCacheGeometryMismatchRefetches(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	first, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "flatten": true, "limit": 2,
	})
	require.NoError(t, err)
	fingerprint := first.(*models.SnapshotPage).Fingerprint

	// Different limit: the cached pagination does not apply.
	_, err = d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "flatten": true,
		"cache_key": fingerprint, "offset": 0, "limit": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runner.callCount("browser_navigate"))
}

func TestSnapshotSilentMode(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "silent_mode": true,
	})
	require.NoError(t, err)

	page := result.(*models.SnapshotPage)
	assert.True(t, page.Success)
	assert.Nil(t, page.Snapshot)
	assert.NotEmpty(t, page.Fingerprint)
}

func TestSnapshotQueryError(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url":            "https://example.com",
		"jmespath_query": "[?role ==",
	})
	require.NoError(t, err)

	page := result.(*models.SnapshotPage)
	assert.False(t, page.Success)
	assert.Contains(t, page.Error, "jmespath")
}

func TestPaginationRequiresProcessing(t *testing.T) {
	runner := &scriptedRunner{id: 0}
	d := newTestDispatcher(t, runner)

	_, err := d.Execute(context.Background(), "browser_navigate", map[string]any{
		"url": "https://example.com", "offset": 50,
	})
	var invalid *ErrInvalidParams
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Message, "flatten")
}

func TestBulkSequentialSingleLease(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_navigate": snapshotResult(),
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_execute_bulk", map[string]any{
		"commands": []any{
			map[string]any{"tool": "browser_navigate", "args": map[string]any{"url": "https://example.com", "silent_mode": true}},
			map[string]any{"tool": "browser_click", "args": map[string]any{"ref": "e1"}},
			map[string]any{"tool": "browser_snapshot", "args": map[string]any{}, "return_result": true},
		},
	})
	require.NoError(t, err)

	resp := result.(*models.BulkResponse)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.ExecutedCount)
	assert.Equal(t, 3, resp.TotalCount)
	assert.Nil(t, resp.StoppedAt)
	require.Len(t, resp.Results, 3)
	assert.Nil(t, resp.Results[0]) // return_result not set
	assert.Nil(t, resp.Results[1])
	assert.NotNil(t, resp.Results[2])
	for _, e := range resp.Errors {
		assert.Nil(t, e)
	}
}

func TestBulkStopOnError(t *testing.T) {
	runner := &scriptedRunner{id: 0, errs: map[string]error{
		"browser_click": &child.ErrRemote{Code: -32000, Message: "no such element"},
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_execute_bulk", map[string]any{
		"commands": []any{
			map[string]any{"tool": "browser_tabs", "args": map[string]any{}},
			map[string]any{"tool": "browser_click", "args": map[string]any{"ref": "e9"}},
			map[string]any{"tool": "browser_tabs", "args": map[string]any{}},
		},
	})
	require.NoError(t, err)

	resp := result.(*models.BulkResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, 2, resp.ExecutedCount)
	require.NotNil(t, resp.StoppedAt)
	assert.Equal(t, 1, *resp.StoppedAt)
	require.Len(t, resp.Errors, 3)
	assert.Nil(t, resp.Errors[0])
	require.NotNil(t, resp.Errors[1])
	assert.Contains(t, *resp.Errors[1], "no such element")
	assert.Nil(t, resp.Errors[2]) // never executed

	// The third command never reached the child.
	assert.Equal(t, 1, runner.callCount("browser_tabs"))
}

func TestBulkContinueOnError(t *testing.T) {
	runner := &scriptedRunner{id: 0, errs: map[string]error{
		"browser_click": &child.ErrRemote{Code: -32000, Message: "no such element"},
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_execute_bulk", map[string]any{
		"stop_on_error":      false,
		"return_all_results": true,
		"commands": []any{
			map[string]any{"tool": "browser_tabs", "args": map[string]any{}},
			map[string]any{"tool": "browser_click", "args": map[string]any{"ref": "e9"}},
			map[string]any{"tool": "browser_tabs", "args": map[string]any{}},
		},
	})
	require.NoError(t, err)

	resp := result.(*models.BulkResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, 3, resp.ExecutedCount)
	assert.Nil(t, resp.StoppedAt)
	assert.NotNil(t, resp.Results[0])
	assert.Nil(t, resp.Results[1])
	assert.NotNil(t, resp.Results[2])
	assert.Equal(t, 2, runner.callCount("browser_tabs"))
}

func TestBulkEmptyCommands(t *testing.T) {
	runner := &scriptedRunner{id: 0}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_execute_bulk", map[string]any{
		"commands": []any{},
	})
	require.NoError(t, err)

	resp := result.(*models.BulkResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, 0, resp.TotalCount)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, *resp.Errors[0], "empty")
}

func TestBulkMalformedCommand(t *testing.T) {
	runner := &scriptedRunner{id: 0}
	d := newTestDispatcher(t, runner)

	_, err := d.Execute(context.Background(), "browser_execute_bulk", map[string]any{
		"commands": []any{
			map[string]any{"args": map[string]any{}},
		},
	})
	var invalid *ErrInvalidParams
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Message, "tool")
}

func TestMapErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{&ErrInvalidParams{Message: "bad"}, "invalid_params"},
		{&pool.ErrPoolNotFound{Name: "X"}, "not_found"},
		{&pool.ErrAmbiguousAlias{Alias: "w"}, "ambiguous_alias"},
		{pool.ErrShuttingDown, "shutting_down"},
		{&pool.ErrPoolExhausted{Pool: "X"}, "pool_exhausted"},
		{&child.ErrCallTimeout{Method: "m", Timeout: time.Second}, "timeout"},
		{&child.ErrChildGone{Reason: "eof"}, "child_gone"},
		{&child.ErrRemote{Code: 1, Message: "x"}, "remote_error"},
		{context.Canceled, "cancelled"},
		{fmt.Errorf("surprise"), "internal"},
	}
	for _, tc := range cases {
		got := MapError(tc.err)
		assert.Equal(t, tc.kind, got.Kind, "for %v", tc.err)
		assert.NotEmpty(t, got.Message)
	}
}

func TestStatusThroughDispatcher(t *testing.T) {
	runner := &scriptedRunner{id: 0, alias: "worker"}
	d := newTestDispatcher(t, runner)

	fleet, err := d.Status("")
	require.NoError(t, err)
	require.Len(t, fleet.Pools, 1)
	assert.Equal(t, "MAIN", fleet.Pools[0].Name)
	assert.Equal(t, "worker", fleet.Pools[0].Instances[0].Alias)

	_, err = d.Status("GHOST")
	require.Error(t, err)
	assert.Equal(t, "not_found", MapError(err).Kind)
}

func TestInterceptionAppliedToResults(t *testing.T) {
	big := strings.Repeat("QUJD", 32*1024) // ~96 KiB decoded, well above threshold
	payload, _ := json.Marshal(map[string]any{
		"content": []any{
			map[string]any{"type": "image", "data": big, "mimeType": "image/png"},
		},
	})
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_take_screenshot": string(payload),
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_take_screenshot", map[string]any{})
	require.NoError(t, err)

	m := result.(map[string]any)
	block := m["content"].([]any)[0].(map[string]any)
	assert.True(t, strings.HasPrefix(block["data"].(string), "blob://"))
	assert.Contains(t, block, "data_size_kb")
}

func TestEvaluatePassthrough(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_evaluate": `{"content":[{"type":"text","text":"42"}]}`,
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_evaluate", map[string]any{
		"function": "() => 42",
	})
	require.NoError(t, err)

	// No processing params: the raw result map comes back untouched.
	m := result.(map[string]any)
	blocks := m["content"].([]any)
	assert.Equal(t, "42", blocks[0].(map[string]any)["text"])
}

func TestEvaluatePagination(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_evaluate": `{"content":[{"type":"text","text":"[1,2,3,4,5]"}]}`,
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_evaluate", map[string]any{
		"function": "() => Array.from(document.links)",
		"limit":    2,
	})
	require.NoError(t, err)

	page := result.(*models.SnapshotPage)
	require.True(t, page.Success)
	assert.Equal(t, 5, page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasMore)
	assert.Equal(t, "json", page.OutputFormat)
	require.NotEmpty(t, page.Fingerprint)

	var items []int
	require.NoError(t, json.Unmarshal([]byte(page.Snapshot.(string)), &items))
	assert.Equal(t, []int{1, 2}, items)

	// A later page by cache key is served without re-evaluating.
	result, err = d.Execute(context.Background(), "browser_evaluate", map[string]any{
		"function":  "() => Array.from(document.links)",
		"cache_key": page.Fingerprint,
		"offset":    4,
		"limit":     2,
	})
	require.NoError(t, err)
	page = result.(*models.SnapshotPage)
	assert.False(t, page.HasMore)
	require.NoError(t, json.Unmarshal([]byte(page.Snapshot.(string)), &items))
	assert.Equal(t, []int{5}, items)
	assert.Equal(t, 1, runner.callCount("browser_evaluate"))
}

func TestEvaluateQueryOverResult(t *testing.T) {
	runner := &scriptedRunner{id: 0, results: map[string]string{
		"browser_evaluate": `{"content":[{"type":"text","text":"[{\"href\":\"/a\",\"t\":1},{\"href\":\"/b\",\"t\":2}]"}]}`,
	}}
	d := newTestDispatcher(t, runner)

	result, err := d.Execute(context.Background(), "browser_evaluate", map[string]any{
		"function":       "() => links",
		"jmespath_query": "[].href",
	})
	require.NoError(t, err)

	page := result.(*models.SnapshotPage)
	require.True(t, page.Success)
	assert.Equal(t, 2, page.TotalItems)

	var hrefs []string
	require.NoError(t, json.Unmarshal([]byte(page.Snapshot.(string)), &hrefs))
	assert.Equal(t, []string{"/a", "/b"}, hrefs)
}
