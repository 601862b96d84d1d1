package models

// BulkCommand is one entry of a browser_execute_bulk request.
type BulkCommand struct {
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	ReturnResult bool           `json:"return_result,omitempty"`
}

// BulkResponse reports a bulk execution. Results and Errors are always the
// same length as the request; slots past a stop_on_error halt are nil.
type BulkResponse struct {
	Success       bool     `json:"success"`
	ExecutedCount int      `json:"executed_count"`
	TotalCount    int      `json:"total_count"`
	Results       []any    `json:"results"`
	Errors        []*string `json:"errors"`
	StoppedAt     *int     `json:"stopped_at"`
}

// SnapshotPage is the paginated view of a post-processed snapshot returned
// by snapshot-producing tools. Fingerprint doubles as the cache key the
// caller sends back to page through the same snapshot without re-invoking
// the browser.
type SnapshotPage struct {
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	Fingerprint  string `json:"cache_key"`
	TotalItems   int    `json:"total_items"`
	TotalPages   int    `json:"total_pages"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	HasMore      bool   `json:"has_more"`
	Snapshot     any    `json:"snapshot"`
	OutputFormat string `json:"output_format,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ToolError is the user-visible failure shape: a result object bearing only
// an error, no payload.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
