package aria

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
	"gopkg.in/yaml.v3"
)

// ErrQuery wraps a JMESPath failure. The query text is user input, so the
// error is returned to the caller rather than logged and swallowed.
type ErrQuery struct {
	Query string
	Cause error
}

func (e *ErrQuery) Error() string {
	return fmt.Sprintf("jmespath query %q failed: %v", e.Query, e.Cause)
}

func (e *ErrQuery) Unwrap() error { return e.Cause }

// Playwright renders ARIA snapshot lines as
//
//	role "accessible name" [attr=value] [flag]:
//
// where the name and the bracketed attribute groups are optional.
var nodeLinePattern = regexp.MustCompile(`^([a-zA-Z]+)(?:\s+"((?:[^"\\]|\\.)*)")?((?:\s+\[[^\]]*\])*)\s*:?\s*$`)

var attrPattern = regexp.MustCompile(`\[([^\]=]+)(?:=([^\]]*))?\]`)

// Parse converts a playwright ARIA snapshot (YAML) into a JSON-style tree:
// a []any of map[string]any nodes, each with "role", optional "name"
// ({"value": ...}), optional "ref", any bracketed attributes, and a
// "children" []any when nested nodes exist. Unparseable lines are kept as
// {"text": <line>} nodes and reported, not fatal.
func Parse(snapshot string) (any, []string) {
	var doc any
	if err := yaml.Unmarshal([]byte(snapshot), &doc); err != nil {
		return nil, []string{fmt.Sprintf("yaml parse failed: %v", err)}
	}
	var errs []string
	tree := convertList(doc, &errs)
	return tree, errs
}

func convertList(v any, errs *[]string) []any {
	items, ok := v.([]any)
	if !ok {
		if v == nil {
			return []any{}
		}
		items = []any{v}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, convertNode(item, errs))
	}
	return out
}

func convertNode(item any, errs *[]string) any {
	switch n := item.(type) {
	case string:
		return parseNodeLine(n, errs)
	case map[string]any:
		// One key whose value is the child list.
		for key, val := range n {
			node := parseNodeLine(key, errs)
			if m, ok := node.(map[string]any); ok {
				m["children"] = convertList(val, errs)
			}
			return node
		}
		return map[string]any{}
	default:
		*errs = append(*errs, fmt.Sprintf("unexpected node shape %T", item))
		return map[string]any{"text": fmt.Sprintf("%v", item)}
	}
}

func parseNodeLine(line string, errs *[]string) any {
	line = strings.TrimSpace(line)
	m := nodeLinePattern.FindStringSubmatch(line)
	if m == nil {
		*errs = append(*errs, fmt.Sprintf("unparseable node line %q", line))
		return map[string]any{"text": line}
	}
	node := map[string]any{"role": m[1]}
	if m[2] != "" {
		node["name"] = map[string]any{"value": strings.ReplaceAll(m[2], `\"`, `"`)}
	}
	for _, attr := range attrPattern.FindAllStringSubmatch(m[3], -1) {
		key := strings.TrimSpace(attr[1])
		val := attr[2]
		switch {
		case val == "":
			node[key] = true
		case val == "true" || val == "false":
			node[key] = val == "true"
		default:
			if n, err := strconv.Atoi(val); err == nil {
				node[key] = n
			} else {
				node[key] = val
			}
		}
	}
	return node
}

// Flatten converts a tree to a depth-first node list. Each emitted node is
// a copy with "children" removed and three metadata fields added: _depth,
// _parent_role, and _index (position in the flattened list).
func Flatten(tree any) []any {
	var out []any
	var walk func(nodes []any, depth int, parentRole any)
	walk = func(nodes []any, depth int, parentRole any) {
		for _, raw := range nodes {
			node, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			flat := make(map[string]any, len(node)+3)
			for k, v := range node {
				if k == "children" {
					continue
				}
				flat[k] = v
			}
			flat["_depth"] = depth
			flat["_parent_role"] = parentRole
			flat["_index"] = len(out)
			out = append(out, flat)
			if children, ok := node["children"].([]any); ok {
				walk(children, depth+1, node["role"])
			}
		}
	}
	switch t := tree.(type) {
	case []any:
		walk(t, 0, nil)
	case map[string]any:
		walk([]any{t}, 0, nil)
	}
	return out
}

// Query applies a JMESPath expression to the (possibly flattened) tree.
func Query(data any, query string) (any, error) {
	result, err := jmespath.Search(query, data)
	if err != nil {
		return nil, &ErrQuery{Query: query, Cause: err}
	}
	return result, nil
}

// Paginate slices list results by offset/limit. A non-list result is a
// single logical item: returned whole at offset 0, empty otherwise.
func Paginate(data any, offset, limit int) (page any, total int, hasMore bool) {
	if list, ok := data.([]any); ok {
		total = len(list)
		if offset >= total {
			return []any{}, total, false
		}
		end := offset + limit
		if end > total {
			end = total
		}
		return list[offset:end], total, end < total
	}
	if offset == 0 {
		return data, 1, false
	}
	return []any{}, 1, false
}

// Render serializes processed snapshot data as "yaml" or "json".
func Render(data any, format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "yaml", "":
		out, err := yaml.Marshal(data)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}
