package aria

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSnapshot = `
- document:
    - main:
        - heading "Welcome" [level=1] [ref=e1]
        - paragraph "Intro text" [ref=e2]
        - button "Submit" [disabled] [ref=e3]
    - navigation:
        - link "Home" [ref=e4]
`

func TestParseTree(t *testing.T) {
	tree, errs := Parse(sampleSnapshot)
	require.Empty(t, errs)

	nodes, ok := tree.([]any)
	require.True(t, ok)
	require.Len(t, nodes, 1)

	doc := nodes[0].(map[string]any)
	assert.Equal(t, "document", doc["role"])

	children := doc["children"].([]any)
	require.Len(t, children, 2)

	main := children[0].(map[string]any)
	assert.Equal(t, "main", main["role"])

	heading := main["children"].([]any)[0].(map[string]any)
	assert.Equal(t, "heading", heading["role"])
	assert.Equal(t, map[string]any{"value": "Welcome"}, heading["name"])
	assert.Equal(t, 1, heading["level"])
	assert.Equal(t, "e1", heading["ref"])

	button := main["children"].([]any)[2].(map[string]any)
	assert.Equal(t, true, button["disabled"])
}

func TestParseKeepsUnparseableLines(t *testing.T) {
	tree, errs := Parse("- 'not @ valid node line'\n")
	require.Len(t, errs, 1)

	nodes := tree.([]any)
	require.Len(t, nodes, 1)
	assert.Equal(t, map[string]any{"text": "not @ valid node line"}, nodes[0])
}

func TestFlatten(t *testing.T) {
	tree, errs := Parse(sampleSnapshot)
	require.Empty(t, errs)

	flat := Flatten(tree)
	require.Len(t, flat, 7)

	first := flat[0].(map[string]any)
	assert.Equal(t, "document", first["role"])
	assert.Equal(t, 0, first["_depth"])
	assert.Nil(t, first["_parent_role"])
	assert.Equal(t, 0, first["_index"])
	assert.NotContains(t, first, "children")

	heading := flat[2].(map[string]any)
	assert.Equal(t, "heading", heading["role"])
	assert.Equal(t, 2, heading["_depth"])
	assert.Equal(t, "main", heading["_parent_role"])
	assert.Equal(t, 2, heading["_index"])
}

func TestQuery(t *testing.T) {
	tree, _ := Parse(sampleSnapshot)
	flat := Flatten(tree)

	result, err := Query(any(flat), "[?role == 'button']")
	require.NoError(t, err)
	buttons := result.([]any)
	require.Len(t, buttons, 1)
	assert.Equal(t, "Submit", buttons[0].(map[string]any)["name"].(map[string]any)["value"])
}

func TestQueryError(t *testing.T) {
	_, err := Query([]any{}, "[?role ==")
	var qerr *ErrQuery
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "[?role ==", qerr.Query)
}

func TestPaginateList(t *testing.T) {
	data := []any{"a", "b", "c", "d", "e"}

	page, total, hasMore := Paginate(data, 0, 2)
	assert.Equal(t, []any{"a", "b"}, page)
	assert.Equal(t, 5, total)
	assert.True(t, hasMore)

	page, _, hasMore = Paginate(data, 4, 2)
	assert.Equal(t, []any{"e"}, page)
	assert.False(t, hasMore)

	page, total, hasMore = Paginate(data, 10, 2)
	assert.Equal(t, []any{}, page)
	assert.Equal(t, 5, total)
	assert.False(t, hasMore)
}

func TestPaginateSingleItem(t *testing.T) {
	data := map[string]any{"role": "document"}

	page, total, hasMore := Paginate(data, 0, 50)
	assert.Equal(t, data, page)
	assert.Equal(t, 1, total)
	assert.False(t, hasMore)

	page, _, _ = Paginate(data, 50, 50)
	assert.Equal(t, []any{}, page)
}

func TestRenderFormats(t *testing.T) {
	data := []any{map[string]any{"role": "button"}}

	jsonOut, err := Render(data, "json")
	require.NoError(t, err)
	assert.Contains(t, jsonOut, `"role": "button"`)

	yamlOut, err := Render(data, "yaml")
	require.NoError(t, err)
	assert.Contains(t, yamlOut, "role: button")

	_, err = Render(data, "xml")
	require.Error(t, err)
}
