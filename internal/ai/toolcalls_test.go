package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(i int) *int { return &i }

func TestMergeToolCalls_FragmentedArguments(t *testing.T) {
	var agg []ToolCall
	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(0), ID: "c1", Function: FunctionCall{Name: "search", Arguments: `{"q":`}}})
	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(0), Function: FunctionCall{Arguments: `"cats"}`}}})

	calls := CompactToolCalls(agg)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "function", calls[0].Type)
	assert.Equal(t, "search", calls[0].Function.Name)
	assert.Equal(t, `{"q":"cats"}`, calls[0].Function.Arguments)
	assert.True(t, json.Valid([]byte(calls[0].Function.Arguments)))
	assert.Nil(t, calls[0].Index)
}

func TestMergeToolCalls_PositionWhenIndexMissing(t *testing.T) {
	agg := MergeToolCalls(nil, []ToolCall{
		{ID: "a", Function: FunctionCall{Name: "first"}},
		{ID: "b", Function: FunctionCall{Name: "second"}},
	})
	require.Len(t, agg, 2)
	assert.Equal(t, "first", agg[0].Function.Name)
	assert.Equal(t, "second", agg[1].Function.Name)
}

func TestMergeToolCalls_EmptyFieldsDoNotOverwrite(t *testing.T) {
	agg := MergeToolCalls(nil, []ToolCall{{Index: intp(0), ID: "keep", Type: "function", Function: FunctionCall{Name: "n"}}})
	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(0), ID: "", Function: FunctionCall{Name: ""}}})
	assert.Equal(t, "keep", agg[0].ID)
	assert.Equal(t, "n", agg[0].Function.Name)

	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(0), ID: "newer"}})
	assert.Equal(t, "newer", agg[0].ID)
}

func TestMergeToolCalls_SparseIndexes(t *testing.T) {
	agg := MergeToolCalls(nil, []ToolCall{{Index: intp(2), ID: "late", Function: FunctionCall{Name: "x"}}})
	require.Len(t, agg, 1)
	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(2), Function: FunctionCall{Arguments: "{}"}}})

	calls := CompactToolCalls(agg)
	require.Len(t, calls, 1)
	assert.Equal(t, "late", calls[0].ID)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
}

func TestMergeToolCalls_KeepsExplicitType(t *testing.T) {
	agg := MergeToolCalls(nil, []ToolCall{{Type: "custom"}})
	assert.Equal(t, "custom", agg[0].Type)
}

func TestCompactToolCalls_Empty(t *testing.T) {
	assert.Nil(t, CompactToolCalls(nil))
	assert.Nil(t, CompactToolCalls(make([]ToolCall, 3)))
}

func TestMergeToolCalls_HugeIndexStaysSparse(t *testing.T) {
	agg := MergeToolCalls(nil, []ToolCall{{Index: intp(2000000000), ID: "far", Function: FunctionCall{Name: "x"}}})
	agg = MergeToolCalls(agg, []ToolCall{{Index: intp(1), ID: "near", Function: FunctionCall{Name: "y"}}})
	require.Len(t, agg, 2)

	calls := CompactToolCalls(agg)
	require.Len(t, calls, 2)
	assert.Equal(t, "near", calls[0].ID)
	assert.Equal(t, "far", calls[1].ID)
}

func TestResultApply_HugeIndexFrame(t *testing.T) {
	var res Result
	res.Apply(Delta{ToolCalls: []ToolCall{{Index: intp(2000000000), ID: "c1", Function: FunctionCall{Name: "search", Arguments: "{}"}}}})
	res.Apply(Delta{ToolCalls: []ToolCall{{Index: intp(2000000000), Function: FunctionCall{Arguments: ""}}}})

	calls := CompactToolCalls(res.ToolCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
}
