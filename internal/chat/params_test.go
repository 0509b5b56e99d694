package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/ai"
)

func TestParamsJSONRoundTrip(t *testing.T) {
	tm, store := newTopics(t)
	store.Add(RoleUser, "hello", nil)
	store.AddSystemLog("note", true)

	s := DefaultSettings()
	s.Model = "qwen"
	s.Mode = ai.ModeCompletion
	s.Prompt.UserName = "Ann"
	s.Prompt.AssistantSuffix = "</a>"
	s.EnableThinking = false
	s.EnableWebSearch = true
	s.EnabledMCPTools = []string{" fs ", "fs", "", "git"}
	s.Params.MaxTokens = 99

	raw, err := BuildParamsJSON(s, tm)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.EqualValues(t, 0, doc["apiModel"])
	assert.Equal(t, []any{"fs", "git"}, doc["enabledMcpTools"])
	assert.Equal(t, tm.ActiveID(), doc["activeTopicId"])
	assert.Len(t, doc["history"], 1)
	assert.Len(t, doc["systemLogs"], 1)

	got := DefaultSettings()
	p, err := ApplyParamsJSON(raw, &got)
	require.NoError(t, err)
	assert.Equal(t, "qwen", got.Model)
	assert.Equal(t, ai.ModeCompletion, got.Mode)
	assert.Equal(t, "Ann", got.Prompt.UserName)
	assert.Equal(t, "</a>", got.Prompt.AssistantSuffix)
	assert.False(t, got.EnableThinking)
	assert.True(t, got.EnableWebSearch)
	assert.Equal(t, []string{"fs", "git"}, got.EnabledMCPTools)
	assert.Equal(t, 99, got.Params.MaxTokens)

	require.Len(t, p.Topics, 1)
	require.Contains(t, p.TopicData, tm.ActiveID())
	assert.Len(t, p.TopicData[tm.ActiveID()].History, 1)
}

func TestApplyParamsJSONDefaults(t *testing.T) {
	s := DefaultSettings()
	s.EnableThinking = false
	_, err := ApplyParamsJSON(`{"model":"m"}`, &s)
	require.NoError(t, err)
	assert.True(t, s.EnableThinking, "enableThinking defaults to on")
	assert.Equal(t, ai.ModeChat, s.Mode)

	_, err = ApplyParamsJSON("{not json", &s)
	assert.Error(t, err)

	p, err := ApplyParamsJSON("", &s)
	require.NoError(t, err)
	assert.Empty(t, p.Topics)
}

func TestAPIModel(t *testing.T) {
	assert.Equal(t, 1, APIModel(ai.ModeChat))
	assert.Equal(t, 0, APIModel(ai.ModeCompletion))
	assert.Equal(t, ai.ModeCompletion, ModeOf(0))
	assert.Equal(t, ai.ModeChat, ModeOf(1))
}
