package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTopics(t *testing.T) (*TopicManager, *MessageStore) {
	t.Helper()
	store := NewMessageStore()
	tm := NewTopicManager(store)
	tm.Restore(nil, nil, "", TopicData{}, nil)
	return tm, store
}

func TestTopicRoundTrip(t *testing.T) {
	tm, store := newTopics(t)
	first := tm.ActiveID()
	require.Len(t, tm.List(), 1)
	assert.Equal(t, legacyTopicTitle, tm.List()[0].Title)

	store.Add(RoleUser, "in A", nil)
	store.AddSystemLog("log A", true)

	b := tm.Create("")
	assert.Equal(t, DefaultTopicTitle, b.Title)
	assert.Equal(t, b.ID, tm.ActiveID())
	assert.Equal(t, b.ID, tm.List()[0].ID, "new topics are prepended")
	assert.Empty(t, store.Messages())
	assert.Empty(t, store.SystemLogs())

	store.Add(RoleUser, "in B", nil)

	require.NoError(t, tm.Switch(first, false))
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "in A", msgs[0].Content)
	logs := store.SystemLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsSystemLog)

	require.NoError(t, tm.Switch(b.ID, false))
	require.Len(t, store.Messages(), 1)
	assert.Equal(t, "in B", store.Messages()[0].Content)

	assert.ErrorIs(t, tm.Switch("missing", false), ErrTopicNotFound)
}

func TestTopicOrdersStayUnique(t *testing.T) {
	tm, store := newTopics(t)
	first := tm.ActiveID()
	store.Add(RoleUser, "a1", nil)
	store.Add(RoleAssistant, "a2", nil)
	tm.Create("b")
	store.Add(RoleUser, "b1", nil)
	require.NoError(t, tm.Switch(first, false))
	store.Add(RoleUser, "a3", nil)

	_, data, _ := tm.Snapshot()
	seen := make(map[int64]bool)
	var max int64
	for _, d := range data {
		for _, m := range d.History {
			assert.False(t, seen[m.Order], "order %d reused", m.Order)
			seen[m.Order] = true
			if m.Order > max {
				max = m.Order
			}
		}
	}
	assert.Len(t, seen, 4)
	assert.EqualValues(t, 4, max, "no gaps")
}

func TestTopicRenameDelete(t *testing.T) {
	tm, store := newTopics(t)
	first := tm.ActiveID()

	_, err := tm.Delete(first)
	assert.ErrorIs(t, err, ErrLastTopic)

	require.NoError(t, tm.Rename(first, "  "))
	assert.Equal(t, DefaultTopicTitle, tm.List()[0].Title)
	require.NoError(t, tm.Rename(first, " Work "))
	assert.Equal(t, "Work", tm.List()[0].Title)
	assert.ErrorIs(t, tm.Rename("missing", "x"), ErrTopicNotFound)

	store.Add(RoleUser, "kept", nil)
	b := tm.Create("b")

	switched, err := tm.Delete(first)
	require.NoError(t, err)
	assert.False(t, switched)
	assert.Equal(t, b.ID, tm.ActiveID())

	c := tm.Create("c")
	switched, err = tm.Delete(c.ID)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, b.ID, tm.ActiveID())
}

func TestRestoreLegacy(t *testing.T) {
	store := NewMessageStore()
	tm := NewTopicManager(store)
	legacy := TopicData{History: []Message{
		{ID: "u1", Role: RoleUser, Content: "hi", Order: 3, TS: 3},
		{ID: "s1", Role: RoleSystem, Content: "old log", Order: 4, TS: 4},
		{ID: "a1", Role: RoleAssistant, Content: "hello", Order: 5, TS: 5},
	}}
	tm.Restore(nil, nil, "", legacy, []TimingEntry{{MessageID: "a1", TS: 5}})

	topics := tm.List()
	require.Len(t, topics, 1)
	assert.Equal(t, legacyTopicTitle, topics[0].Title)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	logs := store.SystemLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "old log", logs[0].Content)
	assert.True(t, logs[0].IsSystemLog)

	_, ok := store.TimingsFor("a1")
	assert.True(t, ok)
	assert.EqualValues(t, 6, store.NextOrder())
}

func TestRestoreRaisesSequenceAcrossTopics(t *testing.T) {
	store := NewMessageStore()
	tm := NewTopicManager(store)
	topics := []Topic{{ID: "t-a", Title: ""}, {ID: "t-b", Title: "B"}}
	data := map[string]TopicData{
		"t-a": {History: []Message{{ID: "m1", Role: RoleUser, Content: "a", Order: 2, TS: 2}}},
		"t-b": {History: []Message{{ID: "m2", Role: RoleUser, Content: "b", Order: 40, TS: 40}}},
	}
	tm.Restore(topics, data, "t-a", TopicData{}, nil)

	assert.Equal(t, "t-a", tm.ActiveID())
	assert.Equal(t, DefaultTopicTitle, tm.List()[0].Title)
	m := store.Add(RoleAssistant, "next", nil)
	assert.EqualValues(t, 41, m.Order)

	tm.Restore(topics, data, "gone", TopicData{}, nil)
	assert.Equal(t, "t-a", tm.ActiveID(), "unknown active falls back to the first topic")
}
