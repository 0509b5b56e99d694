package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/csSone/LlamacppServer/internal/common"
)

const (
	DefaultTopicTitle = "Untitled topic"
	legacyTopicTitle  = "Default topic"
)

var (
	ErrTopicNotFound = errors.New("chat: topic not found")
	ErrLastTopic     = errors.New("chat: cannot delete the last topic")
)

// TopicManager owns the topic list and the parked arrays of inactive
// topics. The active topic's arrays live in the MessageStore; they are
// parked back into the topic data before every switch and every payload
// build.
type TopicManager struct {
	mu     sync.Mutex
	store  *MessageStore
	topics []Topic
	data   map[string]TopicData
	active string
	now    func() time.Time
}

func NewTopicManager(store *MessageStore) *TopicManager {
	return &TopicManager{store: store, data: make(map[string]TopicData), now: time.Now}
}

func normalizeTitle(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return DefaultTopicTitle
}

func (tm *TopicManager) ActiveID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.active
}

func (tm *TopicManager) List() []Topic {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]Topic(nil), tm.topics...)
}

func (tm *TopicManager) indexLocked(id string) int {
	for i := range tm.topics {
		if tm.topics[i].ID == id {
			return i
		}
	}
	return -1
}

// PersistActive parks the live arrays under the active topic and stamps
// its UpdatedAt.
func (tm *TopicManager) PersistActive() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.persistActiveLocked()
}

func (tm *TopicManager) persistActiveLocked() {
	if tm.active == "" {
		return
	}
	tm.data[tm.active] = tm.store.Snapshot()
	if i := tm.indexLocked(tm.active); i >= 0 {
		tm.topics[i].UpdatedAt = tm.now().UnixMilli()
	}
}

// Snapshot parks the live arrays and returns copies of everything.
func (tm *TopicManager) Snapshot() (topics []Topic, data map[string]TopicData, active string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.persistActiveLocked()
	data = make(map[string]TopicData, len(tm.data))
	for k, v := range tm.data {
		data[k] = v.clone()
	}
	return append([]Topic(nil), tm.topics...), data, tm.active
}

// Switch makes id the active topic. Unless skipPersist is set, the
// current topic is parked first.
func (tm *TopicManager) Switch(id string, skipPersist bool) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.indexLocked(id) < 0 {
		return ErrTopicNotFound
	}
	if !skipPersist {
		tm.persistActiveLocked()
	}
	tm.loadLocked(id, nil)
	return nil
}

// loadLocked installs the parked arrays of id. fallbackTimings is used
// when the topic has no timings log of its own.
func (tm *TopicManager) loadLocked(id string, fallbackTimings []TimingEntry) {
	tm.active = id
	d := tm.data[id]
	nowMS := tm.now().UnixMilli()

	all := NormalizeHistory(d.History, nowMS)
	var history, legacyLogs []Message
	for _, m := range all {
		if m.Role == RoleSystem {
			legacyLogs = append(legacyLogs, m)
			continue
		}
		history = append(history, m)
	}
	logs := legacyLogs
	if len(d.SystemLogs) > 0 {
		logs = NormalizeHistory(d.SystemLogs, nowMS)
	}
	logs = systemOnly(logs)

	timings := d.TimingsLog
	if timings == nil {
		timings = fallbackTimings
	}
	tm.store.Replace(TopicData{History: history, SystemLogs: logs, TimingsLog: timings})
}

func systemOnly(in []Message) []Message {
	var out []Message
	for _, m := range in {
		if m.Role != RoleSystem {
			continue
		}
		m.IsSystemLog = true
		out = append(out, m)
	}
	return out
}

// Create prepends a new empty topic and makes it active.
func (tm *TopicManager) Create(title string) Topic {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.persistActiveLocked()

	now := tm.now()
	t := Topic{
		ID:        common.NewTopicID(now),
		Title:     normalizeTitle(title),
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	tm.topics = append([]Topic{t}, tm.topics...)
	tm.data[t.ID] = TopicData{History: []Message{}, SystemLogs: []Message{}, TimingsLog: []TimingEntry{}}
	tm.loadLocked(t.ID, nil)
	return t
}

func (tm *TopicManager) Rename(id, title string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	i := tm.indexLocked(id)
	if i < 0 {
		return ErrTopicNotFound
	}
	tm.topics[i].Title = normalizeTitle(title)
	tm.topics[i].UpdatedAt = tm.now().UnixMilli()
	return nil
}

// Delete removes a topic and its data. Deleting the active topic switches
// to the first remaining one; switched reports that.
func (tm *TopicManager) Delete(id string) (switched bool, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	i := tm.indexLocked(id)
	if i < 0 {
		return false, ErrTopicNotFound
	}
	if len(tm.topics) == 1 {
		return false, ErrLastTopic
	}
	tm.topics = append(tm.topics[:i], tm.topics[i+1:]...)
	delete(tm.data, id)
	if tm.active != id {
		return false, nil
	}
	tm.loadLocked(tm.topics[0].ID, nil)
	return true, nil
}

// Restore replaces all topic state from a loaded payload. Without topics,
// legacy history becomes a single default topic. The order counter is
// raised past every order in every topic.
func (tm *TopicManager) Restore(topics []Topic, data map[string]TopicData, active string, legacy TopicData, timings []TimingEntry) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.store.ResetSequence()
	tm.topics = nil
	tm.data = make(map[string]TopicData)
	tm.active = ""

	if len(topics) == 0 {
		now := tm.now()
		t := Topic{ID: common.NewTopicID(now), Title: legacyTopicTitle, CreatedAt: now.UnixMilli(), UpdatedAt: now.UnixMilli()}
		tm.topics = []Topic{t}
		if legacy.TimingsLog == nil {
			legacy.TimingsLog = timings
		}
		tm.data[t.ID] = legacy.clone()
		tm.loadLocked(t.ID, timings)
		return
	}

	for _, t := range topics {
		if t.ID == "" {
			t.ID = common.NewTopicID(tm.now())
		}
		t.Title = normalizeTitle(t.Title)
		tm.topics = append(tm.topics, t)
	}
	for k, v := range data {
		tm.data[k] = v.clone()
	}
	pick := tm.topics[0].ID
	if active != "" && tm.indexLocked(active) >= 0 {
		pick = active
	}
	tm.raiseSequenceLocked()
	tm.loadLocked(pick, timings)
}

// raiseSequenceLocked makes the counter cover parked topics too, so a
// message added after a switch can never reuse an order.
func (tm *TopicManager) raiseSequenceLocked() {
	var max int64
	for _, d := range tm.data {
		for _, list := range [][]Message{d.History, d.SystemLogs} {
			for _, m := range list {
				v := m.Order
				if v == 0 {
					v = m.TS
				}
				if v > max {
					max = v
				}
			}
		}
	}
	tm.store.raiseTo(max)
}
