package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/csSone/LlamacppServer/internal/ai"
	"github.com/csSone/LlamacppServer/internal/common"
)

// MessageStore holds the live arrays of the active topic and the
// completion-wide order counter. All methods are safe for concurrent use
// and hand out copies.
type MessageStore struct {
	mu         sync.RWMutex
	messages   []Message
	systemLogs []Message
	timings    []TimingEntry
	seq        int64

	now   func() time.Time
	newID func() string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{now: time.Now, newID: common.MustULID}
}

func (s *MessageStore) nowMS() int64 { return s.now().UnixMilli() }

// NextOrder hands out the next order value. It never repeats within a
// completion, across topic switches included.
func (s *MessageStore) NextOrder() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOrderLocked()
}

func (s *MessageStore) nextOrderLocked() int64 {
	s.seq++
	return s.seq
}

func (s *MessageStore) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *MessageStore) newMessage(role Role, content string, hidden bool, extra func(*Message)) Message {
	m := Message{
		ID:      s.newID(),
		Role:    role,
		Content: content,
		Hidden:  hidden,
		TS:      s.nowMS(),
		Order:   s.nextOrderLocked(),
	}
	if extra != nil {
		extra(&m)
	}
	return m
}

// Add appends a visible message. extra may adjust it before it is stored.
func (s *MessageStore) Add(role Role, content string, extra func(*Message)) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessage(role, content, false, extra)
	s.messages = append(s.messages, m)
	return m.clone()
}

// AddHidden appends an empty placeholder. It stays hidden until something
// useful is written into it.
func (s *MessageStore) AddHidden(role Role, extra func(*Message)) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessage(role, "", true, extra)
	s.messages = append(s.messages, m)
	return m.clone()
}

func (s *MessageStore) AddSystemLog(text string, noContext bool) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessage(RoleSystem, text, false, func(m *Message) {
		m.IsSystemLog = true
		m.NoContext = noContext
	})
	s.systemLogs = append(s.systemLogs, m)
	return m.clone()
}

// find returns the list holding id and its index there.
func (s *MessageStore) find(id string) (*[]Message, int) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return &s.messages, i
		}
	}
	for i := range s.systemLogs {
		if s.systemLogs[i].ID == id {
			return &s.systemLogs, i
		}
	}
	return nil, -1
}

// Update applies fn to the message (or system log) with id.
func (s *MessageStore) Update(id string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, i := s.find(id)
	if list == nil {
		return Message{}, false
	}
	fn(&(*list)[i])
	return (*list)[i].clone(), true
}

func (s *MessageStore) Find(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, i := s.find(id)
	if list == nil {
		return Message{}, false
	}
	return (*list)[i].clone(), true
}

// Index is the position of id among the messages, or -1.
func (s *MessageStore) Index(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes one message or system log.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, i := s.find(id)
	if list == nil {
		return false
	}
	*list = append((*list)[:i], (*list)[i+1:]...)
	return true
}

// Delete removes a message or system log. Deleting a message also drops
// the system logs ordered after it.
func (s *MessageStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, i := s.find(id)
	if list == nil {
		return false
	}
	removed := (*list)[i]
	*list = append((*list)[:i], (*list)[i+1:]...)
	if removed.IsSystemLog {
		return true
	}
	logs := s.systemLogs[:0]
	for _, l := range s.systemLogs {
		if l.Order <= removed.Order {
			logs = append(logs, l)
		}
	}
	s.systemLogs = logs
	return true
}

// TruncateAt cuts the history at id, keeping id itself when keep is set.
// System logs ordered after id go too.
func (s *MessageStore) TruncateAt(id string, keep bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	cutoff := s.messages[idx].Order
	if keep {
		s.messages = s.messages[:idx+1]
	} else {
		s.messages = s.messages[:idx]
	}
	logs := s.systemLogs[:0]
	for _, l := range s.systemLogs {
		if l.Order <= cutoff {
			logs = append(logs, l)
		}
	}
	s.systemLogs = logs
	return true
}

func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.messages)
}

func (s *MessageStore) SystemLogs() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.systemLogs)
}

func sortByOrder(all []Message) {
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Order != all[j].Order {
			return all[i].Order < all[j].Order
		}
		return all[i].TS < all[j].TS
	})
}

// Sorted merges messages and system logs by (Order, TS).
func (s *MessageStore) Sorted() []Message {
	s.mu.RLock()
	all := make([]Message, 0, len(s.messages)+len(s.systemLogs))
	all = append(all, cloneAll(s.messages)...)
	all = append(all, cloneAll(s.systemLogs)...)
	s.mu.RUnlock()
	sortByOrder(all)
	return all
}

// Visible is Sorted without hidden placeholders.
func (s *MessageStore) Visible() []Message {
	all := s.Sorted()
	out := all[:0]
	for _, m := range all {
		if !m.Hidden {
			out = append(out, m)
		}
	}
	return out
}

// UpsertTimings keeps one timings entry per message.
func (s *MessageStore) UpsertTimings(messageID string, t ai.Timings) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timings) - 1; i >= 0; i-- {
		if s.timings[i].MessageID == messageID {
			s.timings[i].TS = s.nowMS()
			s.timings[i].Timings = t
			return
		}
	}
	s.timings = append(s.timings, TimingEntry{MessageID: messageID, TS: s.nowMS(), Timings: t})
}

func (s *MessageStore) TimingsFor(messageID string) (ai.Timings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.timings) - 1; i >= 0; i-- {
		if s.timings[i].MessageID == messageID {
			return s.timings[i].Timings, true
		}
	}
	return ai.Timings{}, false
}

func (s *MessageStore) TimingsLog() []TimingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TimingEntry(nil), s.timings...)
}

// Clear empties the conversation and its timings. System logs stay.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.timings = nil
}

// Snapshot copies the live arrays.
func (s *MessageStore) Snapshot() TopicData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TopicData{
		History:    cloneAll(s.messages),
		SystemLogs: cloneAll(s.systemLogs),
		TimingsLog: append([]TimingEntry(nil), s.timings...),
	}
}

// Replace installs d as the live arrays and resyncs the counter.
func (s *MessageStore) Replace(d TopicData) {
	d = d.clone()
	s.mu.Lock()
	s.messages = d.History
	s.systemLogs = d.SystemLogs
	s.timings = d.TimingsLog
	s.mu.Unlock()
	s.SyncSequence()
}

// SyncSequence raises the counter to the highest order present. It never
// lowers it, so orders stay unique across topics of one completion.
func (s *MessageStore) SyncSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range [][]Message{s.messages, s.systemLogs} {
		for _, m := range list {
			v := m.Order
			if v == 0 {
				v = m.TS
			}
			if v > s.seq {
				s.seq = v
			}
		}
	}
	return s.seq
}

// ResetSequence drops the counter to zero before a full reload.
func (s *MessageStore) ResetSequence() {
	s.mu.Lock()
	s.seq = 0
	s.mu.Unlock()
}

func (s *MessageStore) raiseTo(v int64) {
	s.mu.Lock()
	if v > s.seq {
		s.seq = v
	}
	s.mu.Unlock()
}
