package ai

import (
	"slices"
	"sort"
)

// MergeToolCalls folds streamed fragments into target and returns it.
//
// A fragment addresses slot Index, or its position in fragments when Index
// is absent. Slots are kept sparse and sorted by Index, so a large index
// costs one slot. A new slot starts as an empty "function" call. Non-empty
// id and name overwrite; non-empty arguments are appended, so a JSON
// argument string can arrive split across any number of frames.
func MergeToolCalls(target []ToolCall, fragments []ToolCall) []ToolCall {
	for i, f := range fragments {
		idx := i
		if f.Index != nil && *f.Index >= 0 {
			idx = *f.Index
		}
		pos := sort.Search(len(target), func(j int) bool { return slotIndex(target[j]) >= idx })
		if pos == len(target) || slotIndex(target[pos]) != idx {
			target = slices.Insert(target, pos, ToolCall{Index: &idx})
		}
		slot := &target[pos]
		if slot.Type == "" {
			slot.Type = f.Type
			if slot.Type == "" {
				slot.Type = "function"
			}
		}
		if f.ID != "" {
			slot.ID = f.ID
		}
		if f.Function.Name != "" {
			slot.Function.Name = f.Function.Name
		}
		if f.Function.Arguments != "" {
			slot.Function.Arguments += f.Function.Arguments
		}
	}
	return target
}

func slotIndex(c ToolCall) int {
	if c.Index == nil {
		return -1
	}
	return *c.Index
}

// CompactToolCalls drops untyped slots and clears Index, yielding the list
// in slot order.
func CompactToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Type == "" {
			continue
		}
		c.Index = nil
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
