package chat

import (
	"fmt"
	"unicode/utf8"
)

const DefaultBudget = 20000

func truncationNote(total int) string {
	return fmt.Sprintf("\n…(content too long, truncated, total length %d chars)", total)
}

// Truncate caps text at budget runes, note included. The note reports the
// original length. A non-positive budget yields "".
func Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	n := utf8.RuneCountInString(text)
	if n <= budget {
		return text
	}
	note := truncationNote(n)
	room := budget - utf8.RuneCountInString(note)
	if room < 0 {
		room = 0
	}
	r := []rune(text)
	return string(r[:room]) + note
}
