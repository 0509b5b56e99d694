package common

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lowercase, time-ordered identifier (26 chars).
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id.String()), nil
}

// MustULID is NewULID for call sites that cannot fail gracefully.
func MustULID() string {
	id, err := NewULID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewTopicID returns "t-<unixms>-<6 random digits>".
func NewTopicID(now time.Time) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	digits := make([]byte, 6)
	for i, v := range b {
		digits[i] = '0' + v%10
	}
	return fmt.Sprintf("t-%d-%s", now.UnixMilli(), digits)
}
