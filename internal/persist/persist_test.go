package persist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/logger"
)

type fakeRemote struct {
	mu    sync.Mutex
	recs  map[string]Completion
	saves int
	err   error
}

func newFakeRemote() *fakeRemote { return &fakeRemote{recs: make(map[string]Completion)} }

func (f *fakeRemote) Get(_ context.Context, id string) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (f *fakeRemote) Save(_ context.Context, c *Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.err != nil {
		return f.err
	}
	f.recs[c.ID] = *c
	return nil
}

func (f *fakeRemote) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestCompressRoundTrip(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Compress(short))

	long := strings.Repeat("问候 hello ", 100)
	enc := Compress(long)
	require.True(t, strings.HasPrefix(enc, "lz:"))
	assert.Equal(t, enc, Compress(enc), "already tagged values are left alone")
	assert.Equal(t, long, Decompress(enc))

	assert.Equal(t, "lz:!!not-base64", Decompress("lz:!!not-base64"))
	assert.Equal(t, "plain", Decompress("plain"))
}

func TestCompletionEncodeDecode(t *testing.T) {
	c := Completion{ID: "c1", Title: "t", ParamsJSON: strings.Repeat("{}", 300), APIModel: 1}
	enc := c.Encode()
	assert.Equal(t, "t", enc.Title)
	assert.True(t, strings.HasPrefix(enc.ParamsJSON, "lz:"))
	assert.Equal(t, c, enc.Decode())
}

func TestCompletionEncodeLeavesTitlePlain(t *testing.T) {
	title := strings.Repeat("long title ", 40)
	enc := Completion{ID: "c1", Title: title, Prompt: strings.Repeat("p", 600)}.Encode()
	assert.Equal(t, title, enc.Title)
	assert.True(t, strings.HasPrefix(enc.Prompt, "lz:"))
	assert.Equal(t, title, enc.Decode().Title)
}

func newReconciler(remote Remote, backup BackupStore, delay time.Duration) *Reconciler {
	w := NewDurableWriter(remote, delay, logger.Discard())
	return NewReconciler(remote, backup, w, logger.Discard())
}

func TestLoadPrefersNewerBackup(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.recs["c1"] = Completion{ID: "c1", Title: "server", UpdatedAt: 50}
	backup := NewMemoryBackup()
	require.NoError(t, backup.Put(ctx, Snapshot{ID: "c1", UpdatedAt: 100, Reason: "edit", Payload: Completion{ID: "c1", Title: "local", UpdatedAt: 100}.Encode()}))

	r := newReconciler(remote, backup, time.Hour)
	c, fromBackup, err := r.Load(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, fromBackup)
	assert.Equal(t, "local", c.Title)
}

func TestLoadDiscardsOlderBackup(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.recs["c1"] = Completion{ID: "c1", Title: "server", UpdatedAt: 150}
	backup := NewMemoryBackup()
	require.NoError(t, backup.Put(ctx, Snapshot{ID: "c1", UpdatedAt: 100, Payload: Completion{ID: "c1", Title: "local"}}))

	r := newReconciler(remote, backup, time.Hour)
	c, fromBackup, err := r.Load(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, fromBackup)
	assert.Equal(t, "server", c.Title)

	snap, err := backup.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadMissingEverywhere(t *testing.T) {
	r := newReconciler(newFakeRemote(), NewMemoryBackup(), time.Hour)
	_, _, err := r.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPersistence)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveWritesBackupThenDebounces(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	backup := NewMemoryBackup()
	r := newReconciler(remote, backup, 20*time.Millisecond)

	var n int64
	r.Bind("c1", func() (*Completion, error) {
		n++
		return &Completion{ID: "c1", Title: "x", UpdatedAt: n}, nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Save(ctx, "edit"))
	}
	snap, err := backup.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, snap, "backup is written before the debounce fires")
	assert.Equal(t, "edit", snap.Reason)

	require.Eventually(t, func() bool { return remote.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, remote.saveCount(), "saves coalesce")

	require.Eventually(t, func() bool {
		s, _ := backup.Get(ctx, "c1")
		return s == nil
	}, time.Second, 5*time.Millisecond)
}

func TestFlushFailureKeepsBackup(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.err = errors.New("backend down")
	backup := NewMemoryBackup()
	r := newReconciler(remote, backup, time.Hour)
	r.Bind("c1", func() (*Completion, error) { return &Completion{ID: "c1", UpdatedAt: 7}, nil })

	var states []SaveState
	r.OnState(func(s SaveState) { states = append(states, s) })

	err := r.Flush(ctx, "stop")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPersistence)
	assert.Equal(t, "backend down", r.LastError())

	snap, _ := backup.Get(ctx, "c1")
	require.NotNil(t, snap)
	assert.EqualValues(t, 7, snap.UpdatedAt)

	require.Len(t, states, 1)
	assert.Equal(t, SaveFailed, states[0].Status)
	assert.True(t, states[0].HintChanged)

	remote.mu.Lock()
	remote.err = nil
	remote.mu.Unlock()
	require.NoError(t, r.Flush(ctx, "retry"))
	assert.Empty(t, r.LastError())
	assert.True(t, states[len(states)-1].HintChanged)
	snap, _ = backup.Get(ctx, "c1")
	assert.Nil(t, snap)
}

func TestSaveUnbound(t *testing.T) {
	r := newReconciler(newFakeRemote(), nil, time.Hour)
	assert.ErrorIs(t, r.Save(context.Background(), "x"), common.ErrPersistence)
}
