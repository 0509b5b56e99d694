package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/persist"
)

func TestPebbleStore(t *testing.T) {
	s, err := OpenMem()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := persist.Snapshot{ID: "c1", UpdatedAt: 100, Reason: "edit", Payload: persist.Completion{ID: "c1", Title: "hi"}}
	require.NoError(t, s.Put(ctx, snap))
	require.NoError(t, s.Put(ctx, persist.Snapshot{ID: "c2", UpdatedAt: 1}))

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap, *got)

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	require.NoError(t, s.Delete(ctx, "c1"))
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
