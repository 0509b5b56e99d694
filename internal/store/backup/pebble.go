package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/csSone/LlamacppServer/internal/persist"
)

const keyPrefix = "backup:"

var _ persist.BackupStore = (*PebbleStore)(nil)

// PebbleStore keeps completion backups in a local pebble database. Every
// write is synced, so a snapshot survives a crash right after Put returns.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return open(dir, &pebble.Options{})
}

// OpenMem opens an in-memory database.
func OpenMem() (*PebbleStore, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(id string) []byte { return []byte(keyPrefix + id) }

func (s *PebbleStore) Put(_ context.Context, snap persist.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Set(key(snap.ID), b, pebble.Sync)
}

func (s *PebbleStore) Get(_ context.Context, id string) (*persist.Snapshot, error) {
	v, closer, err := s.db.Get(key(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var snap persist.Snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PebbleStore) Delete(_ context.Context, id string) error {
	return s.db.Delete(key(id), pebble.Sync)
}

// IDs lists the completions that have a backup.
func (s *PebbleStore) IDs() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix[:len(keyPrefix)-1] + ";"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []string
	for ok := it.First(); ok; ok = it.Next() {
		ids = append(ids, string(it.Key()[len(keyPrefix):]))
	}
	return ids, it.Error()
}
