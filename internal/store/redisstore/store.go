package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/csSone/LlamacppServer/internal/persist"
)

const (
	backupKeyPrefix = "llamachat:backup:"
	defaultTTL      = 7 * 24 * time.Hour
)

var _ persist.BackupStore = (*Store)(nil)

// Store keeps completion backups in redis, for hosts where several client
// processes share one backup location.
type Store struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Store{Client: rdb, TTL: defaultTTL}, nil
}

func (s *Store) Close() error { return s.Client.Close() }

func backupKey(id string) string { return backupKeyPrefix + id }

func (s *Store) Put(ctx context.Context, snap persist.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, backupKey(snap.ID), b, s.TTL).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*persist.Snapshot, error) {
	b, err := s.Client.Get(ctx, backupKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap persist.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.Client.Del(ctx, backupKey(id)).Err()
}
