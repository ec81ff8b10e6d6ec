package storage

import (
	"context"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/cvandeplas/pystemon"
)

// RedisConfig configures RedisStorage.
type RedisConfig struct {
	Name     string
	Addr     string
	Password string
	DB       int
	ListKey  string
	SaveAll  bool
}

// RedisStorage pushes "<site>/<filename>" for the saved pastie onto a list
// for external consumers. The pushed path is relative: it carries no storage
// root directory and no date component. It never reads back and Seen
// always reports false,
// matching pystemon/storage/redisstorage.py's RedisStorage exactly (it
// never overrides __seen_pastie__, so lookup is always a no-op).
type RedisStorage struct {
	name    string
	client  *redis.Client
	listKey string
	saveAll bool
}

// NewRedisStorage dials addr and returns a ready RedisStorage.
func NewRedisStorage(cfg RedisConfig) *RedisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	listKey := cfg.ListKey
	if listKey == "" {
		listKey = "pastes"
	}
	return &RedisStorage{name: cfg.Name, client: client, listKey: listKey, saveAll: cfg.SaveAll}
}

func (r *RedisStorage) Name() string { return r.name }
func (r *RedisStorage) Lookup() bool { return false }

func (r *RedisStorage) Save(ctx context.Context, p *pystemon.Pastie) error {
	if !p.Matched && !r.saveAll {
		return nil
	}
	path := filepath.Join(p.Site.Name, p.Filename)
	return r.client.LPush(ctx, r.listKey, path).Err()
}

func (r *RedisStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	return false, nil
}
