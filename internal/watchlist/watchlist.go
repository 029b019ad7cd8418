// File: internal/watchlist/watchlist.go
package watchlist

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"quotecast/internal/quote"
)

// Source resolves a user's current interest set.
type Source interface {
	Symbols(ctx context.Context, userID string) ([]string, error)
}

type WatchEntry struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name,omitempty"`
}

// File is the on-disk layout: per-user lists plus a fallback list.
type File struct {
	Default []WatchEntry            `yaml:"default"`
	Users   map[string][]WatchEntry `yaml:"users"`
}

// FileSource serves watchlists from a YAML file; Reload re-reads it.
type FileSource struct {
	path string

	mu   sync.RWMutex
	data File
}

func NewFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSource) Reload() error {
	b, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read watchlist %s: %w", fs.path, err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse watchlist %s: %w", fs.path, err)
	}
	fs.mu.Lock()
	fs.data = f
	fs.mu.Unlock()
	return nil
}

func (fs *FileSource) Symbols(_ context.Context, userID string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	entries, ok := fs.data.Users[userID]
	if !ok {
		entries = fs.data.Default
	}
	raw := make([]string, 0, len(entries))
	for _, e := range entries {
		raw = append(raw, e.Symbol)
	}
	return quote.NormalizeAll(raw), nil
}

// RedisSource reads SMEMBERS <prefix><userID>.
type RedisSource struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisSource(rdb redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "watchlist:"
	}
	return &RedisSource{rdb: rdb, prefix: prefix}
}

func (rs *RedisSource) Symbols(ctx context.Context, userID string) ([]string, error) {
	members, err := rs.rdb.SMembers(ctx, rs.prefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("watchlist for %s: %w", userID, err)
	}
	out := quote.NormalizeAll(members)
	sort.Strings(out)
	return out, nil
}
