package npc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefinitionSource yields parsed definitions by key.
type DefinitionSource interface {
	Definition(ctx context.Context, key string) (Definition, error)
}

// Store reads definitions from a directory of YAML files and keeps the raw
// bytes in redis when a client is configured.
type Store struct {
	dir      string
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewStore(dir string, cache *redis.Client, cacheTTL time.Duration) *Store {
	return &Store{dir: dir, cache: cache, cacheTTL: cacheTTL}
}

func (s *Store) Definition(ctx context.Context, key string) (Definition, error) {
	key = normalizeKey(key)
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return Definition{}, fmt.Errorf("%w: bad definition key %q", ErrDefinition, key)
	}
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, s.cacheKey(key)).Bytes()
		if err == nil {
			if def, pErr := ParseDefinition(raw); pErr == nil {
				return def, nil
			}
		}
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, key+".yaml"))
	if err != nil {
		return Definition{}, fmt.Errorf("%w: read %s: %v", ErrDefinition, key, err)
	}
	def, err := ParseDefinition(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", key, err)
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, s.cacheKey(key), raw, s.cacheTTL).Err()
	}
	return def, nil
}

// Invalidate drops the cached copy so the next read goes to disk.
func (s *Store) Invalidate(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, s.cacheKey(normalizeKey(key))).Err()
}

// Keys lists every definition file in the directory.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) cacheKey(key string) string {
	return "npc:definition:" + key
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
