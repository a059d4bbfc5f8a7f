package voyworker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStorage is a process-local CacheStorage, used by tests and by
// deployments that run without a storage path.
type memStorage struct {
	mu     sync.Mutex
	seq    int
	stores map[string]*memCache
}

func NewMemStorage() CacheStorage {
	return &memStorage{stores: map[string]*memCache{}}
}

type memCache struct {
	name    string
	order   int
	mu      sync.Mutex
	entries map[string]CacheEntry
}

func (s *memStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[name]
	if !ok {
		s.seq++
		c = &memCache{name: name, order: s.seq, entries: map[string]CacheEntry{}}
		s.stores[name] = c
	}
	return c, nil
}

func (s *memStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

func (s *memStorage) sorted() []*memCache {
	s.mu.Lock()
	out := make([]*memCache, 0, len(s.stores))
	for _, c := range s.stores {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (s *memStorage) Names(ctx context.Context) ([]string, error) {
	var out []string
	for _, c := range s.sorted() {
		out = append(out, c.name)
	}
	return out, nil
}

func (s *memStorage) Match(ctx context.Context, key string) (*Response, bool, error) {
	for _, c := range s.sorted() {
		if resp, ok, _ := c.Match(ctx, key); ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

func (c *memCache) Name() string { return c.name }

func (c *memCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return ent.Response(), true, nil
}

func (c *memCache) Put(ctx context.Context, key string, resp *Response) error {
	ent := entryFromResponse(key, c.name, resp, time.Now().Unix())
	c.mu.Lock()
	c.entries[key] = ent
	c.mu.Unlock()
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
