package voyworker

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Cache is one named store of responses keyed by request identity.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	// Put overwrites any previous entry for key.
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds every named Cache of the worker.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Match looks key up in every store, oldest store first.
	Match(ctx context.Context, key string) (*Response, bool, error)
}

// ---- leveldb storage ----

type storeMeta struct {
	Name      string
	CreatedAt int64 // unix nanoseconds
}

// levelStorage persists stores in leveldb and keeps recently used entries in
// an LRU RAM tier. Layout: "s:<store>" -> storeMeta, "e:<store>\x00<key>" -> CacheEntry.
type levelStorage struct {
	db  *leveldb.DB
	ram *ramCache

	mu sync.Mutex
}

func OpenLevelStorage(path string, ramMaxBytes int64) (CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelStorage(db, ramMaxBytes), nil
}

func newLevelStorage(db *leveldb.DB, ramMaxBytes int64) *levelStorage {
	return &levelStorage{db: db, ram: newRAMCache(ramMaxBytes)}
}

func (s *levelStorage) Close() error { return s.db.Close() }

func metaKey(name string) []byte { return []byte("s:" + name) }

func entryPrefix(name string) string { return name + "\x00" }

func entryKey(name, key string) []byte { return []byte("e:" + entryPrefix(name) + key) }

func (s *levelStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(metaKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(storeMeta{Name: name, CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(metaKey(name), b, nil); err != nil {
			return nil, err
		}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.Has(metaKey(name), nil)
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(metaKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte("e:"+entryPrefix(name))), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(metaKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.ram.DeletePrefix(entryPrefix(name))
	return true, nil
}

func (s *levelStorage) Names(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("s:")), nil)
	defer it.Release()

	var metas []storeMeta
	for it.Next() {
		var m storeMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		metas = append(metas, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].CreatedAt < metas[j].CreatedAt })
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Name)
	}
	return out, nil
}

func (s *levelStorage) Match(ctx context.Context, key string) (*Response, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		c := &levelCache{s: s, name: name}
		resp, ok, err := c.Match(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

type levelCache struct {
	s    *levelStorage
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	ramKey := entryPrefix(c.name) + key
	if ent, ok := c.s.ram.Get(ramKey); ok {
		return ent.Response(), true, nil
	}
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, err
	}
	c.s.ram.Put(ramKey, ent, int64(len(b)))
	return ent.Response(), true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, resp *Response) error {
	ent := entryFromResponse(key, c.name, resp, time.Now().Unix())
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	if err := c.s.db.Put(entryKey(c.name, key), b, nil); err != nil {
		return err
	}
	c.s.ram.Put(entryPrefix(c.name)+key, ent, int64(len(b)))
	return nil
}

func (c *levelCache) Delete(ctx context.Context, key string) (bool, error) {
	k := entryKey(c.name, key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := c.s.db.Delete(k, nil); err != nil {
		return false, err
	}
	c.s.ram.Delete(entryPrefix(c.name) + key)
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	prefix := "e:" + entryPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefix))
	}
	return out, it.Error()
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
		}
	}
}

func (c *ramCache) Put(key string, ent CacheEntry, sz int64) {
	if c.maxBytes <= 0 || sz > c.maxBytes {
		// too big for RAM, leveldb still has it
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
