package broker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/coocood/freecache"

	"tgdl/internal/upstream"
)

// messagePageTTL keeps listed pages fresh enough for paging UIs while
// sparing repeated history calls.
const messagePageTTL = 60

// pageCache holds normalized message pages, gob-encoded in freecache.
type pageCache struct {
	cache *freecache.Cache
	mu    sync.RWMutex
}

func newPageCache() *pageCache {
	gob.Register(upstream.Message{})
	gob.Register(upstream.Media{})
	return &pageCache{cache: freecache.NewCache(32 * 1024 * 1024)}
}

func pageKey(userID, chatID int64, limit, offsetID int, mediaOnly bool) string {
	return fmt.Sprintf("messages:%d:%d:%d:%d:%t", userID, chatID, limit, offsetID, mediaOnly)
}

func (c *pageCache) get(key string) ([]*upstream.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	var page []*upstream.Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&page); err != nil {
		return nil, false
	}
	return page, true
}

func (c *pageCache) set(key string, page []*upstream.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(page); err != nil {
		return
	}
	c.cache.Set([]byte(key), buf.Bytes(), messagePageTTL)
}

func (c *pageCache) clear() {
	c.mu.Lock()
	c.cache.Clear()
	c.mu.Unlock()
}
