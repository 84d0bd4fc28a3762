package sheets

import (
	"strings"
	"sync"
	"time"
)

// cacheEntry 单条缓存记录
type cacheEntry struct {
	values    [][]string
	expiresAt time.Time
}

// rangeCache 按范围字符串缓存读取结果，短 TTL
// 写入时按工作表名失效：同一工作表的任何写都会丢弃该表的全部缓存读，
// 宁可多失效也不返回可能已过期的行
type rangeCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func newRangeCache(ttl time.Duration) *rangeCache {
	return &rangeCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// get 读取缓存，过期条目当场删除
func (c *rangeCache) get(rng string) ([][]string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[rng]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, rng)
		c.mu.Unlock()
		return nil, false
	}
	return entry.values, true
}

// put 写入缓存
func (c *rangeCache) put(rng string, values [][]string) {
	c.mu.Lock()
	c.entries[rng] = cacheEntry{
		values:    values,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// invalidateSheet 失效某个工作表的全部缓存范围
func (c *rangeCache) invalidateSheet(sheetName string) {
	c.mu.Lock()
	for rng := range c.entries {
		if sheetOfRange(rng) == sheetName {
			delete(c.entries, rng)
		}
	}
	c.mu.Unlock()
}

// cleanup 清除过期条目，返回清除数量
func (c *rangeCache) cleanup() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for rng, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, rng)
			removed++
		}
	}
	c.mu.Unlock()

	return removed
}

// size 当前缓存条目数
func (c *rangeCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sheetOfRange 从 A1 范围中取工作表名，如 "assets!A1:H100" -> "assets"
// 不带 "!" 的范围视为整个工作表名
func sheetOfRange(rng string) string {
	if i := strings.Index(rng, "!"); i >= 0 {
		return strings.Trim(rng[:i], "'")
	}
	return strings.Trim(rng, "'")
}
