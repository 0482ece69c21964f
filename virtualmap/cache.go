package virtualmap

import lru "github.com/hashicorp/golang-lru/v2"

// recordCache sits in front of a Datasource, giving hash-of(path) the
// same cache-then-datasource fallthrough the teacher side needs to
// traverse a disk-backed map without rereading every path from disk on
// every query.
type recordCache struct {
	lru *lru.Cache[uint64, Record]
	src Datasource
}

// newRecordCache builds a recordCache of the given size over src. A nil
// src is valid: every load simply misses, used for a virtual-map
// subtree the learner has no prior data for.
func newRecordCache(size int, src Datasource) *recordCache {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New[uint64, Record](size)
	return &recordCache{lru: c, src: src}
}

// Load returns the record at path, consulting the cache first and the
// datasource on a miss.
func (c *recordCache) Load(path uint64) (Record, bool, error) {
	if r, ok := c.lru.Get(path); ok {
		return r, true, nil
	}
	if c.src == nil {
		return Record{}, false, nil
	}
	r, ok, err := c.src.Load(path)
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		c.lru.Add(path, r)
	}
	return r, ok, nil
}
