package virtualmap

import (
	"context"
	"fmt"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/view"
)

// Teacher is the TeacherTreeView[uint64] over a Datasource-backed
// virtual map: the node handle is the path itself, range-checked
// against [0, lastLeafPath].
type Teacher struct {
	cache                        *recordCache
	leafClassID, internalClassID uint64
	version                      int32
	firstLeafPath, lastLeafPath  int64
}

// NewTeacher builds a Teacher over src, bounded to
// [firstLeafPath, lastLeafPath]. lastLeafPath < 0 describes an empty
// map: every path, including the root, is then out of range and hashes
// to common.NullHash.
func NewTeacher(src Datasource, cacheSize int, leafClassID, internalClassID uint64, version int32, firstLeafPath, lastLeafPath int64) *Teacher {
	return &Teacher{
		cache:           newRecordCache(cacheSize, src),
		leafClassID:     leafClassID,
		internalClassID: internalClassID,
		version:         version,
		firstLeafPath:   firstLeafPath,
		lastLeafPath:    lastLeafPath,
	}
}

func (t *Teacher) inRange(path uint64) bool {
	return t.lastLeafPath >= 0 && int64(path) <= t.lastLeafPath
}

func (t *Teacher) Root() uint64 { return 0 }

func (t *Teacher) GetChild(parent uint64, i int) (uint64, bool) {
	c := childPath(parent, i)
	if !t.inRange(c) {
		return 0, false
	}
	return c, true
}

func (t *Teacher) SetChild(uint64, int, uint64, bool) {
	// The teacher view never mutates; it only ever reads the source map.
}

func (t *Teacher) HashOf(n uint64) common.Hash {
	if !t.inRange(n) {
		return common.NullHash
	}
	r, ok, err := t.cache.Load(n)
	if err != nil || !ok {
		// Swallowed here: the very next SerializeLeaf/SerializeInternal
		// call for this same path re-issues the same Datasource lookup
		// and surfaces the error properly, since HashOf has no error
		// return of its own.
		return common.NullHash
	}
	return r.Hash
}

func (t *Teacher) Release(uint64) {}

func (t *Teacher) SerializeLeaf(n uint64) ([]byte, error) {
	r, ok, err := t.cache.Load(n)
	if err != nil {
		return nil, fmt.Errorf("%w: load leaf %d: %v", rcerrs.Io, n, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: leaf %d has no record", rcerrs.Protocol, n)
	}
	return r.Payload, nil
}

func (t *Teacher) SerializeInternal(n uint64) (uint64, int32, []common.Hash, error) {
	return t.internalClassID, t.version, []common.Hash{t.HashOf(childPath(n, 0)), t.HashOf(childPath(n, 1))}, nil
}

func (t *Teacher) DeserializeLeaf(uint64, int32, []byte) (uint64, error) {
	return 0, fmt.Errorf("%w: teacher view never deserialises", rcerrs.Invariant)
}

func (t *Teacher) DeserializeInternal(uint64, int32, int) (uint64, error) {
	return 0, fmt.Errorf("%w: teacher view never deserialises", rcerrs.Invariant)
}

func (t *Teacher) WaitUntilReady(ctx context.Context) error { return nil }

// IsLeaf reports whether n is a leaf: in range itself, with no in-range
// children. A root that is itself out of range (the empty-map boundary
// case) is never a leaf; it serialises as an internal with two null
// children instead, so an empty map still round-trips through the
// ordinary internal-lesson shape.
func (t *Teacher) IsLeaf(n uint64) bool {
	return t.inRange(n) && !t.inRange(childPath(n, 0))
}

// HasCustomView is always false: a virtual-map subtree contains no
// further nested custom views of its own.
func (t *Teacher) HasCustomView(uint64) bool { return false }

func (t *Teacher) ClassID(n uint64) uint64 {
	if t.IsLeaf(n) {
		return t.leafClassID
	}
	return t.internalClassID
}

func (t *Teacher) Version(uint64) int32 { return t.version }

func (t *Teacher) CustomTeacherRootFor(uint64) (view.CustomTeacherRoot, bool) { return nil, false }

// LeafPathBounds implements view.LeafPathBoundsSource: only the
// subtree's root carries the first-leaf/last-leaf bounds.
func (t *Teacher) LeafPathBounds(n uint64) (first, last int64, ok bool) {
	if n != t.Root() {
		return 0, 0, false
	}
	return t.firstLeafPath, t.lastLeafPath, true
}
