// Package virtualmap implements the concrete custom view for very large,
// disk-backed maps: a complete binary tree addressed by path (root=0,
// parent(p)=(p-1)/2, children=2p+1,2p+2), reconnected through the same
// teacher/learner algorithms as the standard view by plugging uint64
// path values in as the node handle N. It wires into an outer
// merkle.Internal as a custom reconnect root (merkle.CustomView,
// view.CustomTeacherRoot, and the learner setup hooks the standard view
// type-asserts for), exactly the way go-ethereum's snap sync hands a
// large account range off to its own specialised range-proof exchange
// instead of walking the full trie node by node.
package virtualmap

import (
	"github.com/hashmesh/reconnect/common"
	"golang.org/x/crypto/sha3"
)

// Record is one path's reconnect-visible state: its hash, the
// class/version pair needed to pick a (de)serialiser, and, for a leaf,
// its opaque payload.
type Record struct {
	Hash    common.Hash
	Version int32
	Leaf    bool
	Payload []byte
}

// Datasource is the opaque, application-owned backing store a view
// reads through once its cache misses: the disk-resident virtual map
// itself. It is asked only for paths already known hashed ahead of
// reconnect; reconnect never computes a Datasource-backed hash, only
// reads it.
type Datasource interface {
	// Load returns the record at path and whether one exists there at
	// all; an out-of-range or never-written path reports ok=false.
	Load(path uint64) (rec Record, ok bool, err error)
}

// mapDatasource is an in-memory Datasource over a fixed record set,
// used both by tests and to let a freshly reconnected Root serve as the
// next reconnect's original without round-tripping through a real
// disk-backed store.
type mapDatasource map[uint64]Record

func (m mapDatasource) Load(path uint64) (Record, bool, error) {
	r, ok := m[path]
	return r, ok, nil
}

// childPath returns the path of child i (0 or 1) of parent, following
// the complete-binary-tree numbering root=0, children=2p+1,2p+2.
func childPath(parent uint64, i int) uint64 { return 2*parent + 1 + uint64(i) }

// parentAndIndex inverts childPath: parent(p)=(p-1)/2, index=(p-1)%2.
func parentAndIndex(path uint64) (parent uint64, index int) {
	if path == 0 {
		return 0, 0
	}
	parent = (path - 1) / 2
	index = int((path - 1) % 2)
	return parent, index
}

// hashLeafPayload content-hashes a leaf payload the same way
// merkle.NewLeaf does, so a virtual-map leaf and a standard leaf
// carrying the same bytes hash identically.
func hashLeafPayload(payload []byte) common.Hash {
	sum := sha3.Sum256(payload)
	return common.NewHash(common.SHA3_256Digest, sum[:])
}

// combineChildHashes hashes two child hashes together the same way
// merkle.Internal.Rehash combines its ordered children, so an internal
// node's hash depends only on its children's hashes, never on when
// those children were (re)built.
func combineChildHashes(left, right common.Hash) common.Hash {
	hasher := sha3.New256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	sum := hasher.Sum(nil)
	return common.NewHash(common.SHA3_256Digest, sum)
}
