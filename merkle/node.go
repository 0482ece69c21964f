// Package merkle implements the standard in-memory hashed tree: internal
// and leaf nodes hashed with a fixed-order child-hash combiner, the null
// hash for absent children, and the class registry used to reconstruct
// nodes by class-id+version.
package merkle

import (
	"fmt"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/rcerrs"
	"golang.org/x/crypto/sha3"
)

// Node is any node of the standard tree: a Leaf or an Internal. The
// algorithm packages never use Node directly, calling instead through
// view.TreeView[Node]; Node is exported so application code can build
// and inspect trees.
type Node interface {
	Hash() common.Hash
	ClassID() uint64
	Version() int32
}

// Leaf is an application-opaque, already-serialised payload, hashed
// directly over its content to make it a content-addressed leaf.
type Leaf struct {
	classID uint64
	version int32
	payload []byte
	hash    common.Hash
}

// NewLeaf builds a Leaf and computes its hash immediately.
func NewLeaf(classID uint64, version int32, payload []byte) *Leaf {
	sum := sha3.Sum256(payload)
	return &Leaf{
		classID: classID,
		version: version,
		payload: append([]byte(nil), payload...),
		hash:    common.NewHash(common.SHA3_256Digest, sum[:]),
	}
}

func (l *Leaf) Hash() common.Hash { return l.hash }
func (l *Leaf) ClassID() uint64   { return l.classID }
func (l *Leaf) Version() int32    { return l.version }
func (l *Leaf) Payload() []byte   { return l.payload }

// Internal has n >= 0 ordered children; a child slot may hold a Leaf, an
// Internal, or be absent (present == false), which hashes as
// common.NullHash regardless of what was there before.
type Internal struct {
	classID    uint64
	version    int32
	children   []Node
	present    []bool
	customView CustomView // nil unless this internal declares a custom view
	hash       common.Hash
	hashValid  bool
}

// CustomView marks an Internal as a custom reconnect root and is implemented by the package that owns the
// specialised subtree (e.g. virtualmap).
type CustomView interface {
	IsCustomReconnectRoot() bool
}

// NewInternal builds an Internal with childCount empty slots. Callers
// populate children with SetChild and must call Rehash before relying on
// Hash().
func NewInternal(classID uint64, version int32, childCount int) *Internal {
	return &Internal{
		classID:  classID,
		version:  version,
		children: make([]Node, childCount),
		present:  make([]bool, childCount),
	}
}

// SetCustomView marks this internal as delegating to cv for reconnect
// purposes.
func (n *Internal) SetCustomView(cv CustomView) { n.customView = cv }

// HasCustomView reports whether this internal declares a custom view.
func (n *Internal) HasCustomView() bool { return n.customView != nil }

// CustomViewValue returns the registered CustomView, or nil if none.
// Callers type-assert it to whatever richer capability interface their
// view layer needs (e.g. view.CustomTeacherRoot).
func (n *Internal) CustomViewValue() CustomView { return n.customView }

func (n *Internal) ClassID() uint64  { return n.classID }
func (n *Internal) Version() int32   { return n.version }
func (n *Internal) ChildCount() int  { return len(n.children) }

// SetChild installs child at position i, marking it present. A nil
// child with present=false clears the slot.
func (n *Internal) SetChild(i int, child Node, present bool) {
	n.children[i] = child
	n.present[i] = present
	n.hashValid = false
}

// Child returns the child at position i and whether it is present. Out
// of range returns (nil, false).
func (n *Internal) Child(i int) (Node, bool) {
	if i < 0 || i >= len(n.children) {
		return nil, false
	}
	if !n.present[i] {
		return nil, false
	}
	return n.children[i], true
}

// ChildHash returns the hash of the child at i, or common.NullHash if
// absent or out of range.
func (n *Internal) ChildHash(i int) common.Hash {
	child, present := n.Child(i)
	if !present {
		return common.NullHash
	}
	return child.Hash()
}

// Rehash recomputes this internal's hash by concatenating its children's
// hashes, in fixed order, and hashing the result.
func (n *Internal) Rehash() {
	hasher := sha3.New256()
	for i := range n.children {
		h := n.ChildHash(i)
		hasher.Write(h[:])
	}
	sum := hasher.Sum(nil)
	n.hash = common.NewHash(common.SHA3_256Digest, sum)
	n.hashValid = true
}

// Hash returns this internal's cached hash, computing it first if it is
// stale.
func (n *Internal) Hash() common.Hash {
	if !n.hashValid {
		n.Rehash()
	}
	return n.hash
}

// ErrUnknownClass is returned by ClassRegistry lookups for an
// unregistered class-id. It unwraps to rcerrs.Protocol, so callers that
// pass it through surface it as a Protocol error.
type ErrUnknownClass struct{ ClassID uint64 }

func (e *ErrUnknownClass) Error() string {
	return fmt.Sprintf("merkle: unregistered class-id %d", e.ClassID)
}

func (e *ErrUnknownClass) Unwrap() error { return rcerrs.Protocol }
