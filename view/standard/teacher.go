// Package standard implements TreeView over merkle.Node directly: the
// in-memory representation used when a subtree has no specialised view
// of its own.
package standard

import (
	"context"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/merkle"
	"github.com/hashmesh/reconnect/view"
)

// Teacher is the standard TeacherTreeView[merkle.Node]. Nothing is hashed
// at construction: merkle nodes compute their hashes on demand (a stale
// Internal rehashes inside Hash), so there is no background hashing to
// wait for and WaitUntilReady is a no-op.
type Teacher struct {
	root     merkle.Node
	registry *merkle.ClassRegistry
}

// NewTeacher wraps root for teacher-side traversal.
func NewTeacher(root merkle.Node, registry *merkle.ClassRegistry) *Teacher {
	return &Teacher{root: root, registry: registry}
}

func (t *Teacher) Root() merkle.Node { return t.root }

func (t *Teacher) GetChild(parent merkle.Node, i int) (merkle.Node, bool) {
	internal, ok := parent.(*merkle.Internal)
	if !ok {
		return nil, false
	}
	return internal.Child(i)
}

func (t *Teacher) SetChild(merkle.Node, int, merkle.Node, bool) {
	// The teacher view never mutates; it only ever reads its snapshot.
}

func (t *Teacher) HashOf(n merkle.Node) common.Hash {
	if n == nil {
		return common.NullHash
	}
	return n.Hash()
}

func (t *Teacher) Release(merkle.Node) {}

func (t *Teacher) SerializeLeaf(n merkle.Node) ([]byte, error) {
	leaf := n.(*merkle.Leaf)
	return leaf.Payload(), nil
}

func (t *Teacher) SerializeInternal(n merkle.Node) (uint64, int32, []common.Hash, error) {
	internal := n.(*merkle.Internal)
	hashes := make([]common.Hash, internal.ChildCount())
	for i := range hashes {
		hashes[i] = internal.ChildHash(i)
	}
	return internal.ClassID(), internal.Version(), hashes, nil
}

func (t *Teacher) DeserializeLeaf(classID uint64, version int32, payload []byte) (merkle.Node, error) {
	return t.registry.NewLeaf(classID, version, payload)
}

func (t *Teacher) DeserializeInternal(classID uint64, version int32, childCount int) (merkle.Node, error) {
	return t.registry.NewInternal(classID, version, childCount)
}

func (t *Teacher) WaitUntilReady(ctx context.Context) error { return nil }

func (t *Teacher) IsLeaf(n merkle.Node) bool {
	_, isLeaf := n.(*merkle.Leaf)
	return isLeaf
}

func (t *Teacher) HasCustomView(n merkle.Node) bool {
	internal, ok := n.(*merkle.Internal)
	return ok && internal.HasCustomView()
}

func (t *Teacher) ClassID(n merkle.Node) uint64 { return n.ClassID() }
func (t *Teacher) Version(n merkle.Node) int32  { return n.Version() }

func (t *Teacher) CustomTeacherRootFor(n merkle.Node) (view.CustomTeacherRoot, bool) {
	internal, ok := n.(*merkle.Internal)
	if !ok || !internal.HasCustomView() {
		return nil, false
	}
	root, ok := internal.CustomViewValue().(view.CustomTeacherRoot)
	return root, ok
}
