// Package view defines the tree-view abstraction: the
// capability set the teacher and learner traversal algorithms call
// instead of ever touching a concrete node representation, plus the
// subtree-dispatch hooks that let a node hand traversal off to a
// specialised view (the virtual-map view, for example).
//
// The algorithm packages (teacher, learner) are generic over the node
// handle type N, the way go-ethereum's trie.Sync is written against an
// abstract NodeReader rather than a concrete trie.Node. A custom subtree
// may use a completely different N (the virtual-map view's N is a u64
// path, not a pointer); that boundary is crossed through the
// non-generic CustomTeacherRoot/CustomLearnerRoot interfaces below, which
// box a full recursive run of the generic algorithm behind an ordinary Go
// interface so the outer N never needs to know the inner one.
package view

import (
	"context"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/wire"
)

// RootChildIndex is the sentinel ExpectedLesson.ChildIndex (and
// position-entry ChildIndex) denoting the subtree's root itself, which
// has no parent to install into.
const RootChildIndex = -1

// TreeView is the capability set common to both sides.
type TreeView[N any] interface {
	// Root returns the handle of the subtree's root node.
	Root() N

	// GetChild returns the child at position i of parent and whether a
	// node is actually present there (a present-but-null slot reports
	// false; hash-of a missing child is common.NullHash regardless).
	GetChild(parent N, i int) (child N, present bool)

	// SetChild installs child at position i of parent. Learner-only on
	// internal nodes; the standard teacher view need not implement
	// mutation meaningfully.
	SetChild(parent N, i int, child N, present bool)

	// HashOf returns the hash of n. A missing child (present=false from
	// GetChild) must hash to common.NullHash.
	HashOf(n N) common.Hash

	// Release gives back any resource n holds (e.g. a borrowed record).
	Release(n N)

	// SerializeLeaf returns the application-opaque serialised bytes of
	// leaf n.
	SerializeLeaf(n N) ([]byte, error)

	// SerializeInternal returns the class-id, version, and ordered child
	// hashes of internal n.
	SerializeInternal(n N) (classID uint64, version int32, childHashes []common.Hash, err error)

	// DeserializeLeaf reconstructs a leaf node from its wire payload.
	DeserializeLeaf(classID uint64, version int32, payload []byte) (N, error)

	// DeserializeInternal reconstructs an internal node shell with
	// childCount empty slots, ready for SetChild calls as child lessons
	// arrive.
	DeserializeInternal(classID uint64, version int32, childCount int) (N, error)
}

// TeacherTreeView is the teacher-only capability set.
type TeacherTreeView[N any] interface {
	TreeView[N]

	// WaitUntilReady blocks until the view's background hashing (if any)
	// has completed and the view is safe to traverse.
	WaitUntilReady(ctx context.Context) error

	// IsLeaf reports whether n is a leaf (as opposed to internal).
	IsLeaf(n N) bool

	// HasCustomView reports whether n is an internal node that declares
	// a custom reconnect root.
	HasCustomView(n N) bool

	ClassID(n N) uint64
	Version(n N) int32

	// CustomTeacherRootFor returns the CustomTeacherRoot for n, which
	// must be true only when HasCustomView(n) is true.
	CustomTeacherRootFor(n N) (CustomTeacherRoot, bool)
}

// ExpectedLesson is the learner's FIFO queue entry: for
// every hash the learner answers, it records enough context to apply the
// matching lesson once it arrives, since lessons carry no positional
// identifier on the wire.
type ExpectedLesson[N any] struct {
	Parent             N
	ChildIndex         int
	Original           N
	OriginalPresent    bool
	NodeAlreadyPresent bool
}

// LearnerTreeView is the learner-only capability set.
type LearnerTreeView[N any] interface {
	TreeView[N]

	// IsRootOfState reports whether this view instance is the top-level
	// root of the whole reconnect (as opposed to a nested custom-subtree
	// view); only the top-level root's internal lesson carries
	// is-root-of-state.
	IsRootOfState() bool

	// ExpectLessonFor appends one ExpectedLesson to the FIFO queue
	//. Single-producer (L1): callers must not call this
	// concurrently from more than one goroutine.
	ExpectLessonFor(l ExpectedLesson[N])

	// HasNextExpected reports whether the queue is non-empty.
	HasNextExpected() bool

	// NextExpected pops the next ExpectedLesson. Returns an Invariant
	// error if the queue is empty.
	NextExpected() (ExpectedLesson[N], error)

	// MarkForInitialisation records n as a newly reconstructed internal
	// that must be initialised, children before parent.
	MarkForInitialisation(n N)

	// InitialiseAll runs Initialise on every marked internal node,
	// children before parents, exactly once each.
	InitialiseAll() error

	// ConvertMerkleRootToViewType adapts an externally-supplied merkle
	// root (the learner's own pre-reconnect tree, handed in by the
	// orchestrator) into this view's N type.
	ConvertMerkleRootToViewType(merkleRoot interface{}) N

	// CustomLearnerRootFor constructs the CustomLearnerRoot for a
	// position declared custom by the teacher. original/originalPresent
	// give the learner's pre-existing node at that position, if any
	//.
	CustomLearnerRootFor(classID uint64, version int32, original N, originalPresent bool) (CustomLearnerRoot, error)

	// AdoptCustomResult converts a completed CustomLearnerRoot's result
	// back into this view's N type so it can be installed with SetChild.
	AdoptCustomResult(result CustomLearnerResult) N
}

// CustomTeacherRoot is the teacher side of a custom reconnect root: build-teacher-view(), then run the subtree's own
// sub-protocol over the same streams.
type CustomTeacherRoot interface {
	// BuildTeacherView constructs the custom view and waits until ready.
	BuildTeacherView(ctx context.Context) (CustomTeacherSession, error)
}

// CustomTeacherSession runs the custom subtree's teacher algorithm to
// completion and releases the view on exit.
type CustomTeacherSession interface {
	Run(ctx context.Context, s *wire.TeacherStreams) error
	Release()
}

// CustomLearnerRoot is the learner side of a custom reconnect root.
type CustomLearnerRoot interface {
	// Run executes the custom subtree's learner algorithm to completion
	// over the shared streams.
	Run(ctx context.Context, s *wire.LearnerStreams) (CustomLearnerResult, error)
}

// CustomLearnerResult carries the reconstructed custom subtree's root
// handle back across the generic boundary, opaque to the outer
// algorithm. Close triggers the view's own deferred hashing/flushing
//.
type CustomLearnerResult interface {
	Close() error
}

// LeafPathBoundsSource is optionally implemented by a TeacherTreeView
// whose internal nodes carry first-leaf/last-leaf path bounds alongside
// the ordinary internal lesson (the virtual-map view's bounding
// internal). Run type-asserts for this before sending an internal
// lesson, so views that have no notion of path bounds need not
// implement it at all.
type LeafPathBoundsSource[N any] interface {
	// LeafPathBounds returns the first-leaf/last-leaf path bounds for n,
	// and whether n carries bounds at all.
	LeafPathBounds(n N) (first, last int64, ok bool)
}

// LeafPathBoundsSink is optionally implemented by a LearnerTreeView that
// wants the first-leaf/last-leaf bounds carried by an incoming internal
// lesson applied to the freshly deserialised node.
type LeafPathBoundsSink[N any] interface {
	SetLeafPathBounds(n N, first, last int64)
}

// PositionalDeserializer is optionally implemented by a LearnerTreeView
// whose node handle is computed from its position rather than allocated
// fresh (the virtual-map view's N is the path itself). When a view
// implements this, the learner algorithm calls these position-aware
// variants instead of the position-blind DeserializeLeaf/DeserializeInternal,
// passing the parent handle and child index carried by the
// ExpectedLesson (ChildIndex -1 denotes the subtree root, which has no
// parent).
type PositionalDeserializer[N any] interface {
	DeserializeLeafAt(ctx context.Context, parent N, childIndex int, classID uint64, version int32, payload []byte) (N, error)
	DeserializeInternalAt(ctx context.Context, parent N, childIndex int, classID uint64, version int32, childCount int) (N, error)
}

// ErrorSource is optionally implemented by a LearnerTreeView whose
// GetChild/HashOf (neither of which carry an error return of their own)
// swallow a genuine storage failure into "child absent"/NullHash rather
// than surfacing it immediately. Run checks Err after the algorithm
// completes so a real Datasource error is never mistaken for data that
// is simply missing.
type ErrorSource interface {
	Err() error
}
