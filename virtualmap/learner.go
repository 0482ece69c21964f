package virtualmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/view"
)

// Learner is the LearnerTreeView[uint64] for a virtual-map subtree. Old
// and new data share the same path numbering, so the two sides are
// disambiguated by source rather than by value: GetChild/HashOf-for-
// queries read through oldSide (the learner's pre-existing map, possibly
// absent entirely), while a freshly reconstructed node's record lives in
// newRecords until the whole reconnect completes. HashOf checks
// newRecords first and falls back to oldSide, which is exactly right
// for a path reused verbatim via an empty lesson: no new record is ever
// built for it, so its old hash is the final answer.
type Learner struct {
	oldSide       *recordCache
	haveOriginal  bool
	firstLeafPath int64 // old subtree's bounds, for GetChild range checks
	lastLeafPath  int64

	newRecords      map[uint64]Record
	pipeline        *rebuildPipeline
	queue           *expectedQueue
	rootOfState     bool
	leafClassID     uint64
	internalClassID uint64
	version         int32

	newFirstLeafPath int64
	newLastLeafPath  int64

	mu      sync.Mutex
	loadErr error
}

// NewLearner builds a Learner. oldSrc/haveOriginal describe the
// learner's pre-existing subtree, if any; pipelineBuffer bounds the
// rebuild pipeline's backlog of leaves awaiting flush.
func NewLearner(oldSrc Datasource, haveOriginal bool, cacheSize, pipelineBuffer int, leafClassID, internalClassID uint64, version int32, oldFirstLeafPath, oldLastLeafPath int64, rootOfState bool) *Learner {
	l := &Learner{
		oldSide:         newRecordCache(cacheSize, oldSrc),
		haveOriginal:    haveOriginal,
		firstLeafPath:   oldFirstLeafPath,
		lastLeafPath:    oldLastLeafPath,
		newRecords:      make(map[uint64]Record),
		queue:           newExpectedQueue(),
		rootOfState:     rootOfState,
		leafClassID:     leafClassID,
		internalClassID: internalClassID,
		version:         version,
	}
	l.pipeline = newRebuildPipeline(pipelineBuffer, func(r Record) error {
		return nil // flush-to-storage is simulated: newRecords already holds r.
	})
	return l
}

func (l *Learner) oldInRange(path uint64) bool {
	return l.haveOriginal && l.lastLeafPath >= 0 && int64(path) <= l.lastLeafPath
}

func (l *Learner) Root() uint64 { return 0 }

// GetChild is always evaluated against the learner's pre-existing
// (old) subtree: the only caller in the learner algorithm passes an
// ExpectedLesson.Original handle.
func (l *Learner) GetChild(parent uint64, i int) (uint64, bool) {
	c := childPath(parent, i)
	if !l.oldInRange(c) {
		return c, false
	}
	_, ok, err := l.oldSide.Load(c)
	if err != nil {
		l.recordLoadErr(fmt.Errorf("%w: load child %d: %v", rcerrs.Io, c, err))
		return c, false
	}
	if !ok {
		return c, false
	}
	return c, true
}

// recordLoadErr keeps the first Datasource failure GetChild/HashOf
// swallowed (neither has an error return of its own). Run surfaces it
// via view.ErrorSource once the algorithm completes, so a genuine
// storage failure is never mistaken for data that is simply absent.
func (l *Learner) recordLoadErr(err error) {
	l.mu.Lock()
	if l.loadErr == nil {
		l.loadErr = err
	}
	l.mu.Unlock()
}

func (l *Learner) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadErr
}

// SetChild is always evaluated against the freshly built subtree. A
// present child was already recorded by DeserializeLeafAt/
// DeserializeInternalAt; only an explicitly absent slot needs recording
// here, so hash-of that path reports common.NullHash instead of falling
// through to a stale old-side record.
func (l *Learner) SetChild(parent uint64, i int, _ uint64, present bool) {
	if present {
		return
	}
	// Leaf:true marks this record terminal so HashOf returns NullHash
	// directly instead of recursing into a nonexistent child pair.
	l.newRecords[childPath(parent, i)] = Record{Hash: common.NullHash, Leaf: true}
}

func (l *Learner) HashOf(n uint64) common.Hash {
	if r, ok := l.newRecords[n]; ok {
		if r.Leaf {
			return r.Hash
		}
		return combineChildHashes(l.HashOf(childPath(n, 0)), l.HashOf(childPath(n, 1)))
	}
	if !l.oldInRange(n) {
		return common.NullHash
	}
	r, ok, err := l.oldSide.Load(n)
	if err != nil {
		l.recordLoadErr(fmt.Errorf("%w: load %d: %v", rcerrs.Io, n, err))
		return common.NullHash
	}
	if !ok {
		return common.NullHash
	}
	return r.Hash
}

func (l *Learner) Release(uint64) {}

func (l *Learner) SerializeLeaf(n uint64) ([]byte, error) {
	if r, ok := l.newRecords[n]; ok {
		return r.Payload, nil
	}
	r, ok, err := l.oldSide.Load(n)
	if err != nil {
		return nil, fmt.Errorf("%w: load leaf %d: %v", rcerrs.Io, n, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: leaf %d has no record", rcerrs.Protocol, n)
	}
	return r.Payload, nil
}

func (l *Learner) SerializeInternal(n uint64) (uint64, int32, []common.Hash, error) {
	return l.internalClassID, l.version, []common.Hash{l.HashOf(childPath(n, 0)), l.HashOf(childPath(n, 1))}, nil
}

// DeserializeLeaf/DeserializeInternal are never called: this view
// implements view.PositionalDeserializer, so the learner algorithm
// always prefers DeserializeLeafAt/DeserializeInternalAt instead, which
// know the path being built. These exist only to satisfy TreeView[N].
func (l *Learner) DeserializeLeaf(uint64, int32, []byte) (uint64, error) {
	return 0, fmt.Errorf("%w: virtual-map learner view requires positional deserialisation", rcerrs.Invariant)
}

func (l *Learner) DeserializeInternal(uint64, int32, int) (uint64, error) {
	return 0, fmt.Errorf("%w: virtual-map learner view requires positional deserialisation", rcerrs.Invariant)
}

func (l *Learner) pathFor(parent uint64, childIndex int) uint64 {
	if childIndex == view.RootChildIndex {
		return 0
	}
	return childPath(parent, childIndex)
}

func (l *Learner) DeserializeLeafAt(_ context.Context, parent uint64, childIndex int, _ uint64, version int32, payload []byte) (uint64, error) {
	path := l.pathFor(parent, childIndex)
	r := Record{Hash: hashLeafPayload(payload), Version: version, Leaf: true, Payload: payload}
	l.newRecords[path] = r
	l.pipeline.push(r)
	return path, nil
}

func (l *Learner) DeserializeInternalAt(_ context.Context, parent uint64, childIndex int, _ uint64, version int32, _ int) (uint64, error) {
	path := l.pathFor(parent, childIndex)
	l.newRecords[path] = Record{Version: version, Leaf: false}
	return path, nil
}

func (l *Learner) IsRootOfState() bool { return l.rootOfState }

func (l *Learner) ExpectLessonFor(e view.ExpectedLesson[uint64]) {
	path := l.pathFor(e.Parent, e.ChildIndex)
	l.queue.push(path, e.NodeAlreadyPresent, e.OriginalPresent)
}

func (l *Learner) HasNextExpected() bool { return l.queue.hasNext() }

func (l *Learner) NextExpected() (view.ExpectedLesson[uint64], error) {
	path, alreadyPresent, originalExists, err := l.queue.pop()
	if err != nil {
		return view.ExpectedLesson[uint64]{}, err
	}
	parent, idx := parentAndIndex(path)
	if path == 0 {
		idx = view.RootChildIndex
	}
	return view.ExpectedLesson[uint64]{
		Parent:             parent,
		ChildIndex:         idx,
		Original:           path,
		OriginalPresent:    originalExists,
		NodeAlreadyPresent: alreadyPresent,
	}, nil
}

// MarkForInitialisation/InitialiseAll are no-ops: a virtual-map subtree
// has no per-node Initialise hook of its own. Its one finalisation step
// is the rebuild pipeline's finish, driven by Close (see Root/Close in
// factory.go), not by the generic children-before-parents walk.
func (l *Learner) MarkForInitialisation(uint64) {}

func (l *Learner) InitialiseAll() error { return nil }

func (l *Learner) ConvertMerkleRootToViewType(merkleRoot interface{}) uint64 {
	if merkleRoot == nil {
		return 0
	}
	return merkleRoot.(uint64)
}

// CustomLearnerRootFor is never called on a virtual-map Learner: a
// virtual-map subtree contains no nested custom views of its own.
func (l *Learner) CustomLearnerRootFor(classID uint64, version int32, original uint64, originalPresent bool) (view.CustomLearnerRoot, error) {
	return nil, fmt.Errorf("%w: virtual-map subtrees contain no nested custom views", rcerrs.Protocol)
}

func (l *Learner) AdoptCustomResult(view.CustomLearnerResult) uint64 { return 0 }

// SetLeafPathBounds implements view.LeafPathBoundsSink: the bounding
// internal lesson's first-leaf/last-leaf paths size the new subtree,
// the same way the teacher's Teacher.firstLeafPath/lastLeafPath sized
// the old one.
func (l *Learner) SetLeafPathBounds(_ uint64, first, last int64) {
	l.newFirstLeafPath = first
	l.newLastLeafPath = last
}
