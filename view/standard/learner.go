package standard

import (
	"fmt"
	"sync"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/merkle"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/view"
)

// Learner is the standard LearnerTreeView[merkle.Node]. Root() returns
// the learner's pre-existing ("old") tree, used only for read-side
// position comparisons; the fresh subtree under reconstruction is built
// separately via DeserializeLeaf/DeserializeInternal + SetChild and is
// owned exclusively by the learner algorithm until it replaces the
// original.
type Learner struct {
	oldRoot    merkle.Node
	registry   *merkle.ClassRegistry
	rootOfState bool

	mu     sync.Mutex
	queue  []view.ExpectedLesson[merkle.Node]
	marked map[merkle.Node]bool
}

// NewLearner wraps oldRoot (the learner's current subtree, possibly nil
// if the learner has nothing yet) for learner-side traversal. rootOfState
// is true only for the top-level reconnect, never for a nested
// custom-subtree handoff.
func NewLearner(oldRoot merkle.Node, registry *merkle.ClassRegistry, rootOfState bool) *Learner {
	return &Learner{
		oldRoot:     oldRoot,
		registry:    registry,
		rootOfState: rootOfState,
		marked:      make(map[merkle.Node]bool),
	}
}

func (l *Learner) Root() merkle.Node { return l.oldRoot }

func (l *Learner) GetChild(parent merkle.Node, i int) (merkle.Node, bool) {
	internal, ok := parent.(*merkle.Internal)
	if !ok {
		return nil, false
	}
	return internal.Child(i)
}

func (l *Learner) SetChild(parent merkle.Node, i int, child merkle.Node, present bool) {
	internal := parent.(*merkle.Internal)
	internal.SetChild(i, child, present)
}

func (l *Learner) HashOf(n merkle.Node) common.Hash {
	if n == nil {
		return common.NullHash
	}
	return n.Hash()
}

func (l *Learner) Release(merkle.Node) {}

func (l *Learner) SerializeLeaf(n merkle.Node) ([]byte, error) {
	leaf := n.(*merkle.Leaf)
	return leaf.Payload(), nil
}

func (l *Learner) SerializeInternal(n merkle.Node) (uint64, int32, []common.Hash, error) {
	internal := n.(*merkle.Internal)
	hashes := make([]common.Hash, internal.ChildCount())
	for i := range hashes {
		hashes[i] = internal.ChildHash(i)
	}
	return internal.ClassID(), internal.Version(), hashes, nil
}

func (l *Learner) DeserializeLeaf(classID uint64, version int32, payload []byte) (merkle.Node, error) {
	return l.registry.NewLeaf(classID, version, payload)
}

func (l *Learner) DeserializeInternal(classID uint64, version int32, childCount int) (merkle.Node, error) {
	return l.registry.NewInternal(classID, version, childCount)
}

func (l *Learner) IsRootOfState() bool { return l.rootOfState }

func (l *Learner) ExpectLessonFor(e view.ExpectedLesson[merkle.Node]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, e)
}

func (l *Learner) HasNextExpected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

func (l *Learner) NextExpected() (view.ExpectedLesson[merkle.Node], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return view.ExpectedLesson[merkle.Node]{}, fmt.Errorf("%w: expected-lesson queue is empty", rcerrs.Invariant)
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	return next, nil
}

func (l *Learner) MarkForInitialisation(n merkle.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marked[n] = true
}

// Initializer is optionally implemented by reconstructed nodes that need
// a post-build hook run once, children before parents.
type Initializer interface {
	Initialise() error
}

// InitialiseAll walks from each marked node in post-order (children before parents)
// and calls Initialise on every node marked via MarkForInitialisation,
// exactly once each.
func (l *Learner) InitialiseAll() error {
	l.mu.Lock()
	marked := l.marked
	l.marked = make(map[merkle.Node]bool)
	l.mu.Unlock()

	visited := make(map[merkle.Node]bool)

	var walk func(n merkle.Node) error
	walk = func(n merkle.Node) error {
		if n == nil {
			return nil
		}
		if internal, ok := n.(*merkle.Internal); ok {
			for i := 0; i < internal.ChildCount(); i++ {
				if child, present := internal.Child(i); present {
					if err := walk(child); err != nil {
						return err
					}
				}
			}
		}
		if marked[n] && !visited[n] {
			visited[n] = true
			if initer, ok := n.(Initializer); ok {
				if err := initer.Initialise(); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// The caller (learner algorithm) is expected to invoke InitialiseAll
	// with the rebuilt root reachable; we walk from every marked node's
	// reachable closure by walking the whole marked set defensively in
	// case of multiple disjoint custom-subtree roots.
	for n := range marked {
		if err := walk(n); err != nil {
			return err
		}
	}
	return nil
}

func (l *Learner) ConvertMerkleRootToViewType(merkleRoot interface{}) merkle.Node {
	if merkleRoot == nil {
		return nil
	}
	return merkleRoot.(merkle.Node)
}

func (l *Learner) CustomLearnerRootFor(classID uint64, version int32, original merkle.Node, originalPresent bool) (view.CustomLearnerRoot, error) {
	if originalPresent {
		if internal, ok := original.(*merkle.Internal); ok && internal.HasCustomView() {
			if root, ok := internal.CustomViewValue().(interface {
				SetupWithOriginalNode(merkle.Node) (view.CustomLearnerRoot, error)
			}); ok {
				return root.SetupWithOriginalNode(original)
			}
		}
	}
	ctor, err := l.registry.NewInternal(classID, version, 0)
	if err != nil {
		return nil, err
	}
	if ctor.HasCustomView() {
		if root, ok := ctor.CustomViewValue().(interface {
			SetupWithNoData() (view.CustomLearnerRoot, error)
		}); ok {
			return root.SetupWithNoData()
		}
	}
	return nil, fmt.Errorf("%w: class %d declares no custom view factory", rcerrs.Protocol, classID)
}

func (l *Learner) AdoptCustomResult(result view.CustomLearnerResult) merkle.Node {
	if adapter, ok := result.(interface{ Root() merkle.Node }); ok {
		return adapter.Root()
	}
	return nil
}
