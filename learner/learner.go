// Package learner implements the learner side of reconnect: a
// response-sender and a lesson-applier synchronised through two in-process
// FIFOs: a pending-position queue seeded from the learner's old tree and
// grown by the lesson-applier as internal lessons arrive, and the
// expected-lesson queue (view.LearnerTreeView) grown by the
// response-sender and drained by the lesson-applier. Queries, responses
// and lessons travel on three independent async streams; the
// two in-process queues are what keep them correlated without relying on
// any particular interleaving between those streams on the wire.
package learner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/view"
	"github.com/hashmesh/reconnect/wire"
	"github.com/hashmesh/reconnect/workgroup"
)

var (
	leavesAppliedMeter    = metrics.NewRegisteredMeter("reconnect/learner/lessons_applied/leaf", nil)
	internalsAppliedMeter = metrics.NewRegisteredMeter("reconnect/learner/lessons_applied/internal", nil)
	emptyAppliedMeter     = metrics.NewRegisteredMeter("reconnect/learner/lessons_applied/empty", nil)
	customAppliedMeter    = metrics.NewRegisteredMeter("reconnect/learner/lessons_applied/custom_subtree", nil)
)

// rootIndex is the sentinel ChildIndex of the position entry (and the
// resulting ExpectedLesson) that represents the subtree's root itself,
// which has no parent to SetChild into.
const rootIndex = view.RootChildIndex

// positionEntry is the pending-position queue's element: the next
// incoming query is known, by construction, to be asking about exactly
// this position in the learner's old tree.
type positionEntry[N any] struct {
	ChildIndex      int
	ParentNew       N
	Original        N
	OriginalPresent bool
}

// posQueue is a blocking FIFO of positionEntry values, counting
// outstanding work the way teacher.state does: an entry is outstanding
// from the moment it is pushed until the lesson-applier finishes applying
// its corresponding lesson (which may itself push further entries for a
// freshly reconstructed internal's children).
type posQueue[N any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	pending     []positionEntry[N]
	outstanding int
	stopped     bool
}

func newPosQueue[N any]() *posQueue[N] {
	q := &posQueue[N]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *posQueue[N]) push(e positionEntry[N]) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.outstanding++
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *posQueue[N]) pop() (positionEntry[N], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && q.outstanding > 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped || (len(q.pending) == 0 && q.outstanding == 0) {
		return positionEntry[N]{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	return e, true
}

func (q *posQueue[N]) complete() {
	q.mu.Lock()
	q.outstanding--
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *posQueue[N]) outstandingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

func (q *posQueue[N]) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Run drives the learner side of reconnect for the subtree v is rooted
// at, over the already-constructed streams s, and returns the fresh
// subtree root that should atomically replace the original.
// haveOriginal reports whether the learner has a pre-existing node at
// this position at all (false for, e.g., a brand-new virtual-map range).
func Run[N any](ctx context.Context, v view.LearnerTreeView[N], s *wire.LearnerStreams, haveOriginal bool, logger log.Logger) (N, error) {
	var zero N
	if logger == nil {
		logger = log.Root()
	}

	sessionID := wire.SessionFromContext(ctx)

	pq := newPosQueue[N]()
	pq.push(positionEntry[N]{ChildIndex: rootIndex, Original: v.Root(), OriginalPresent: haveOriginal})

	abort := func(cause error) {
		pq.stop()
		logger.Debug("learner: aborting", "err", cause)
	}
	grp, gctx := workgroup.New(ctx, abort)

	var rootQueryHash common.Hash
	var newRoot N

	if err := grp.Go(func() error { return runQueryResponder(gctx, v, s, pq, &rootQueryHash, sessionID) }); err != nil {
		return zero, err
	}
	if err := grp.Go(func() error { return runLessonApplier(gctx, v, s, pq, &newRoot, sessionID) }); err != nil {
		return zero, err
	}

	if err := grp.AwaitTermination(); err != nil {
		return zero, err
	}

	// Send returning nil only means a response was accepted onto the
	// queue, not that it reached the teacher; Flush surfaces a write
	// failure on the tail of the run the same way teacher.Run does for
	// its own Output streams.
	if err := s.Responses.Flush(); err != nil {
		return zero, err
	}

	if err := v.InitialiseAll(); err != nil {
		return zero, err
	}

	if v.IsRootOfState() {
		if got := v.HashOf(newRoot); got != rootQueryHash {
			return zero, fmt.Errorf("%w: reconstructed root hash %s does not match teacher's root hash %s",
				rcerrs.Invariant, got, rootQueryHash)
		}
	}

	// GetChild/HashOf have no error return of their own and treat a
	// genuine storage failure as "child absent"/NullHash; a view that
	// tracks such a failure reports it here so it isn't mistaken for
	// data that is simply missing.
	if es, ok := v.(view.ErrorSource); ok {
		if err := es.Err(); err != nil {
			return zero, err
		}
	}

	return newRoot, nil
}

// runQueryResponder combines the response-sender and query-reader into
// one task: for
// every pending position, read exactly the one query it corresponds to,
// compare against the learner's old tree, reply, and append an
// ExpectedLesson so the lesson-applier can later correlate the matching
// lesson back to this position.
func runQueryResponder[N any](ctx context.Context, v view.LearnerTreeView[N], s *wire.LearnerStreams, pq *posQueue[N], rootQueryHash *common.Hash, sessionID uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pos, ok := pq.pop()
		if !ok {
			return nil
		}

		s.Queries.AnticipateFor(sessionID)
		q, err := s.Queries.ReadAnticipatedFor(sessionID)
		if err != nil {
			return err
		}
		if pos.ChildIndex == rootIndex {
			*rootQueryHash = q.Hash
		}

		alreadyHave := pos.OriginalPresent && v.HashOf(pos.Original) == q.Hash
		if err := s.Responses.Send(wire.Response{Session: sessionID, AlreadyHave: alreadyHave}); err != nil {
			return err
		}
		v.ExpectLessonFor(view.ExpectedLesson[N]{
			Parent:             pos.ParentNew,
			ChildIndex:         pos.ChildIndex,
			Original:           pos.Original,
			OriginalPresent:    pos.OriginalPresent,
			NodeAlreadyPresent: alreadyHave,
		})
	}
}

// runLessonApplier is the lesson-applier task: pop the next expected-lesson
// record, apply the matching lesson, and install the result.
func runLessonApplier[N any](ctx context.Context, v view.LearnerTreeView[N], s *wire.LearnerStreams, pq *posQueue[N], newRoot *N, sessionID uint64) error {
	for {
		for !v.HasNextExpected() {
			if pq.outstandingCount() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}

		s.Lessons.AnticipateFor(sessionID)
		lesson, err := s.Lessons.ReadAnticipatedFor(sessionID)
		if err != nil {
			return err
		}
		exp, err := v.NextExpected()
		if err != nil {
			return err
		}

		node, err := applyLesson(ctx, v, s, pq, lesson, exp)
		if err != nil {
			return err
		}

		if exp.ChildIndex == rootIndex {
			*newRoot = node
		} else {
			v.SetChild(exp.Parent, exp.ChildIndex, node, true)
		}
		pq.complete()
	}
}

func applyLesson[N any](ctx context.Context, v view.LearnerTreeView[N], s *wire.LearnerStreams, pq *posQueue[N], lesson wire.Lesson, exp view.ExpectedLesson[N]) (N, error) {
	var zero N
	switch lesson.Kind {
	case wire.LessonEmptyKind:
		if !exp.NodeAlreadyPresent {
			return zero, fmt.Errorf("%w: empty lesson answers a query that was not already-have", rcerrs.Invariant)
		}
		emptyAppliedMeter.Mark(1)
		return exp.Original, nil

	case wire.LessonLeafKind:
		if exp.NodeAlreadyPresent {
			return zero, fmt.Errorf("%w: non-empty lesson answers an already-have query", rcerrs.Invariant)
		}
		leavesAppliedMeter.Mark(1)
		if pd, ok := any(v).(view.PositionalDeserializer[N]); ok {
			return pd.DeserializeLeafAt(ctx, exp.Parent, exp.ChildIndex, lesson.ClassID, int32(lesson.Version), lesson.Payload)
		}
		return v.DeserializeLeaf(lesson.ClassID, int32(lesson.Version), lesson.Payload)

	case wire.LessonInternalKind:
		if exp.NodeAlreadyPresent {
			return zero, fmt.Errorf("%w: non-empty lesson answers an already-have query", rcerrs.Invariant)
		}
		internalsAppliedMeter.Mark(1)
		var node N
		var err error
		if pd, ok := any(v).(view.PositionalDeserializer[N]); ok {
			node, err = pd.DeserializeInternalAt(ctx, exp.Parent, exp.ChildIndex, lesson.ClassID, int32(lesson.Version), len(lesson.ChildHashes))
		} else {
			node, err = v.DeserializeInternal(lesson.ClassID, int32(lesson.Version), len(lesson.ChildHashes))
		}
		if err != nil {
			return zero, err
		}
		v.MarkForInitialisation(node)
		if lesson.HasLeafPathBounds {
			if sink, ok := v.(view.LeafPathBoundsSink[N]); ok {
				sink.SetLeafPathBounds(node, int64(lesson.FirstLeafPath), int64(lesson.LastLeafPath))
			}
		}
		for i, h := range lesson.ChildHashes {
			if h.IsNull() {
				v.SetChild(node, i, zero, false)
				continue
			}
			var originalChild N
			var originalPresent bool
			if exp.OriginalPresent {
				originalChild, originalPresent = v.GetChild(exp.Original, i)
			}
			pq.push(positionEntry[N]{
				ChildIndex:      i,
				ParentNew:       node,
				Original:        originalChild,
				OriginalPresent: originalPresent,
			})
		}
		return node, nil

	case wire.LessonCustomSubtreeKind:
		if exp.NodeAlreadyPresent {
			return zero, fmt.Errorf("%w: non-empty lesson answers an already-have query", rcerrs.Invariant)
		}
		customAppliedMeter.Mark(1)
		root, err := v.CustomLearnerRootFor(lesson.ClassID, int32(lesson.Version), exp.Original, exp.OriginalPresent)
		if err != nil {
			return zero, err
		}
		ctx2 := wire.ContextWithSession(ctx, lesson.ChildSession)
		result, err := root.Run(ctx2, s)
		s.Queries.ForgetSession(lesson.ChildSession)
		s.Lessons.ForgetSession(lesson.ChildSession)
		if err != nil {
			return zero, err
		}
		if err := result.Close(); err != nil {
			return zero, fmt.Errorf("%w: closing custom subtree result: %v", rcerrs.Io, err)
		}
		return v.AdoptCustomResult(result), nil

	default:
		return zero, fmt.Errorf("%w: unknown lesson kind %v", rcerrs.Protocol, lesson.Kind)
	}
}
