// Package teacher implements the teacher side of reconnect: three
// concurrent tasks sharing a work group (query-sender, response-receiver,
// lesson-sender) that walk the source tree breadth-first, query every
// reachable node's hash, and reply with minimal lessons.
package teacher

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/view"
	"github.com/hashmesh/reconnect/wire"
	"github.com/hashmesh/reconnect/workgroup"
)

var (
	queriesSentMeter      = metrics.NewRegisteredMeter("reconnect/teacher/queries_sent", nil)
	leavesSentMeter       = metrics.NewRegisteredMeter("reconnect/teacher/lessons_sent/leaf", nil)
	internalsSentMeter    = metrics.NewRegisteredMeter("reconnect/teacher/lessons_sent/internal", nil)
	emptyLessonsSentMeter = metrics.NewRegisteredMeter("reconnect/teacher/lessons_sent/empty", nil)
)

// Run drives the teacher side of reconnect for the subtree v is rooted
// at, over the already-constructed streams s, until the whole subtree
// (and any nested custom subtrees) has been sent. It blocks until
// completion or the first fatal error.
func Run[N any](ctx context.Context, v view.TeacherTreeView[N], s *wire.TeacherStreams, isRootOfState bool, logger log.Logger) error {
	if logger == nil {
		logger = log.Root()
	}
	if err := v.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("%w: %v", rcerrs.ViewReadyFailed, err)
	}

	sessionID := wire.SessionFromContext(ctx)

	st := newState[N]()
	st.push(v.Root())

	abort := func(cause error) {
		logger.Debug("teacher: aborting", "err", cause)
		st.stop()
	}
	grp, gctx := workgroup.New(ctx, abort)

	sentCh := make(chan N, s.Queries.Capacity())
	decidedCh := make(chan decision[N], s.Queries.Capacity())

	if err := grp.Go(func() error { return runQuerySender(gctx, v, s, st, sentCh, sessionID) }); err != nil {
		return err
	}
	if err := grp.Go(func() error { return runResponseReceiver(gctx, s, sentCh, decidedCh, sessionID) }); err != nil {
		return err
	}
	if err := grp.Go(func() error {
		return runLessonSender(gctx, v, s, st, decidedCh, isRootOfState, logger, sessionID)
	}); err != nil {
		return err
	}

	if err := grp.AwaitTermination(); err != nil {
		return err
	}

	// The BFS loop only waits for each lesson/query to be accepted onto
	// its Output's queue, not for the background pump to actually have
	// put it on the wire. Flush surfaces a write failure on the tail of
	// the run that would otherwise go unnoticed until some later,
	// unrelated caller happens to Close the stream.
	if err := s.Queries.Flush(); err != nil {
		return err
	}
	return s.Lessons.Flush()
}

// decision pairs a node that was queried with the learner's answer.
type decision[N any] struct {
	node        N
	alreadyHave bool
}

// state is the BFS worklist shared by the query-sender and lesson-sender
// tasks: a node is "outstanding" from the moment it is pushed until its
// lesson has been sent, which is how Run knows when every reachable node
// has been fully round-tripped.
type state[N any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	pending     []N
	outstanding int
	stopped     bool
}

func newState[N any]() *state[N] {
	s := &state[N]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *state[N]) push(n N) {
	s.mu.Lock()
	s.pending = append(s.pending, n)
	s.outstanding++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// pop blocks until a node is available or the BFS has genuinely finished
// (no pending nodes and nothing outstanding), in which case ok is false.
func (s *state[N]) pop() (n N, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && s.outstanding > 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped || (len(s.pending) == 0 && s.outstanding == 0) {
		return n, false
	}
	n = s.pending[0]
	s.pending = s.pending[1:]
	return n, true
}

func (s *state[N]) complete() {
	s.mu.Lock()
	s.outstanding--
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *state[N]) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// runQuerySender walks the tree breadth-first, sending the hash of
// each visited node.
func runQuerySender[N any](ctx context.Context, v view.TeacherTreeView[N], s *wire.TeacherStreams, st *state[N], sentCh chan<- N, sessionID uint64) error {
	defer close(sentCh)
	for {
		select {
		case <-ctx.Done():
			st.stop()
			return ctx.Err()
		default:
		}
		n, ok := st.pop()
		if !ok {
			return nil
		}
		if err := s.Queries.Send(wire.Query{Session: sessionID, Hash: v.HashOf(n)}); err != nil {
			st.stop()
			return err
		}
		queriesSentMeter.Mark(1)
		select {
		case sentCh <- n:
		case <-ctx.Done():
			st.stop()
			return ctx.Err()
		}
	}
}

// runResponseReceiver reads booleans from the
// learner, one per query sent, strictly in order.
func runResponseReceiver[N any](ctx context.Context, s *wire.TeacherStreams, sentCh <-chan N, decidedCh chan<- decision[N], sessionID uint64) error {
	defer close(decidedCh)
	for n := range sentCh {
		s.Responses.AnticipateFor(sessionID)
		resp, err := s.Responses.ReadAnticipatedFor(sessionID)
		if err != nil {
			return err
		}
		select {
		case decidedCh <- decision[N]{node: n, alreadyHave: resp.AlreadyHave}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runLessonSender is the lesson-sending task: for each query, decides and
// transmits either an empty lesson or the node's content, descending
// into custom subtrees where declared.
func runLessonSender[N any](ctx context.Context, v view.TeacherTreeView[N], s *wire.TeacherStreams, st *state[N], decidedCh <-chan decision[N], isRootOfState bool, logger log.Logger, sessionID uint64) error {
	for d := range decidedCh {
		if err := sendLessonFor(ctx, v, s, st, d, isRootOfState, logger, sessionID); err != nil {
			st.stop()
			return err
		}
		st.complete()
	}
	return nil
}

func sendLessonFor[N any](ctx context.Context, v view.TeacherTreeView[N], s *wire.TeacherStreams, st *state[N], d decision[N], isRootOfState bool, logger log.Logger, sessionID uint64) error {
	if d.alreadyHave {
		// Never traversed further: the learner reuses what it already has.
		emptyLessonsSentMeter.Mark(1)
		return s.Lessons.Send(wire.Lesson{Session: sessionID, Kind: wire.LessonEmptyKind})
	}

	if v.IsLeaf(d.node) {
		payload, err := v.SerializeLeaf(d.node)
		if err != nil {
			return err
		}
		leavesSentMeter.Mark(1)
		return s.Lessons.Send(wire.Lesson{
			Session: sessionID,
			Kind:    wire.LessonLeafKind,
			ClassID: v.ClassID(d.node),
			Version: uint32(v.Version(d.node)),
			Payload: payload,
		})
	}

	if v.HasCustomView(d.node) {
		root, ok := v.CustomTeacherRootFor(d.node)
		if !ok {
			return fmt.Errorf("%w: node declares custom view but has no CustomTeacherRoot", rcerrs.Protocol)
		}
		childSessionID := wire.NewChildSession()
		if err := s.Lessons.Send(wire.Lesson{
			Session:      sessionID,
			Kind:         wire.LessonCustomSubtreeKind,
			ClassID:      v.ClassID(d.node),
			Version:      uint32(v.Version(d.node)),
			ChildSession: childSessionID,
		}); err != nil {
			return err
		}
		ctx2 := wire.ContextWithSession(ctx, childSessionID)
		session, err := root.BuildTeacherView(ctx2)
		if err != nil {
			return fmt.Errorf("%w: %v", rcerrs.ViewReadyFailed, err)
		}
		defer session.Release()
		defer s.Responses.ForgetSession(childSessionID)
		if err := session.Run(ctx2, s); err != nil {
			return err
		}
		return nil
	}

	classID, version, childHashes, err := v.SerializeInternal(d.node)
	if err != nil {
		return err
	}
	lesson := wire.Lesson{
		Session:       sessionID,
		Kind:          wire.LessonInternalKind,
		ClassID:       classID,
		Version:       uint32(version),
		ChildHashes:   childHashes,
		IsRootOfState: isRootOfState && isRoot(v, d.node),
	}
	if bounds, ok := v.(view.LeafPathBoundsSource[N]); ok {
		if first, last, has := bounds.LeafPathBounds(d.node); has {
			lesson.HasLeafPathBounds = true
			lesson.FirstLeafPath = uint64(first)
			lesson.LastLeafPath = uint64(last)
		}
	}
	internalsSentMeter.Mark(1)
	if err := s.Lessons.Send(lesson); err != nil {
		return err
	}
	for i := range childHashes {
		if child, present := v.GetChild(d.node, i); present {
			st.push(child)
		}
	}
	return nil
}

func isRoot[N any](v view.TeacherTreeView[N], n N) bool {
	return any(v.Root()) == any(n)
}
