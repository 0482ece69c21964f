package stream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashmesh/reconnect/rcerrs"
)

// Decoder reads one message of type T from r. Implementations typically
// wrap wire.ReadFrame.
type Decoder[T any] func(r io.Reader) (T, error)

// Releasable is implemented by message types that hold a resource (e.g. a
// borrowed node handle) which must be released if the message is
// discarded unread on abort.
type Releasable interface {
	Release()
}

// SessionTagged is implemented by message types that carry a session
// identifier, letting one Input demultiplex concurrently active nested
// reconnect sessions sharing the same underlying connection (a custom
// subtree's own teacher/learner sub-protocol recurses over the very same
// stream instances as its parent). A message type that does not
// implement this is always treated as belonging to session 0.
type SessionTagged interface {
	SessionID() uint64
}

func sessionOf[T any](msg T) uint64 {
	if st, ok := any(msg).(SessionTagged); ok {
		return st.SessionID()
	}
	return 0
}

// Input is the "input instance": anticipate()/
// read-anticipated()/abort(), backed by a background task that only ever
// deserialises a message once some session has signalled it expects one.
// This mirrors the anticipation contract literally: the core never reads
// speculatively ahead of what the algorithm has actually asked for. Once
// decoded, a message is routed into its own session's queue by
// SessionID, so a nested session's traffic can never be handed to the
// wrong caller's ReadAnticipatedFor.
type Input[T any] struct {
	cfg    Config
	log    log.Logger
	decode Decoder[T]
	r      io.Reader
	closer Closer

	expected int64 // atomic, total outstanding across every session

	sessionsMu sync.Mutex
	sessions   map[uint64]chan T

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	released int64 // atomic

	mu      sync.Mutex
	readErr error
}

// NewInput constructs an Input reading framed messages off r via decode,
// and starts its background pump task.
func NewInput[T any](r io.Reader, closer Closer, decode Decoder[T], cfg Config, logger log.Logger) *Input[T] {
	if logger == nil {
		logger = log.Root()
	}
	in := &Input[T]{
		cfg:      cfg,
		log:      logger,
		decode:   decode,
		r:        r,
		closer:   closer,
		sessions: make(map[uint64]chan T),
		stopCh:   make(chan struct{}),
	}
	in.wg.Add(1)
	go in.run()
	return in
}

// Anticipate records that the caller expects one more message to arrive
// for the top-level session (session 0). The background task only
// attempts a deserialisation while the anticipated count is positive.
func (in *Input[T]) Anticipate() { in.AnticipateFor(0) }

// AnticipateFor is Anticipate for a specific session, used by a nested
// custom-subtree run sharing this Input with its parent.
func (in *Input[T]) AnticipateFor(session uint64) {
	atomic.AddInt64(&in.expected, 1)
}

// ReadAnticipated is ReadAnticipatedFor the top-level session (session
// 0).
func (in *Input[T]) ReadAnticipated() (T, error) { return in.ReadAnticipatedFor(0) }

// ReadAnticipatedFor blocks up to cfg.Timeout (T_poll) for the next
// deserialised message addressed to session. Failing to obtain one in
// time is fatal: it closes the underlying stream (the only way to
// unblock a peer task stuck in a blocking read) and returns a Timeout
// error.
func (in *Input[T]) ReadAnticipatedFor(session uint64) (T, error) {
	var zero T
	q := in.sessionChan(session)
	timer := time.NewTimer(in.cfg.Timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-q:
		if !ok {
			return zero, in.errOrIo()
		}
		return msg, nil
	case <-in.stopCh:
		return zero, in.errOrIo()
	case <-timer.C:
		err := fmt.Errorf("%w: read-anticipated timed out after %s", rcerrs.Timeout, in.cfg.Timeout)
		in.fail(err)
		return zero, err
	}
}

func (in *Input[T]) errOrIo() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.readErr != nil {
		return in.readErr
	}
	return fmt.Errorf("%w: input stream closed", rcerrs.Io)
}

// sessionChan returns the (lazily created) queue dedicated to session.
func (in *Input[T]) sessionChan(session uint64) chan T {
	in.sessionsMu.Lock()
	defer in.sessionsMu.Unlock()
	ch, ok := in.sessions[session]
	if !ok {
		ch = make(chan T, in.cfg.BufferSize)
		in.sessions[session] = ch
	}
	return ch
}

// Abort closes the pump, joins the background task, and releases any
// queued-but-undelivered messages (across every session) that carry
// release semantics. Abort is a barrier: no ReadAnticipatedFor call
// started after Abort returns observes a message that predates the
// abort.
//
// Closing stopCh alone only unblocks the pump between reads: once it has
// entered decode(r) waiting on the next byte, stopCh isn't observed until
// that call returns. Abort also closes the underlying connection, the
// same "the only way to unblock a blocking read" fail() already relies
// on, so a decode stuck waiting on a peer that never sends returns
// promptly instead of leaving Abort (and its caller) hung forever.
func (in *Input[T]) Abort() {
	in.stopOnce.Do(func() { close(in.stopCh) })
	if in.closer != nil {
		if cerr := in.closer.Close(); cerr != nil {
			in.log.Debug("input stream: close on abort", "err", cerr)
		}
	}
	in.wg.Wait()
	in.sessionsMu.Lock()
	defer in.sessionsMu.Unlock()
	for _, ch := range in.sessions {
		drainInto(ch, in.release)
	}
}

// drainInto releases every message currently queued in ch without
// blocking.
func drainInto[T any](ch chan T, release func(T)) {
	for {
		select {
		case msg := <-ch:
			release(msg)
		default:
			return
		}
	}
}

// Released reports how many queued messages Abort released.
func (in *Input[T]) Released() int64 { return atomic.LoadInt64(&in.released) }

// ForgetSession drops the per-session queue a nested custom-subtree run
// allocated, releasing any message still sitting in it unread. Call this
// once the session's Run has returned so a long-lived Input serving many
// custom-subtree recursions over its lifetime doesn't keep accumulating
// one abandoned channel per finished session.
func (in *Input[T]) ForgetSession(session uint64) {
	in.sessionsMu.Lock()
	ch, ok := in.sessions[session]
	if ok {
		delete(in.sessions, session)
	}
	in.sessionsMu.Unlock()
	if ok {
		drainInto(ch, in.release)
	}
}

func (in *Input[T]) release(msg T) {
	if r, ok := any(msg).(Releasable); ok {
		r.Release()
		atomic.AddInt64(&in.released, 1)
	}
}

func (in *Input[T]) run() {
	defer in.wg.Done()
	for {
		select {
		case <-in.stopCh:
			return
		default:
		}

		if atomic.LoadInt64(&in.expected) <= 0 {
			select {
			case <-in.stopCh:
				return
			case <-time.After(time.Millisecond):
				continue
			}
		}

		msg, err := in.decode(in.r)
		if err != nil {
			in.fail(fmt.Errorf("%w: decode message: %v", rcerrs.Io, err))
			return
		}
		atomic.AddInt64(&in.expected, -1)

		q := in.sessionChan(sessionOf(msg))
		select {
		case q <- msg:
		case <-in.stopCh:
			in.release(msg)
			return
		}
	}
}

func (in *Input[T]) fail(err error) {
	in.mu.Lock()
	if in.readErr == nil {
		in.readErr = err
	}
	in.mu.Unlock()

	in.stopOnce.Do(func() { close(in.stopCh) })
	if in.closer != nil {
		if cerr := in.closer.Close(); cerr != nil {
			in.log.Debug("input stream: close after failure", "err", cerr)
		}
	}
}
