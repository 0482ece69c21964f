package stream

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashmesh/reconnect/rcerrs"
)

// Encoder writes one message of type T to w. Implementations typically
// wrap wire.WriteFrame.
type Encoder[T any] func(w io.Writer, msg T) error

// Closer is the subset of the underlying byte stream an Output needs to
// tear down on a fatal error: closing it is the only way to unblock a
// peer stuck in a blocking read.
type Closer interface {
	Close() error
}

// Output is the "output instance": send(msg)/close(), a
// bounded FIFO, and a background task applying the flush policy (flush on
// drain-to-empty or every FlushInterval, whichever comes first).
type Output[T any] struct {
	cfg    Config
	log    log.Logger
	encode Encoder[T]
	bw     *bufio.Writer
	closer Closer

	queue     chan T
	stopCh    chan struct{}
	stopOnce  sync.Once
	abortCh   chan struct{}
	abortOnce sync.Once
	flushReq  chan chan error
	wg        sync.WaitGroup

	mu      sync.Mutex
	sendErr error
}

// NewOutput constructs an Output writing framed messages onto w via
// encode, and starts its background flush task. closer is closed on any
// fatal send/flush error or on Close.
func NewOutput[T any](w io.Writer, closer Closer, encode Encoder[T], cfg Config, logger log.Logger) *Output[T] {
	if logger == nil {
		logger = log.Root()
	}
	o := &Output[T]{
		cfg:      cfg,
		log:      logger,
		encode:   encode,
		bw:       bufio.NewWriter(w),
		closer:   closer,
		queue:    make(chan T, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		abortCh:  make(chan struct{}),
		flushReq: make(chan chan error),
	}
	o.wg.Add(1)
	go o.run()
	return o
}

// Send enqueues msg, blocking at most cfg.Timeout (T_send). A timeout
// closes the underlying stream and returns a Timeout error; messages
// cannot be sent after Close or after a prior send has failed.
func (o *Output[T]) Send(msg T) error {
	select {
	case <-o.stopCh:
		return fmt.Errorf("%w: output stream closed", rcerrs.Io)
	default:
	}
	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()
	select {
	case o.queue <- msg:
		return nil
	case <-o.stopCh:
		return fmt.Errorf("%w: output stream closed", rcerrs.Io)
	case <-timer.C:
		err := fmt.Errorf("%w: send timed out after %s", rcerrs.Timeout, o.cfg.Timeout)
		o.fail(err)
		return err
	}
}

// Capacity returns the configured FIFO buffer size, useful for sizing
// companion in-process channels at the same back-pressure point.
func (o *Output[T]) Capacity() int { return cap(o.queue) }

// Close requests shutdown, guarantees every already-enqueued message is
// drained, serialised, and flushed (or a write error aborts the stream),
// and waits for the background task to exit.
func (o *Output[T]) Close() error {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendErr
}

// Flush blocks until every message enqueued so far has actually been
// encoded and flushed onto the wire (or a send has failed), and returns
// the outcome. Send returning nil only means a message was accepted
// onto the internal queue, not that it reached the peer: the background
// task may still be batching it toward the next flush-interval tick, so
// a caller that needs to know the true outcome of everything it has
// sent before declaring itself done calls Flush. Safe to call on a
// stream a nested custom-subtree run shares with its parent — it only
// forces the pump to catch up, it never stops or closes anything.
func (o *Output[T]) Flush() error {
	reply := make(chan error, 1)
	select {
	case o.flushReq <- reply:
	case <-o.stopCh:
		return o.lastErr()
	}
	select {
	case err := <-reply:
		return err
	case <-o.stopCh:
		return o.lastErr()
	}
}

func (o *Output[T]) lastErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendErr
}

// Abort stops the background task immediately, skipping the drain and
// flush Close performs, and closes the underlying connection to unblock
// any write already in flight. Use this over Close for cleanup after the
// peer may have stopped reading, e.g. following a failure elsewhere in
// the same reconnect run.
func (o *Output[T]) Abort() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.abortOnce.Do(func() { close(o.abortCh) })
	if o.closer != nil {
		o.closer.Close()
	}
	o.wg.Wait()
}

func (o *Output[T]) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(maxDuration(o.cfg.FlushInterval, time.Millisecond))
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case msg := <-o.queue:
			if !o.handle(msg) {
				return
			}
			if len(o.queue) == 0 || time.Since(lastFlush) >= o.cfg.FlushInterval {
				if !o.tryFlush() {
					return
				}
				lastFlush = time.Now()
			}
		case <-ticker.C:
			if time.Since(lastFlush) >= o.cfg.FlushInterval {
				if !o.tryFlush() {
					return
				}
				lastFlush = time.Now()
			}
		case reply := <-o.flushReq:
			ok := o.drainAndFlushNow()
			if !ok {
				reply <- o.lastErr()
				return
			}
			reply <- nil
		case <-o.abortCh:
			return
		case <-o.stopCh:
			o.drainAndExit()
			return
		}
	}
}

// drainAndFlushNow processes every message currently sitting in the
// queue and performs one synchronous flush, the same work Close's
// drainAndExit does, but without stopping the background task: the
// caller (Flush) wants an up-to-date error, not a shutdown.
func (o *Output[T]) drainAndFlushNow() bool {
	for {
		select {
		case msg := <-o.queue:
			if !o.handle(msg) {
				return false
			}
		default:
			return o.tryFlush()
		}
	}
}

// drainAndExit flushes every message already sitting in the queue at the
// moment shutdown was requested, then returns.
func (o *Output[T]) drainAndExit() {
	for {
		select {
		case msg := <-o.queue:
			if !o.handle(msg) {
				return
			}
		default:
			o.tryFlush()
			return
		}
	}
}

func (o *Output[T]) handle(msg T) bool {
	if err := o.encode(o.bw, msg); err != nil {
		o.fail(fmt.Errorf("%w: encode message: %v", rcerrs.Io, err))
		return false
	}
	return true
}

func (o *Output[T]) tryFlush() bool {
	if err := o.bw.Flush(); err != nil {
		o.fail(fmt.Errorf("%w: flush: %v", rcerrs.Io, err))
		return false
	}
	return true
}

func (o *Output[T]) fail(err error) {
	o.mu.Lock()
	if o.sendErr == nil {
		o.sendErr = err
	}
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stopCh) })
	if o.closer != nil {
		if cerr := o.closer.Close(); cerr != nil {
			o.log.Debug("output stream: close after failure", "err", cerr)
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
