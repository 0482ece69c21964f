// Package workgroup implements a cohort of cooperating tasks sharing one
// abort callback and one termination point. It is built directly on
// golang.org/x/sync/errgroup, whose first-error-cancels-context
// semantics already give every task a shared cancellation signal;
// workgroup adds the "invoke an abort callback on first failure" and
// "reject tasks added after abort" rules errgroup itself doesn't make.
package workgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hashmesh/reconnect/rcerrs"
)

// AbortFunc is invoked exactly once, on the first task failure, after
// that failure is recorded and before it is surfaced to AwaitTermination. Typical
// implementations close the shared connection and abort both stream
// pumps.
type AbortFunc func(cause error)

// Group is a StandardWorkGroup: the first unhandled failure is recorded
// and triggers AbortFunc exactly once, and tasks submitted after abort
// are rejected. Each task starts running as soon as Go submits it; there
// is no start barrier, so an earlier task may complete before a later
// one has been submitted.
type Group struct {
	eg     *errgroup.Group
	abort  AbortFunc
	ctx    context.Context

	mu      sync.Mutex
	aborted bool
	first   error
}

// New creates a Group whose abort callback is called on the first task
// error. The returned context is cancelled the moment any task fails;
// tasks that poll ctx.Done() observe the abort promptly even if they are
// not themselves the failing task.
func New(ctx context.Context, abort AbortFunc) (*Group, context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	g := &Group{eg: eg, abort: abort, ctx: egCtx}
	return g, egCtx
}

// Go submits fn to run as a member task. Returns an error without running
// fn if the group has already aborted: tasks added after abort are
// rejected.
func (g *Group) Go(fn func() error) error {
	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return fmt.Errorf("work group already aborted: %w", g.first)
	}
	g.mu.Unlock()

	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("work group task panicked: %v", r)
			}
			if err != nil {
				g.onFailure(err)
			}
		}()
		return fn()
	})
	return nil
}

func (g *Group) onFailure(err error) {
	g.mu.Lock()
	already := g.aborted
	if !already {
		g.aborted = true
		g.first = err
	}
	g.mu.Unlock()

	if !already && g.abort != nil {
		g.abort(err)
	}
}

// AwaitTermination blocks until every submitted task has ended and
// returns the first recorded failure, if any. A context cancellation or
// deadline is returned wrapped in rcerrs.Interrupted.
func (g *Group) AwaitTermination() error {
	err := g.eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", rcerrs.Interrupted, err)
	}
	return err
}
