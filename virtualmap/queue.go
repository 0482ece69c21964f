package virtualmap

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/hashmesh/reconnect/rcerrs"
)

// expectedQueue is the virtual-map view's own expected-lesson queue:
// three aligned FIFOs (node-already-present bits, original-exists bits,
// and child paths) instead of a slice of boxed ExpectedLesson structs,
// so queue memory stays two bits plus one uint64 per path instead of a
// full struct allocation per entry. A path's parent and child index are
// never stored: both are recoverable from the path itself via
// parentAndIndex, since the virtual-map handle already is the position.
type expectedQueue struct {
	mu             sync.Mutex
	alreadyPresent *bitset.BitSet
	originalExists *bitset.BitSet
	paths          []uint64
	head           int
}

func newExpectedQueue() *expectedQueue {
	return &expectedQueue{
		alreadyPresent: bitset.New(64),
		originalExists: bitset.New(64),
	}
}

func (q *expectedQueue) push(path uint64, alreadyPresent, originalExists bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := uint(len(q.paths))
	q.alreadyPresent.SetTo(idx, alreadyPresent)
	q.originalExists.SetTo(idx, originalExists)
	q.paths = append(q.paths, path)
}

func (q *expectedQueue) hasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head < len(q.paths)
}

func (q *expectedQueue) pop() (path uint64, alreadyPresent, originalExists bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.paths) {
		return 0, false, false, fmt.Errorf("%w: virtual-map expected-lesson queue is empty", rcerrs.Invariant)
	}
	idx := uint(q.head)
	path = q.paths[q.head]
	alreadyPresent = q.alreadyPresent.Test(idx)
	originalExists = q.originalExists.Test(idx)
	q.head++
	return path, alreadyPresent, originalExists, nil
}
