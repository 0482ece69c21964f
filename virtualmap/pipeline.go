package virtualmap

import "sync"

// rebuildPipeline models the streamed rebuild of a virtual-map subtree's
// leaves: each deserialised leaf is handed off to a background flush
// task immediately, so ingest keeps moving while the flush task catches
// up writing to (or, here, simulating writes to) the new map's backing
// store. A bounded channel gives the ingest side the "may block if
// hashing lags ingest" back-pressure the spec calls for. The record a
// leaf contributes to hash-of(path) is installed synchronously by the
// caller before the push, so HashOf is never racing the flush task;
// the pipeline only owns when the record is considered durably written.
type rebuildPipeline struct {
	ch    chan Record
	errCh chan error
	wg    sync.WaitGroup
}

// newRebuildPipeline starts the background flush task, calling sink for
// every leaf record pushed, in push order, until finish is called.
func newRebuildPipeline(buffer int, sink func(Record) error) *rebuildPipeline {
	if buffer <= 0 {
		buffer = 1
	}
	p := &rebuildPipeline{
		ch:    make(chan Record, buffer),
		errCh: make(chan error, 1),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for r := range p.ch {
			if err := sink(r); err != nil {
				select {
				case p.errCh <- err:
				default:
				}
			}
		}
	}()
	return p
}

// push hands r to the flush task, blocking if its buffer is full.
func (p *rebuildPipeline) push(r Record) {
	p.ch <- r
}

// finish closes the ingest side, waits for the flush task to drain, and
// returns the first flush error encountered, if any. This is the
// "close() ends the reconnect, finalises hashing" step of §4.6.
func (p *rebuildPipeline) finish() error {
	close(p.ch)
	p.wg.Wait()
	select {
	case err := <-p.errCh:
		return err
	default:
		return nil
	}
}
