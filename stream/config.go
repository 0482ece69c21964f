// Package stream implements the async message stream layer:
// a single-type, duplex-friendly pump over one byte-stream direction, with
// a bounded in-memory FIFO and a background task per instance. It
// generalises go-ethereum's p2p message-pump idiom (one goroutine per
// connection direction, draining into/from a buffered channel) to the
// generic, single-message-type contract the reconnect core needs.
package stream

import "time"

// Config carries the recognised stream-layer options.
type Config struct {
	// BufferSize is the capacity of both input and output FIFOs
	// (async-stream-buffer-size).
	BufferSize int

	// Timeout is T_send (output enqueue) and T_poll (input read) combined
	// (async-stream-timeout-ms).
	Timeout time.Duration

	// FlushInterval is F_ms, the maximum time between an enqueue and a
	// wire flush (async-output-flush-ms).
	FlushInterval time.Duration
}

// DefaultConfig mirrors the zero-value-safe defaults go-ethereum's
// eth.Config/les.Config structs document for their own tunables: usable
// out of the box, overridable field-by-field.
var DefaultConfig = Config{
	BufferSize:    1024,
	Timeout:       30 * time.Second,
	FlushInterval: 10 * time.Millisecond,
}
