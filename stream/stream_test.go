package stream

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashmesh/reconnect/rcerrs"
)

func intEncoder(w io.Writer, v int) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func intDecoder(r io.Reader) (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(buf[:])), nil
}

func testConfig() Config {
	return Config{BufferSize: 4, Timeout: 200 * time.Millisecond, FlushInterval: time.Millisecond}
}

func TestOutputInputRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	out := NewOutput[int](client, client, intEncoder, testConfig(), nil)
	in := NewInput[int](server, server, intDecoder, testConfig(), nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, out.Send(i))
	}
	for i := 0; i < 3; i++ {
		in.Anticipate()
		got, err := in.ReadAnticipated()
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	require.NoError(t, out.Close())
	in.Abort()
}

func TestReadAnticipatedTimesOutAndClosesStream(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	in := NewInput[int](server, server, intDecoder, cfg, nil)

	in.Anticipate()
	_, err := in.ReadAnticipated()
	require.Error(t, err)
	require.ErrorIs(t, err, rcerrs.Timeout)
	// The timeout closed the server end, so the peer can no longer write.
	_, werr := client.Write([]byte{0})
	require.Error(t, werr)
	in.Abort()
}

func TestSendTimesOutWhenPeerNeverReads(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	cfg := testConfig()
	cfg.BufferSize = 0
	cfg.Timeout = 20 * time.Millisecond
	out := NewOutput[int](client, client, intEncoder, cfg, nil)
	defer out.Close()

	// The first send is accepted by the background pump, which then
	// blocks forever flushing into net.Pipe (nothing reads the server
	// side). With BufferSize 0 a second send has nowhere to land and
	// must time out.
	require.NoError(t, out.Send(1))
	err := out.Send(2)
	require.Error(t, err)
}

func TestAbortReleasesQueuedMessages(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	var released []int

	out := NewOutput[releasableInt](client, client, releasableIntEncoder, testConfig(), nil)
	decode := func(r io.Reader) (releasableInt, error) {
		v, err := intDecoder(r)
		if err != nil {
			return releasableInt{}, err
		}
		return releasableInt{v: v, onRelease: func(v int) { released = append(released, v) }}, nil
	}
	in := NewInput[releasableInt](server, server, decode, testConfig(), nil)

	require.NoError(t, out.Send(releasableInt{v: 7}))
	require.NoError(t, out.Send(releasableInt{v: 8}))
	in.Anticipate()
	in.Anticipate()
	// Give the background pump a moment to decode both messages before
	// aborting so they land in the queue rather than mid-flight.
	time.Sleep(20 * time.Millisecond)
	in.Abort()
	require.NoError(t, out.Close())

	require.EqualValues(t, 2, in.Released())
	require.ElementsMatch(t, []int{7, 8}, released)
}

type releasableInt struct {
	v         int
	onRelease func(int)
}

func (r releasableInt) Release() {
	if r.onRelease != nil {
		r.onRelease(r.v)
	}
}

func releasableIntEncoder(w io.Writer, v releasableInt) error { return intEncoder(w, v.v) }

func TestInputAbortDoesNotBlockOnPendingDecode(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	in := NewInput[int](server, server, intDecoder, testConfig(), nil)

	// Anticipate without ever sending: the pump enters a blocking decode
	// on server with no data in flight and no other event to wake it.
	in.Anticipate()

	done := make(chan struct{})
	go func() {
		in.Abort()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Abort blocked on a pending decode")
	}
}

func TestOutputAbortDoesNotBlockOnDeadPeer(t *testing.T) {
	client, server := net.Pipe()
	// server is left unread on purpose: Abort must not block trying to
	// flush into it the way Close would.
	defer server.Close()

	cfg := testConfig()
	cfg.BufferSize = 4
	out := NewOutput[int](client, client, intEncoder, cfg, nil)

	require.NoError(t, out.Send(1))

	done := make(chan struct{})
	go func() {
		out.Abort()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Abort blocked on an unread peer")
	}
}
