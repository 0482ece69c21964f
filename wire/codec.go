package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/hashmesh/reconnect/rcerrs"
)

// maxFrameLength guards against a corrupt or hostile length prefix
// causing an unbounded allocation; no single reconnect message legitimately
// approaches this size (leaf payloads stream node-by-node, not batched).
const maxFrameLength = 64 << 20

// WriteFrame serialises v with RLP and writes it as a single length-framed
// record: a 4-byte big-endian length followed by the RLP payload. This
// mirrors how go-ethereum's p2p layer frames an RLP-encoded Msg, adapted
// to the single-type streams (no Code byte is needed here;
// each AsyncOutputStream instance already carries exactly one Go type).
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", rcerrs.Protocol, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: write frame length: %v", rcerrs.Io, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: write frame body: %v", rcerrs.Io, err)
	}
	return nil
}

// ReadFrame blocks until one full length-framed record is available and
// decodes it into dst, which must be a pointer. A short read or truncated
// body surfaces as Io; a length prefix exceeding maxFrameLength or a body
// that fails RLP decoding surfaces as Protocol.
func ReadFrame(r io.Reader, dst interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("%w: read frame length: %v", rcerrs.Io, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLength {
		return fmt.Errorf("%w: frame length %d exceeds maximum", rcerrs.Protocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: read frame body: %v", rcerrs.Io, err)
	}
	if err := rlp.DecodeBytes(payload, dst); err != nil {
		return fmt.Errorf("%w: decode frame: %v", rcerrs.Protocol, err)
	}
	return nil
}

// EncodeFrame adapts WriteFrame to stream.Encoder[T], letting callers
// build a stream.Output[T] directly from one of the message types above.
func EncodeFrame[T any](w io.Writer, v T) error {
	return WriteFrame(w, v)
}

// DecodeFrame adapts ReadFrame to stream.Decoder[T].
func DecodeFrame[T any](r io.Reader) (T, error) {
	var v T
	err := ReadFrame(r, &v)
	return v, err
}
