package wire

import (
	"bytes"
	"testing"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripQuery(t *testing.T) {
	var buf bytes.Buffer
	want := Query{Hash: common.NewHash(common.SHA3_256Digest, []byte("abc"))}
	require.NoError(t, WriteFrame(&buf, want))

	var got Query
	require.NoError(t, ReadFrame(&buf, &got))
	require.Equal(t, want, got)
}

func TestFrameRoundTripLessonInternal(t *testing.T) {
	var buf bytes.Buffer
	want := Lesson{
		Kind:              LessonInternalKind,
		ClassID:           42,
		Version:           1,
		ChildHashes:       []common.Hash{common.NullHash, common.NewHash(common.SHA3_256Digest, []byte("x"))},
		IsRootOfState:     true,
		HasLeafPathBounds: true,
		FirstLeafPath:     5,
		LastLeafPath:      11,
		Payload:           []byte{},
	}
	require.NoError(t, WriteFrame(&buf, want))

	var got Lesson
	require.NoError(t, ReadFrame(&buf, &got))
	require.Equal(t, want, got)
	require.EqualValues(t, 2, got.ChildCount())
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	var got Query
	err := ReadFrame(&buf, &got)
	require.Error(t, err)
}

func TestReadFrameTruncatedBodyIsIoError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Response{AlreadyHave: true}))
	full := buf.Bytes()
	var truncated bytes.Buffer
	truncated.Write(full[:len(full)-1])

	var got Response
	err := ReadFrame(&truncated, &got)
	require.Error(t, err)
	require.ErrorIs(t, err, rcerrs.Io)
}
