package virtualmap_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/learner"
	"github.com/hashmesh/reconnect/merkle"
	"github.com/hashmesh/reconnect/stream"
	"github.com/hashmesh/reconnect/teacher"
	"github.com/hashmesh/reconnect/view/standard"
	"github.com/hashmesh/reconnect/virtualmap"
	"github.com/hashmesh/reconnect/wire"
)

const (
	leafClassID     = 11
	internalClassID = 12
)

// buildMap hashes a small complete binary tree of leafPayloads bottom
// up, the way the application (not reconnect) is assumed to maintain a
// virtual map's own persistent hashes, and returns a Datasource plus
// its leaf-path bounds.
func buildMap(t *testing.T, leafPayloads []string) (map[uint64]virtualmap.Record, int64, int64) {
	t.Helper()
	n := len(leafPayloads)
	require.True(t, n > 0 && (n&(n-1)) == 0, "test only covers full binary trees")

	firstLeaf := int64(n - 1)
	lastLeaf := int64(2*n - 2)

	records := make(map[uint64]virtualmap.Record)
	for i, payload := range leafPayloads {
		path := uint64(firstLeaf) + uint64(i)
		records[path] = virtualmap.Record{
			Hash:    leafHash(payload),
			Version: 1,
			Leaf:    true,
			Payload: []byte(payload),
		}
	}
	// Combine bottom-up for every internal level.
	for path := int64(firstLeaf) - 1; path >= 0; path-- {
		left := records[uint64(2*path+1)]
		right := records[uint64(2*path+2)]
		records[uint64(path)] = virtualmap.Record{
			Hash:    combineHashes(left.Hash, right.Hash),
			Version: 1,
			Leaf:    false,
		}
	}
	return records, firstLeaf, lastLeaf
}

// leafHash and combineHashes mirror virtualmap's own unexported
// hashLeafPayload/combineChildHashes exactly, so this test's
// independently-built fixture tree hashes identically to what the
// teacher/learner pair computes during reconnect.
func leafHash(payload string) common.Hash {
	sum := sha3.Sum256([]byte(payload))
	return common.NewHash(common.SHA3_256Digest, sum[:])
}

func combineHashes(left, right common.Hash) common.Hash {
	hasher := sha3.New256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	return common.NewHash(common.SHA3_256Digest, hasher.Sum(nil))
}

type datasource map[uint64]virtualmap.Record

func (d datasource) Load(path uint64) (virtualmap.Record, bool, error) {
	r, ok := d[path]
	return r, ok, nil
}

func testStreamConfig() stream.Config {
	return stream.Config{BufferSize: 8, Timeout: 2 * time.Second, FlushInterval: time.Millisecond}
}

func wireStreams(t *testing.T) (*wire.TeacherStreams, *wire.LearnerStreams, func()) {
	t.Helper()
	qW, qR := net.Pipe()
	rW, rR := net.Pipe()
	lW, lR := net.Pipe()
	cfg := testStreamConfig()

	ts := &wire.TeacherStreams{
		Queries:   stream.NewOutput[wire.Query](qW, qW, wire.EncodeFrame[wire.Query], cfg, nil),
		Responses: stream.NewInput[wire.Response](rR, rR, wire.DecodeFrame[wire.Response], cfg, nil),
		Lessons:   stream.NewOutput[wire.Lesson](lW, lW, wire.EncodeFrame[wire.Lesson], cfg, nil),
	}
	ls := &wire.LearnerStreams{
		Queries:   stream.NewInput[wire.Query](qR, qR, wire.DecodeFrame[wire.Query], cfg, nil),
		Responses: stream.NewOutput[wire.Response](rW, rW, wire.EncodeFrame[wire.Response], cfg, nil),
		Lessons:   stream.NewInput[wire.Lesson](lR, lR, wire.DecodeFrame[wire.Lesson], cfg, nil),
	}

	closeAll := func() {
		ts.Queries.Close()
		ts.Lessons.Close()
		ls.Responses.Close()
		qW.Close()
		qR.Close()
		rW.Close()
		rR.Close()
		lW.Close()
		lR.Close()
	}
	return ts, ls, closeAll
}

func TestVirtualMapLearnerHasNothing(t *testing.T) {
	records, first, last := buildMap(t, []string{"alpha", "bravo"})
	src := datasource(records)

	tv := virtualmap.NewTeacher(src, 16, leafClassID, internalClassID, 1, first, last)
	lv := virtualmap.NewLearner(nil, false, 16, 4, leafClassID, internalClassID, 1, 0, -1, true)

	ts, ls, closeAll := wireStreams(t)
	defer closeAll()

	errCh := make(chan error, 1)
	go func() { errCh <- teacher.Run[uint64](context.Background(), tv, ts, true, nil) }()

	newRoot, err := learner.Run[uint64](context.Background(), lv, ls, false, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, records[0].Hash, lv.HashOf(newRoot))
}

func TestVirtualMapIdenticalTrees(t *testing.T) {
	records, first, last := buildMap(t, []string{"alpha", "bravo", "charlie", "delta"})
	src := datasource(records)

	tv := virtualmap.NewTeacher(src, 16, leafClassID, internalClassID, 1, first, last)
	lv := virtualmap.NewLearner(src, true, 16, 4, leafClassID, internalClassID, 1, first, last, true)

	ts, ls, closeAll := wireStreams(t)
	defer closeAll()

	errCh := make(chan error, 1)
	go func() { errCh <- teacher.Run[uint64](context.Background(), tv, ts, true, nil) }()

	newRoot, err := learner.Run[uint64](context.Background(), lv, ls, true, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, records[0].Hash, lv.HashOf(newRoot))
}

func TestVirtualMapOneLeafDiffers(t *testing.T) {
	oldRecords, first, last := buildMap(t, []string{"alpha", "bravo"})
	newRecords, _, _ := buildMap(t, []string{"alpha", "charlie"})

	tv := virtualmap.NewTeacher(datasource(newRecords), 16, leafClassID, internalClassID, 1, first, last)
	lv := virtualmap.NewLearner(datasource(oldRecords), true, 16, 4, leafClassID, internalClassID, 1, first, last, true)

	ts, ls, closeAll := wireStreams(t)
	defer closeAll()

	errCh := make(chan error, 1)
	go func() { errCh <- teacher.Run[uint64](context.Background(), tv, ts, true, nil) }()

	newRoot, err := learner.Run[uint64](context.Background(), lv, ls, true, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, newRecords[0].Hash, lv.HashOf(newRoot))
}

// outer standard-tree class ids, distinct from the virtual map's own
// leaf/internal class ids above.
const (
	outerClassLeaf     = 101
	outerClassInternal = 102
	outerClassVMapRoot = 103
)

// stubChild stands in for a virtual-map record's hash inside the outer
// tree's dummy children, so Internal.Rehash combines them into the same
// root hash buildMap computes independently. It is never visited by the
// reconnect algorithm itself: HasCustomView short-circuits before a
// custom node's children are ever read.
type stubChild struct{ hash common.Hash }

func (s stubChild) Hash() common.Hash { return s.hash }
func (s stubChild) ClassID() uint64   { return 0 }
func (s stubChild) Version() int32    { return 0 }

// TestCustomViewFactoryDispatchThroughMerkleInternal drives a
// merkle.Internal whose CustomView is a virtualmap.Factory through the
// outer standard teacher/learner algorithm, exercising the
// Factory/teacherSession/learnerRoot dispatch path (LessonCustomSubtreeKind)
// rather than driving virtualmap.Teacher/Learner directly. The outer
// root carries two ordinary sibling leaves alongside the custom subtree
// so the outer BFS frontier stays non-empty while the nested run is in
// flight: the same condition that would let the two sessions' traffic
// race on a shared stream if messages were not session-tagged.
func TestCustomViewFactoryDispatchThroughMerkleInternal(t *testing.T) {
	records, first, last := buildMap(t, []string{"alpha", "bravo"})
	src := datasource(records)

	cfg := virtualmap.Config{LeafClassID: leafClassID, InternalClassID: internalClassID, Version: 1, CacheSize: 16, PipelineBuffer: 4}
	teacherFactory := virtualmap.NewFactory(cfg, src, first, last)

	vmapNode := merkle.NewInternal(outerClassVMapRoot, 1, 2)
	vmapNode.SetChild(0, stubChild{hash: records[uint64(first)].Hash}, true)
	vmapNode.SetChild(1, stubChild{hash: records[uint64(last)].Hash}, true)
	vmapNode.Rehash()
	require.Equal(t, records[0].Hash, vmapNode.Hash(), "dummy children must combine to the virtual map's own root hash")
	vmapNode.SetCustomView(teacherFactory)

	teacherRoot := merkle.NewInternal(outerClassInternal, 1, 3)
	teacherRoot.SetChild(0, vmapNode, true)
	teacherRoot.SetChild(1, merkle.NewLeaf(outerClassLeaf, 1, []byte("outer-a")), true)
	teacherRoot.SetChild(2, merkle.NewLeaf(outerClassLeaf, 1, []byte("outer-b")), true)
	teacherRoot.Rehash()

	reg := merkle.NewClassRegistry()
	reg.RegisterLeaf(outerClassLeaf, func(version int32, payload []byte) (*merkle.Leaf, error) {
		return merkle.NewLeaf(outerClassLeaf, version, payload), nil
	})
	reg.RegisterInternal(outerClassInternal, func(version int32, childCount int) (*merkle.Internal, error) {
		return merkle.NewInternal(outerClassInternal, version, childCount), nil
	})
	reg.RegisterInternal(outerClassVMapRoot, func(version int32, childCount int) (*merkle.Internal, error) {
		n := merkle.NewInternal(outerClassVMapRoot, version, childCount)
		n.SetCustomView(virtualmap.NewFactory(cfg, nil, 0, -1))
		return n, nil
	})

	teacherView := standard.NewTeacher(teacherRoot, reg)
	learnerView := standard.NewLearner(nil, reg, true)

	qW, qR := net.Pipe()
	rW, rR := net.Pipe()
	lW, lR := net.Pipe()
	wcfg := testStreamConfig()

	ts := &wire.TeacherStreams{
		Queries:   stream.NewOutput[wire.Query](qW, qW, wire.EncodeFrame[wire.Query], wcfg, nil),
		Responses: stream.NewInput[wire.Response](rR, rR, wire.DecodeFrame[wire.Response], wcfg, nil),
		Lessons:   stream.NewOutput[wire.Lesson](lW, lW, wire.EncodeFrame[wire.Lesson], wcfg, nil),
	}
	ls := &wire.LearnerStreams{
		Queries:   stream.NewInput[wire.Query](qR, qR, wire.DecodeFrame[wire.Query], wcfg, nil),
		Responses: stream.NewOutput[wire.Response](rW, rW, wire.EncodeFrame[wire.Response], wcfg, nil),
		Lessons:   stream.NewInput[wire.Lesson](lR, lR, wire.DecodeFrame[wire.Lesson], wcfg, nil),
	}
	defer func() {
		ts.Queries.Abort()
		ts.Lessons.Abort()
		ts.Responses.Abort()
		ls.Queries.Abort()
		ls.Responses.Abort()
		ls.Lessons.Abort()
		qW.Close()
		qR.Close()
		rW.Close()
		rR.Close()
		lW.Close()
		lR.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- teacher.Run[merkle.Node](context.Background(), teacherView, ts, true, nil)
	}()

	newRoot, err := learner.Run[merkle.Node](context.Background(), learnerView, ls, false, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, teacherRoot.Hash(), newRoot.Hash())

	gotInternal, ok := newRoot.(*merkle.Internal)
	require.True(t, ok)
	customChild, present := gotInternal.Child(0)
	require.True(t, present)
	require.Equal(t, records[0].Hash, customChild.Hash())
}
