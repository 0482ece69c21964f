package virtualmap

import (
	"context"
	"fmt"

	"github.com/hashmesh/reconnect/common"
	"github.com/hashmesh/reconnect/merkle"
	"github.com/hashmesh/reconnect/rcerrs"
	"github.com/hashmesh/reconnect/teacher"
	"github.com/hashmesh/reconnect/view"
	"github.com/hashmesh/reconnect/wire"

	"github.com/hashmesh/reconnect/learner"
)

// Config carries the knobs a Factory needs beyond the bytes already on
// the wire: the class identifiers the outer registry should dispatch a
// reconstructed Root back through, the version stamp applied to every
// record this session writes, and the cache/pipeline sizing.
type Config struct {
	LeafClassID     uint64
	InternalClassID uint64
	Version         int32
	CacheSize       int
	PipelineBuffer  int
}

// Factory is installed on a merkle.Internal via SetCustomView to make
// that node a virtual-map custom reconnect root: it satisfies
// merkle.CustomView, view.CustomTeacherRoot, and the
// SetupWithOriginalNode/SetupWithNoData hooks the standard learner view
// type-asserts for.
type Factory struct {
	cfg                         Config
	source                      Datasource
	firstLeafPath, lastLeafPath int64
}

// NewFactory builds a Factory backed by source, describing a virtual
// map whose valid leaves span [firstLeafPath, lastLeafPath].
// lastLeafPath < 0 describes a currently empty map.
func NewFactory(cfg Config, source Datasource, firstLeafPath, lastLeafPath int64) *Factory {
	return &Factory{cfg: cfg, source: source, firstLeafPath: firstLeafPath, lastLeafPath: lastLeafPath}
}

// IsCustomReconnectRoot implements merkle.CustomView.
func (f *Factory) IsCustomReconnectRoot() bool { return true }

// BuildTeacherView implements view.CustomTeacherRoot.
func (f *Factory) BuildTeacherView(ctx context.Context) (view.CustomTeacherSession, error) {
	tv := NewTeacher(f.source, f.cfg.CacheSize, f.cfg.LeafClassID, f.cfg.InternalClassID, f.cfg.Version, f.firstLeafPath, f.lastLeafPath)
	return &teacherSession{v: tv}, nil
}

type teacherSession struct {
	v *Teacher
}

func (s *teacherSession) Run(ctx context.Context, streams *wire.TeacherStreams) error {
	return teacher.Run[uint64](ctx, s.v, streams, false, nil)
}

func (s *teacherSession) Release() {}

// SetupWithOriginalNode is type-asserted for by standard.Learner when
// the learner's pre-existing tree already has a virtual-map node at
// this position.
func (f *Factory) SetupWithOriginalNode(original merkle.Node) (view.CustomLearnerRoot, error) {
	prior, ok := original.(*Root)
	if !ok {
		return nil, fmt.Errorf("%w: original node is not a virtual-map Root", rcerrs.Protocol)
	}
	return &learnerRoot{
		factory:      f,
		source:       prior.Datasource(),
		haveOriginal: true,
		oldFirstLeaf: prior.FirstLeafPath(),
		oldLastLeaf:  prior.LastLeafPath(),
	}, nil
}

// SetupWithNoData is type-asserted for by standard.Learner when the
// learner has nothing at this position yet.
func (f *Factory) SetupWithNoData() (view.CustomLearnerRoot, error) {
	return &learnerRoot{factory: f, haveOriginal: false, oldLastLeaf: -1}, nil
}

// learnerRoot is the per-reconnect view.CustomLearnerRoot: Run wires a
// fresh Learner into learner.Run and hands back the reconstructed
// subtree boxed as a Root.
type learnerRoot struct {
	factory      *Factory
	source       Datasource
	haveOriginal bool
	oldFirstLeaf int64
	oldLastLeaf  int64
}

func (r *learnerRoot) Run(ctx context.Context, streams *wire.LearnerStreams) (view.CustomLearnerResult, error) {
	cfg := r.factory.cfg
	lv := NewLearner(r.source, r.haveOriginal, cfg.CacheSize, cfg.PipelineBuffer, cfg.LeafClassID, cfg.InternalClassID, cfg.Version, r.oldFirstLeaf, r.oldLastLeaf, false)

	newRootPath, err := learner.Run[uint64](ctx, lv, streams, r.haveOriginal, nil)
	if err != nil {
		return nil, err
	}

	root := &Root{
		classID:       cfg.InternalClassID,
		version:       cfg.Version,
		hash:          lv.HashOf(newRootPath),
		firstLeafPath: lv.newFirstLeafPath,
		lastLeafPath:  lv.newLastLeafPath,
		records:       lv.newRecords,
	}
	return &learnerResult{root: root, pipeline: lv.pipeline}, nil
}

// Root is a merkle.Node adapter exposing a reconstructed virtual-map
// subtree to the outer standard tree as a single node, and a
// Datasource so a later reconnect can use it as the original again.
type Root struct {
	classID       uint64
	version       int32
	hash          common.Hash
	firstLeafPath int64
	lastLeafPath  int64
	records       map[uint64]Record
}

func (r *Root) Hash() common.Hash { return r.hash }
func (r *Root) ClassID() uint64   { return r.classID }
func (r *Root) Version() int32    { return r.version }

// Datasource exposes this Root's final record set as a Datasource, the
// hook SetupWithOriginalNode reads through for the next reconnect.
func (r *Root) Datasource() Datasource { return mapDatasource(r.records) }

// FirstLeafPath and LastLeafPath report this Root's valid leaf range,
// needed to build the Factory for a subsequent reconnect.
func (r *Root) FirstLeafPath() int64 { return r.firstLeafPath }
func (r *Root) LastLeafPath() int64  { return r.lastLeafPath }

// learnerResult implements view.CustomLearnerResult.
type learnerResult struct {
	root     *Root
	pipeline *rebuildPipeline
}

// Close finalises the rebuild pipeline's flush of every leaf pushed
// during Run.
func (res *learnerResult) Close() error { return res.pipeline.finish() }

// Root implements the interface standard.Learner.AdoptCustomResult
// type-asserts for.
func (res *learnerResult) Root() merkle.Node { return res.root }
