// Package wire defines the on-the-wire message shapes and the
// length-framed codec that serialises them. Every message is
// self-describing: it carries enough class-id and version information
// for the peer to reconstruct the right local type, the same contract
// go-ethereum's devp2p messages meet with a Code field plus an
// RLP-encoded payload.
package wire

import "github.com/hashmesh/reconnect/common"

// Query is sent teacher -> learner: the hash of one visited node, leaf or
// internal, asking "do you already have this?".
type Query struct {
	// Session identifies which reconnect session (the top-level run, or
	// one of its nested custom-subtree runs) this message belongs to, so
	// a custom subtree's own teacher/learner sub-protocol can share the
	// same physical streams as its parent without the two traversals'
	// messages being read by the wrong side's goroutine. Session 0 is
	// always the top-level run.
	Session uint64
	Hash    common.Hash
}

// SessionID implements stream.SessionTagged.
func (q Query) SessionID() uint64 { return q.Session }

// Response is sent learner -> teacher: one boolean per query, in query
// order within a session.
type Response struct {
	Session     uint64
	AlreadyHave bool
}

// SessionID implements stream.SessionTagged.
func (r Response) SessionID() uint64 { return r.Session }

// LessonKind discriminates the variants of the Lesson message. A single
// lesson stream carries all four kinds for one direction, so Lesson is a
// flat tagged struct rather than four separate message types; the fields
// that don't apply to a given Kind are simply left zero.
type LessonKind uint8

const (
	// LessonEmptyKind pairs with an already-have response: zero body
	// beyond the kind tag.
	LessonEmptyKind LessonKind = iota
	// LessonLeafKind carries a view-specific leaf serialisation.
	LessonLeafKind
	// LessonInternalKind carries an internal node's header and ordered
	// child hashes.
	LessonInternalKind
	// LessonCustomSubtreeKind marks a recursion point into a custom
	// view's own sub-protocol.
	LessonCustomSubtreeKind
)

func (k LessonKind) String() string {
	switch k {
	case LessonEmptyKind:
		return "empty"
	case LessonLeafKind:
		return "leaf"
	case LessonInternalKind:
		return "internal"
	case LessonCustomSubtreeKind:
		return "custom-subtree"
	default:
		return "unknown"
	}
}

// Lesson is the teacher's follow-up for exactly one query.
type Lesson struct {
	// Session identifies which reconnect session this lesson itself
	// belongs to (see Query.Session).
	Session uint64

	Kind LessonKind

	// ClassID and Version identify the node's concrete Go type for the
	// class-id registry. Present for every kind except
	// LessonEmptyKind. Version travels as uint32 on the wire: rlp only
	// serialises unsigned integer kinds, and every view.Version in this
	// module is non-negative in practice.
	ClassID uint64
	Version uint32

	// ChildSession is populated only for LessonCustomSubtreeKind: the
	// session identifier every message belonging to the nested
	// subtree's own teacher/learner run will carry, so both sides can
	// demultiplex that nested run's traffic from this level's own
	// traffic on the same shared streams.
	ChildSession uint64

	// ChildHashes is populated only for LessonInternalKind, in child
	// order; absent slots carry common.NullHash.
	ChildHashes []common.Hash

	// IsRootOfState is only meaningful on the top-level root's internal
	// lesson.
	IsRootOfState bool

	// HasLeafPathBounds, FirstLeafPath and LastLeafPath extend an
	// internal lesson for the virtual-map custom view: the
	// first internal of a virtual-map subtree also carries the bounds
	// that size the destination subtree. Both travel as uint64: a leaf
	// path is never negative once HasLeafPathBounds is set.
	HasLeafPathBounds bool
	FirstLeafPath     uint64
	LastLeafPath      uint64

	// Payload carries the leaf's view-serialised bytes for
	// LessonLeafKind. Unused otherwise.
	Payload []byte
}

// ChildCount reports the declared child count of an internal lesson.
func (l Lesson) ChildCount() uint32 { return uint32(len(l.ChildHashes)) }

// SessionID implements stream.SessionTagged.
func (l Lesson) SessionID() uint64 { return l.Session }
