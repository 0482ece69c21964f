package wire

import "github.com/hashmesh/reconnect/stream"

// TeacherStreams bundles the three async message streams the teacher
// side drives: queries out, responses in, lessons out. All three
// message types are concrete (Query/Response/Lesson), so this bundle is
// not itself generic over a node-handle type, which lets a custom
// subtree's teacher algorithm (potentially instantiated over a
// completely different N, e.g. the virtual-map view's u64 path) share
// the very same stream instances as the outer standard-tree traversal.
// Every message carries a Session tag (see message.go and
// stream.SessionTagged); a custom subtree always runs under a freshly
// allocated child session id, so Responses.Input demultiplexes the
// nested traversal's replies from the parent's even while both are
// concurrently in flight.
type TeacherStreams struct {
	Queries   *stream.Output[Query]
	Responses *stream.Input[Response]
	Lessons   *stream.Output[Lesson]
}

// LearnerStreams bundles the three async message streams the learner
// side drives: queries in, responses out, lessons in.
type LearnerStreams struct {
	Queries   *stream.Input[Query]
	Responses *stream.Output[Response]
	Lessons   *stream.Input[Lesson]
}
