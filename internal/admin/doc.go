// Package admin serves an optional gRPC side channel for operators: the
// standard health service and a Snapshot RPC returning the node state as a
// google.protobuf.Struct. The wire protocol on stdin/stdout does not depend
// on it.
package admin
