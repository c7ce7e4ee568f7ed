// Package service defines the wire payloads carried inside a KindServiceMsg
// envelope: the client-facing query and cmd protocol (§4.7), as distinct
// from the node-to-node envelope purposes internal/node's own envelope.go
// defines for joins, DKG and proposals. Both client/ and internal/node
// import this package so the two sides decode the same shapes without
// either depending on the other.
package service

import "github.com/sectionmesh/sectiond/common/xor"

// Purpose discriminates the two service operations §4.7 names.
type Purpose string

const (
	PurposeQuery Purpose = "query"
	PurposeCmd   Purpose = "cmd"
)

// Envelope wraps a purpose-tagged body inside a single KindServiceMsg
// payload. ReplyAddr is the client's own listening address: UDP delivery
// discards the packet's source address once read, so a responder has no
// way back to the caller except one it was told explicitly.
type Envelope struct {
	Purpose   Purpose `msgpack:"purpose"`
	ReplyAddr string  `msgpack:"reply_addr"`
	Body      []byte  `msgpack:"body"`
}

// QueryKind discriminates the kinds of data query a client may issue.
// GetChunk is the only one the core protocol defines; chunk storage and
// retrieval themselves are an external collaborator's concern.
type QueryKind string

const (
	QueryGetChunk QueryKind = "get_chunk"
)

// QueryRequest is the body of a PurposeQuery envelope. Dst is the XOR-name
// being queried; for a chunk query this is also the content hash the
// returned chunk must satisfy.
type QueryRequest struct {
	Kind QueryKind `msgpack:"kind"`
	Dst  xor.Name  `msgpack:"dst"`
}

// QueryResult is the outcome tag of a QueryResponse.
type QueryResult string

const (
	ResultOk          QueryResult = "ok"
	ResultNoSuchEntry QueryResult = "no_such_entry"
)

// QueryResponse is the body an elder sends back for a PurposeQuery request.
type QueryResponse struct {
	Kind   QueryKind   `msgpack:"kind"`
	Result QueryResult `msgpack:"result"`
	// Chunk is populated only when Result is ResultOk and Kind is
	// QueryGetChunk. The client must independently verify
	// xor.Hash(Chunk) == the queried Dst before trusting it (§4.7, §8).
	Chunk []byte `msgpack:"chunk,omitempty"`
}

// CmdKind discriminates the kinds of fire-and-forget command a client may
// broadcast. Ping is the only one the core protocol needs to exercise the
// fan-out/partial-failure machinery end to end; real command semantics
// beyond that are an external collaborator's concern (§1 Non-goals).
type CmdKind string

const (
	CmdPing CmdKind = "ping"
)

// CmdRequest is the body of a PurposeCmd envelope.
type CmdRequest struct {
	Kind    CmdKind `msgpack:"kind"`
	Payload []byte  `msgpack:"payload,omitempty"`
}
