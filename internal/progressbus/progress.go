// Package progressbus fans out the Progress event stream a session emits
// (node init, stage transitions, backpressure, terminal error) to any
// number of subscribers: the session's own output sink, and optionally a
// websocket hub for live observers.
package progressbus

import "time"

// Kind discriminates the Progress union's variants.
type Kind string

const (
	KindNodeInitStarted    Kind = "NodeInitStarted"
	KindNodeInitReady      Kind = "NodeInitReady"
	KindStageStarted       Kind = "StageStarted"
	KindStageCompleted     Kind = "StageCompleted"
	KindBridgeBackpressure Kind = "BridgeBackpressure"
	KindError              Kind = "Error"
)

// Progress is one event in a session's progress stream, emitted to the
// session's output sink as execution advances.
type Progress struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	NodeID     string    `json:"node_id,omitempty"`
	StageIndex int       `json:"stage_index,omitempty"`
	Edge       string    `json:"edge,omitempty"`
	Depth      int       `json:"depth,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func NodeInitStarted(nodeID string) Progress {
	return Progress{Kind: KindNodeInitStarted, Time: time.Now(), NodeID: nodeID}
}

func NodeInitReady(nodeID string) Progress {
	return Progress{Kind: KindNodeInitReady, Time: time.Now(), NodeID: nodeID}
}

func StageStarted(index int) Progress {
	return Progress{Kind: KindStageStarted, Time: time.Now(), StageIndex: index}
}

func StageCompleted(index int) Progress {
	return Progress{Kind: KindStageCompleted, Time: time.Now(), StageIndex: index}
}

func BridgeBackpressure(edge string, depth int) Progress {
	return Progress{Kind: KindBridgeBackpressure, Time: time.Now(), Edge: edge, Depth: depth}
}

func Error(kind, message, nodeID string) Progress {
	return Progress{Kind: KindError, Time: time.Now(), ErrorKind: kind, Message: message, NodeID: nodeID}
}
