package node

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of WebSocket message in the node protocol.
type MessageType string

// Protocol message types exchanged over the WebSocket connection.
const (
	MsgPairRequest  MessageType = "pair_request"
	MsgPairResponse MessageType = "pair_response"
	MsgSubscribe    MessageType = "subscribe"
	MsgUnsubscribe  MessageType = "unsubscribe"
	MsgEvent        MessageType = "event"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgHeartbeatAck MessageType = "heartbeat_ack"
	MsgError        MessageType = "error"
)

// Envelope is the wire format for all WebSocket messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PairRequest is sent by the node to initiate pairing.
type PairRequest struct {
	Token    string `json:"token"`
	NodeName string `json:"node_name"`
	Platform string `json:"platform"`
}

// PairResponse is sent by the server after evaluating a pairing request.
type PairResponse struct {
	Accepted bool   `json:"accepted"`
	NodeID   string `json:"node_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SubscribeRequest asks to receive events for a session key. The same
// payload shape serves MsgUnsubscribe.
type SubscribeRequest struct {
	SessionKey string `json:"session_key"`
}

// EventPayload is one fanned-out session event as delivered to a node.
type EventPayload struct {
	SessionKey string          `json:"session_key"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
}
