package ws

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Subprotocol is the websocket subprotocol negotiated for this message set.
const Subprotocol = "graphql-ws"

type MessageType string

const (
	GQL_CONNECTION_INIT       = MessageType("connection_init")
	GQL_CONNECTION_TERMINATE  = MessageType("connection_terminate")
	GQL_CONNECTION_ERROR      = MessageType("connection_error")
	GQL_CONNECTION_ACK        = MessageType("connection_ack")
	GQL_CONNECTION_KEEP_ALIVE = MessageType("ka")

	GQL_START    = MessageType("start")
	GQL_STOP     = MessageType("stop")
	GQL_DATA     = MessageType("data")
	GQL_ERROR    = MessageType("error")
	GQL_COMPLETE = MessageType("complete")
)

// IsOperation is true for the types that carry a correlation id.
func (t MessageType) IsOperation() bool {
	switch t {
	case GQL_START, GQL_STOP, GQL_DATA, GQL_ERROR, GQL_COMPLETE:
		return true
	}

	return false
}

func (t MessageType) String() string { return string(t) }

// MessageID correlates a start message with everything the server sends
// back for it.
type MessageID string

func (id MessageID) String() string { return string(id) }

// NewMessageID returns a random 128 bit id rendered as 32 hex characters.
func NewMessageID() MessageID {
	return MessageID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// OperationMessage is the envelope exchanged on the socket.
type OperationMessage struct {
	Type MessageType `json:"type"`
	ID   *MessageID  `json:"id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func (op *OperationMessage) MessageID() MessageID {
	if op == nil || op.ID == nil {
		return ""
	}

	return *op.ID
}

func newMessage(typ MessageType, id MessageID, payload json.RawMessage) *OperationMessage {
	msg := &OperationMessage{Type: typ, Payload: payload}
	if id != "" {
		msg.ID = &id
	}

	return msg
}

// ConnectionParams is sent as the payload of connection_init.
type ConnectionParams map[string]interface{}

type MessageReader interface {
	ReadMessage() (int, []byte, error)
}

type MessageWriter interface {
	WriteMessage(int, []byte) error
}

type MessageReaderWriter interface {
	MessageReader
	MessageWriter
}
