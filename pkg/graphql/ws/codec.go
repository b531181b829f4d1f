package ws

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Codec turns envelopes into socket frames and back. It only deals with
// the envelope; payloads stay raw for the graphql.Serializer.
type Codec interface {
	EncodeMessage(*OperationMessage) ([]byte, error)
	DecodeMessage([]byte) (*OperationMessage, error)
}

type jsonCodec struct{}

// JSONCodec speaks the graphql-ws envelope: {"type", "id", "payload"}.
var JSONCodec Codec = jsonCodec{}

func (jsonCodec) EncodeMessage(op *OperationMessage) ([]byte, error) {
	return json.Marshal(op)
}

func (jsonCodec) DecodeMessage(data []byte) (*OperationMessage, error) {
	var op OperationMessage
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}

	return &op, nil
}

func encodeMessage(codec Codec, op *OperationMessage) ([]byte, error) {
	data, err := codec.EncodeMessage(op)

	return data, errors.Wrapf(err, "encoding %s message", op.Type)
}

func decodeMessage(codec Codec, data []byte) (*OperationMessage, error) {
	op, err := codec.DecodeMessage(data)
	if err != nil {
		return nil, &ProtocolError{Reason: "unparseable envelope", Err: err}
	}

	if op == nil || op.Type == "" {
		return nil, &ProtocolError{Reason: "envelope without a type"}
	}

	return op, nil
}
