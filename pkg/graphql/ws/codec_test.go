package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uswitch/gqlws/pkg/graphql"
)

// terseCodec frames envelopes as {"k", "r", "b"} and counts what it handles.
type terseCodec struct {
	encoded atomic.Int32
	decoded atomic.Int32
}

type terseEnvelope struct {
	Kind string          `json:"k"`
	Ref  string          `json:"r,omitempty"`
	Body json.RawMessage `json:"b,omitempty"`
}

func (c *terseCodec) EncodeMessage(op *OperationMessage) ([]byte, error) {
	c.encoded.Add(1)

	return json.Marshal(terseEnvelope{Kind: op.Type.String(), Ref: op.MessageID().String(), Body: op.Payload})
}

func (c *terseCodec) DecodeMessage(data []byte) (*OperationMessage, error) {
	c.decoded.Add(1)

	var env terseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	return newMessage(MessageType(env.Kind), MessageID(env.Ref), env.Body), nil
}

func TestJSONCodec(t *testing.T) {
	data, err := encodeMessage(JSONCodec, newMessage(GQL_START, "abc", json.RawMessage(`{"query":"{ ping }"}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"start","id":"abc","payload":{"query":"{ ping }"}}`, string(data))

	op, err := decodeMessage(JSONCodec, data)
	require.NoError(t, err)
	assert.Equal(t, GQL_START, op.Type)
	assert.Equal(t, MessageID("abc"), op.MessageID())
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	_, err := decodeMessage(JSONCodec, []byte(`{"id":"abc"}`))
	assert.True(t, IsProtocol(err))

	_, err = decodeMessage(JSONCodec, []byte(`not json`))
	assert.True(t, IsProtocol(err))

	_, err = decodeMessage(&terseCodec{}, []byte(`{"type":"data","id":"abc"}`))
	assert.True(t, IsProtocol(err))
}

func TestCustomCodecOnBothEnds(t *testing.T) {
	clientCodec := &terseCodec{}
	serverCodec := &terseCodec{}

	c, links, _ := serveChannel(t, func(s *ServerChannel) {
		s.Codec = serverCodec
		s.OnOperation = func(ctx context.Context, req graphql.Request) (<-chan *graphql.Response, error) {
			ch := make(chan *graphql.Response, 1)
			ch <- &graphql.Response{Data: json.RawMessage(`{"ping":"pong"}`)}
			close(ch)

			return ch, nil
		}
	}, WithCodec(clientCodec))

	resp, err := c.Query(testContext(t), graphql.Request{Query: "{ ping }"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":"pong"}`, string(resp.Data))

	// init, start
	assert.GreaterOrEqual(t, clientCodec.encoded.Load(), int32(2))
	// ack, data
	assert.GreaterOrEqual(t, clientCodec.decoded.Load(), int32(2))
	assert.GreaterOrEqual(t, serverCodec.decoded.Load(), int32(2))

	for _, log := range (<-links).sequence() {
		assert.Empty(t, log.op.Type, "frame used the default envelope")
	}
}
