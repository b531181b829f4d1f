package graphql

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Serializer turns requests into wire payloads and wire payloads into
// responses. Transports only ever talk to this interface.
type Serializer interface {
	Serialize(Request) ([]byte, error)
	DeserializeResponse([]byte) (*Response, error)
	// DeserializeError reads the payload of an error message, which servers
	// send either as a response object, a list of errors or a single error.
	DeserializeError([]byte) (*Response, error)
}

type jsonSerializer struct {
	useNumber bool
}

// JSON is the default serializer.
var JSON Serializer = &jsonSerializer{}

// NewJSONSerializer returns a JSON serializer. With useNumber set numbers in
// extensions are decoded as json.Number instead of float64.
func NewJSONSerializer(useNumber bool) Serializer {
	return &jsonSerializer{useNumber: useNumber}
}

func (s *jsonSerializer) Serialize(req Request) ([]byte, error) {
	if req.Query == "" {
		return nil, errors.New("request has an empty query")
	}

	data, err := json.Marshal(req)

	return data, errors.Wrap(err, "serializing request")
}

func (s *jsonSerializer) decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.useNumber {
		dec.UseNumber()
	}

	return dec.Decode(v)
}

func (s *jsonSerializer) DeserializeResponse(data []byte) (*Response, error) {
	var resp Response

	if err := s.decode(data, &resp); err != nil {
		return nil, errors.Wrap(err, "deserializing response")
	}

	return &resp, nil
}

func (s *jsonSerializer) DeserializeError(data []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Response{Errors: Errors{{Message: "unknown error"}}}, nil
	}

	switch trimmed[0] {
	case '[':
		var errs Errors
		if err := s.decode(trimmed, &errs); err != nil {
			return nil, errors.Wrap(err, "deserializing error list")
		}

		return &Response{Errors: errs}, nil
	case '{':
		resp, err := s.DeserializeResponse(trimmed)
		if err != nil {
			return nil, err
		}

		if len(resp.Errors) > 0 || len(resp.Data) > 0 {
			return resp, nil
		}

		var single Error
		if err := s.decode(trimmed, &single); err != nil {
			return nil, errors.Wrap(err, "deserializing error")
		}

		if single.Message == "" {
			single.Message = string(trimmed)
		}

		return &Response{Errors: Errors{single}}, nil
	case '"':
		var msg string
		if err := s.decode(trimmed, &msg); err != nil {
			return nil, errors.Wrap(err, "deserializing error message")
		}

		return &Response{Errors: Errors{{Message: msg}}}, nil
	}

	return nil, errors.Errorf("unexpected error payload: %s", trimmed)
}
