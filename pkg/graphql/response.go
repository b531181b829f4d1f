package graphql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a GraphQL error as reported by a server. It travels as data in a
// Response and is not a transport failure.
type Error struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	if len(e.Locations) == 0 {
		return e.Message
	}

	locs := make([]string, len(e.Locations))
	for idx, loc := range e.Locations {
		locs[idx] = fmt.Sprintf("%d:%d", loc.Line, loc.Column)
	}

	return fmt.Sprintf("%s (at %s)", e.Message, strings.Join(locs, ", "))
}

type Errors []Error

func (errs Errors) Error() string {
	msgs := make([]string, len(errs))
	for idx, err := range errs {
		msgs[idx] = err.Error()
	}

	return strings.Join(msgs, "; ")
}

// Response is what a server produced for one execution of a Request. Data
// is kept raw until the caller decodes it into its own type.
type Response struct {
	Data       json.RawMessage        `json:"data,omitempty"`
	Errors     Errors                 `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (r *Response) HasErrors() bool { return r != nil && len(r.Errors) > 0 }

// IsEmpty is true for the void result of an operation that completed
// without producing any data.
func (r *Response) IsEmpty() bool {
	return r == nil || (len(r.Data) == 0 && len(r.Errors) == 0 && len(r.Extensions) == 0)
}

func (r *Response) DecodeData(v interface{}) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return errors.New("response carries no data")
	}

	return errors.Wrap(json.Unmarshal(r.Data, v), "decoding response data")
}

// Decode unmarshals the data of a response into a fresh T.
func Decode[T any](r *Response) (T, error) {
	var out T

	err := r.DecodeData(&out)

	return out, err
}
