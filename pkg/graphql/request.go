package graphql

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Request is a single GraphQL operation as submitted by a caller. It is
// treated as immutable once handed to a transport.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

func (r Request) String() string {
	if r.OperationName != "" {
		return fmt.Sprintf("%s(%q)", r.OperationName, r.Query)
	}

	return fmt.Sprintf("%q", r.Query)
}

// Key is a canonical rendering of the request. Two structurally equal
// requests have the same key, map ordering included.
func (r Request) Key() (string, error) {
	// encoding/json sorts map keys so nested variables are canonical too
	data, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "rendering request key")
	}

	return string(data), nil
}

// Equal reports structural equality.
func (r Request) Equal(other Request) bool {
	a, errA := r.Key()
	b, errB := other.Key()

	return errA == nil && errB == nil && a == b
}

type OperationKind string

const (
	KindQuery        = OperationKind(ast.Query)
	KindMutation     = OperationKind(ast.Mutation)
	KindSubscription = OperationKind(ast.Subscription)
)

// Kind parses the query document just far enough to find which operation
// will run. When the document holds several operations OperationName picks
// one, as the server would.
func (r Request) Kind() (OperationKind, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: r.Query})
	if err != nil {
		return "", errors.Wrap(err, "parsing query document")
	}

	if len(doc.Operations) == 0 {
		return "", errors.New("query document has no operations")
	}

	if r.OperationName == "" {
		if len(doc.Operations) > 1 {
			return "", errors.New("operationName is required when the document has more than one operation")
		}

		return OperationKind(doc.Operations[0].Operation), nil
	}

	op := doc.Operations.ForName(r.OperationName)
	if op == nil {
		return "", errors.Errorf("no operation named %q in document", r.OperationName)
	}

	return OperationKind(op.Operation), nil
}
