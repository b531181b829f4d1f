package wstest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"go.uber.org/zap"

	gql "github.com/uswitch/gqlws/pkg/graphql"
	"github.com/uswitch/gqlws/pkg/graphql/ws"
)

// StreamFunc produces the values of a subscription field until ctx is done.
type StreamFunc func(ctx context.Context, args map[string]interface{}) (<-chan interface{}, error)

func toResponse(result *graphql.Result) *gql.Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(gqlerrors.FormatErrors(err))
	}

	resp, err := gql.JSON.DeserializeResponse(data)
	if err != nil {
		return errorResponse(gqlerrors.FormatErrors(err))
	}

	return resp
}

func errorResponse(errs []gqlerrors.FormattedError) *gql.Response {
	out := make(gql.Errors, len(errs))

	for idx, err := range errs {
		out[idx] = gql.Error{Message: err.Message}
		for _, loc := range err.Locations {
			out[idx].Locations = append(out[idx].Locations, gql.Location{Line: loc.Line, Column: loc.Column})
		}
	}

	return &gql.Response{Errors: out}
}

func sendAndReturn(ctx context.Context, ch chan *gql.Response, resp *gql.Response) (<-chan *gql.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ch <- resp:
	}

	close(ch)

	return ch, nil
}

func operationFrom(doc *ast.Document, name string) (*ast.OperationDefinition, error) {
	var operation *ast.OperationDefinition

	for _, definition := range doc.Definitions {
		switch definition := definition.(type) {
		case *ast.OperationDefinition:
			if name != "" {
				if definition.Name != nil && definition.Name.Value == name {
					return definition, nil
				}
				continue
			}

			if operation != nil {
				return nil, fmt.Errorf("operation name is required with more than one operation")
			}
			operation = definition
		}
	}

	if operation == nil {
		return nil, fmt.Errorf("didn't find an operation")
	}

	return operation, nil
}

func parse(req gql.Request) (*ast.Document, []gqlerrors.FormattedError) {
	src := source.NewSource(&source.Source{
		Body: []byte(req.Query),
		Name: "GraphQL request",
	})

	doc, err := parser.Parse(parser.ParseParams{Source: src})
	if err != nil {
		return nil, gqlerrors.FormatErrors(err)
	}

	return doc, nil
}

// Handler executes operations against a graphql-go schema. Subscription
// fields are served from streams; every value a stream yields is executed
// against the subscription selection as its root.
func Handler(schema graphql.Schema, streams map[string]StreamFunc, logger *zap.Logger) ws.OnOperationFunc {
	return func(ctx context.Context, req gql.Request) (<-chan *gql.Response, error) {
		ch := make(chan *gql.Response, 1)

		doc, errs := parse(req)
		if errs != nil {
			return sendAndReturn(ctx, ch, errorResponse(errs))
		}

		validationResult := graphql.ValidateDocument(&schema, doc, nil)
		if !validationResult.IsValid {
			return sendAndReturn(ctx, ch, errorResponse(validationResult.Errors))
		}

		opDef, err := operationFrom(doc, req.OperationName)
		if err != nil {
			return sendAndReturn(ctx, ch, errorResponse(gqlerrors.FormatErrors(err)))
		}

		switch opDef.GetOperation() {
		case ast.OperationTypeQuery, ast.OperationTypeMutation:
			result := graphql.Execute(graphql.ExecuteParams{
				Schema:        schema,
				AST:           doc,
				OperationName: req.OperationName,
				Args:          req.Variables,
				Context:       ctx,
			})

			return sendAndReturn(ctx, ch, toResponse(result))
		case ast.OperationTypeSubscription:
			fieldNames := []string{}

			for _, selection := range opDef.SelectionSet.Selections {
				switch selection := selection.(type) {
				case *ast.Field:
					fieldNames = append(fieldNames, selection.Name.Value)
				default:
					logger.Warn("unknown selection", zap.Any("selection", selection))
				}
			}

			if len(fieldNames) != 1 {
				return sendAndReturn(ctx, ch, errorResponse(gqlerrors.FormatErrors(fmt.Errorf("can only have one field"))))
			}

			stream, ok := streams[fieldNames[0]]
			if !ok {
				return sendAndReturn(ctx, ch, errorResponse(gqlerrors.FormatErrors(fmt.Errorf("no stream field for %s", fieldNames[0]))))
			}

			values, err := stream(ctx, req.Variables)
			if err != nil {
				return sendAndReturn(ctx, ch, errorResponse(gqlerrors.FormatErrors(err)))
			}

			go func() {
				defer close(ch)

				for {
					select {
					case <-ctx.Done():
						return
					case value, ok := <-values:
						if !ok {
							return
						}

						result := graphql.Execute(graphql.ExecuteParams{
							Root: map[string]interface{}{
								fieldNames[0]: value,
							},
							Schema:        schema,
							AST:           doc,
							OperationName: req.OperationName,
							Args:          req.Variables,
							Context:       ctx,
						})

						select {
						case <-ctx.Done():
							return
						case ch <- toResponse(result):
						}
					}
				}
			}()

			return ch, nil
		default:
			return sendAndReturn(ctx, ch, errorResponse(gqlerrors.FormatErrors(fmt.Errorf("unsupported operation type: %s", opDef.GetOperation()))))
		}
	}
}
