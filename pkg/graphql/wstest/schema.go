package wstest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/graphql-go/graphql"
)

// hub fans published values out to the streams subscribed to a field.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan interface{}]struct{}
}

func newHub() *hub {
	return &hub{subscribers: map[string]map[chan interface{}]struct{}{}}
}

func (h *hub) stream(field string) StreamFunc {
	return func(ctx context.Context, args map[string]interface{}) (<-chan interface{}, error) {
		ch := make(chan interface{}, 16)

		h.mu.Lock()
		if h.subscribers[field] == nil {
			h.subscribers[field] = map[chan interface{}]struct{}{}
		}
		h.subscribers[field][ch] = struct{}{}
		h.mu.Unlock()

		context.AfterFunc(ctx, func() {
			h.mu.Lock()
			delete(h.subscribers[field], ch)
			h.mu.Unlock()
		})

		return ch, nil
	}
}

func (h *hub) publish(field string, value interface{}) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers[field] {
		select {
		case ch <- value:
		default:
		}
	}

	return len(h.subscribers[field])
}

func (h *hub) count(field string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subscribers[field])
}

// NewSchema is a small schema for exercising clients:
//
//	query        { ping echo(message: String!) counter }
//	mutation     { bump(by: Int) }
//	subscription { ping counter }
func NewSchema(counter *int64) (graphql.Schema, error) {
	fromRoot := func(p graphql.ResolveParams) (interface{}, error) {
		root, _ := p.Source.(map[string]interface{})
		return root[p.Info.FieldName], nil
	}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"ping": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return "pong", nil
				},
			},
			"echo": &graphql.Field{
				Type: graphql.String,
				Args: graphql.FieldConfigArgument{
					"message": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Args["message"], nil
				},
			},
			"counter": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return int(atomic.LoadInt64(counter)), nil
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"bump": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Args: graphql.FieldConfigArgument{
					"by": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 1},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					by, _ := p.Args["by"].(int)
					return int(atomic.AddInt64(counter, int64(by))), nil
				},
			},
		},
	})

	subscription := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"ping": &graphql.Field{
				Type:    graphql.String,
				Resolve: fromRoot,
			},
			"counter": &graphql.Field{
				Type:    graphql.Int,
				Resolve: fromRoot,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:        query,
		Mutation:     mutation,
		Subscription: subscription,
	})
}
