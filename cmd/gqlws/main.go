// Command gqlws runs GraphQL queries, mutations and subscriptions against a
// server over HTTP or the graphql-ws websocket protocol.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uswitch/gqlws/pkg/audit"
	"github.com/uswitch/gqlws/pkg/client"
	"github.com/uswitch/gqlws/pkg/graphql"
	"github.com/uswitch/gqlws/pkg/graphql/ws"
)

type app struct {
	v *viper.Viper

	configPath    string
	logLevel      string
	opsAddr       string
	format        string
	variables     string
	operationName string
	count         int
}

func main() {
	root, err := newRootCommand()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {
	a := &app{}

	root := &cobra.Command{
		Use:          "gqlws",
		Short:        "Send GraphQL operations over HTTP or graphql-ws",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file, JSON or YAML")
	flags.StringVar(&a.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&a.opsAddr, "ops-addr", "", "serve /healthz and /metrics on this address while running")
	flags.StringVar(&a.format, "format", formatJSON, "output format: json or pretty")
	flags.StringVar(&a.variables, "variables", "", "operation variables as a JSON object")
	flags.StringVar(&a.operationName, "operation-name", "", "operation to run when the document has several")
	addConfigFlags(flags)

	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}
	a.v = v

	root.AddCommand(
		a.resultCommand("query", "Run a query", (*client.Client).Query),
		a.resultCommand("mutate", "Run a mutation", (*client.Client).Mutate),
		a.subscribeCommand(),
	)

	return root, nil
}

type executeFunc func(*client.Client, context.Context, graphql.Request) (*graphql.Response, error)

func (a *app) resultCommand(use, short string, execute executeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <document|->",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], func(ctx context.Context, c *client.Client, req graphql.Request) error {
				resp, err := execute(c, ctx, req)
				if err != nil {
					return err
				}

				return printResponse(cmd.OutOrStdout(), a.format, resp)
			})
		},
	}
}

func (a *app) subscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <document|->",
		Short: "Run a subscription, printing results until it ends or is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], func(ctx context.Context, c *client.Client, req graphql.Request) error {
				l, err := c.Subscribe(ctx, req, ws.OnException(ws.Backoff(ws.DefaultBackoffConfig())))
				if err != nil {
					return err
				}
				defer l.Close()

				for received := 0; a.count == 0 || received < a.count; received++ {
					resp, err := l.Next(ctx)
					switch {
					case err == ws.ErrCompleted, ctx.Err() != nil:
						return nil
					case err != nil:
						return err
					}

					if err := printResponse(cmd.OutOrStdout(), a.format, resp); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&a.count, "count", 0, "stop after this many results, 0 for no limit")

	return cmd
}

func (a *app) request(cmd *cobra.Command, document string) (graphql.Request, error) {
	req := graphql.Request{Query: document, OperationName: a.operationName}

	if document == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return req, errors.Wrap(err, "reading document from stdin")
		}

		req.Query = string(data)
	}

	if a.variables != "" {
		if err := json.Unmarshal([]byte(a.variables), &req.Variables); err != nil {
			return req, errors.Wrap(err, "parsing --variables")
		}
	}

	return req, nil
}

func (a *app) run(cmd *cobra.Command, document string, op func(context.Context, *client.Client, graphql.Request) error) error {
	logger, err := newLogger(a.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(a.v, a.configPath)
	if err != nil {
		return err
	}

	req, err := a.request(cmd, document)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := ws.NewMetrics("gqlws")
	if err := registry.Register(metrics); err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	c, err := client.New(cfg,
		client.WithLogger(logger),
		client.WithMetrics(metrics),
		client.WithAuditLogger(audit.NewAuditLog(logger)),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return op(ctx, c, req)
	})

	if a.opsAddr != "" {
		g.Go(func() error {
			return serveOps(ctx, a.opsAddr, registry, logger)
		})
	}

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl

	return cfg.Build()
}
