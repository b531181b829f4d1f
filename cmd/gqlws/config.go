package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/uswitch/gqlws/pkg/client"
)

//go:embed config.schema.json
var configSchema []byte

// flag name to config key
var configFlags = map[string]string{
	"http-url":           "http_url",
	"websocket-url":      "websocket_url",
	"query-transport":    "query_transport",
	"mutation-transport": "mutation_transport",
	"use-get":            "use_get_for_queries",
	"header":             "headers",
	"bearer-token":       "bearer_token",
	"handshake-timeout":  "handshake_timeout",
	"write-timeout":      "write_timeout",
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.String("http-url", "", "GraphQL HTTP endpoint")
	flags.String("websocket-url", "", "GraphQL websocket endpoint")
	flags.String("query-transport", "", "transport for queries: http or socket")
	flags.String("mutation-transport", "", "transport for mutations: http or socket")
	flags.Bool("use-get", false, "send HTTP queries as GET requests")
	flags.StringToString("header", nil, "extra request header, may be repeated")
	flags.String("bearer-token", "", "bearer token sent with every request")
	flags.Duration("handshake-timeout", 0, "how long to wait for connection_ack")
	flags.Duration("write-timeout", 0, "deadline for each socket write")
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("GQLWS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for flag, key := range configFlags {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, errors.Wrapf(err, "binding flag %s", flag)
		}
	}

	return v, nil
}

func validateSchema(cfg client.Config) error {
	rs := &jsonschema.RootSchema{}
	if err := json.Unmarshal(configSchema, rs); err != nil {
		return errors.Wrap(err, "loading config schema")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	valErrs, err := rs.ValidateBytes(data)
	if err != nil {
		return errors.Wrap(err, "validating config")
	}

	if len(valErrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(valErrs))
	for _, valErr := range valErrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", valErr.PropertyPath, valErr.Message))
	}

	return errors.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// loadConfig merges flags, GQLWS_ environment variables and the optional
// config file, in that order of precedence.
func loadConfig(v *viper.Viper, path string) (client.Config, error) {
	var cfg client.Config

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}

	if err := validateSchema(cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}
