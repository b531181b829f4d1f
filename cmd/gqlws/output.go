package main

import (
	"encoding/json"
	"io"

	"github.com/kr/pretty"
	"github.com/pkg/errors"

	"github.com/uswitch/gqlws/pkg/graphql"
)

const (
	formatJSON   = "json"
	formatPretty = "pretty"
)

func printResponse(w io.Writer, format string, resp *graphql.Response) error {
	switch format {
	case formatJSON:
		return json.NewEncoder(w).Encode(resp)
	case formatPretty:
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}

		var generic map[string]interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}

		_, err = pretty.Fprintf(w, "%# v\n", generic)
		return err
	}

	return errors.Errorf("unknown format %q", format)
}
