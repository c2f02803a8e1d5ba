package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/configdb/internal/dberr"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// failure prints an operation error and converts it to an exit code.
func failure(f *OutputFormatter, err error) error {
	code := "error"
	var fields []string
	var dbe *dberr.Error
	if errors.As(err, &dbe) {
		code = string(dbe.Code)
		fields = dbe.Fields
	}
	_ = f.Error(code, err.Error(), fields)
	return NewExitError(ExitFailure, err.Error())
}

// parseAttrs turns repeated key=value flags into a wire attribute map.
// Values that parse as JSON are taken structurally, so relation lists and
// numbers can be passed as eg. roles='["web","db"]' or ttl=30; anything
// else is a plain string.
func parseAttrs(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("bad attribute %q: want key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			attrs[key] = parsed
		} else {
			attrs[key] = value
		}
	}
	return attrs, nil
}

// printObject renders one object in the text format.
func printObject(f *OutputFormatter, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := obj[k]
		if v == nil {
			continue
		}
		fmt.Fprintf(f.Writer, "%s = %v\n", k, v)
	}
}
