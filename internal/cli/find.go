package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewFindCommand creates the find command.
func NewFindCommand(opts *RootOptions) *cobra.Command {
	var eq, sub, re []string
	cmd := &cobra.Command{
		Use:           "find <entity>",
		Short:         "List objects matching criteria",
		Long:          "List every object of an entity satisfying all given criteria.\nWithout criteria, all objects of the entity are returned.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			spec, err := buildQuerySpec(eq, sub, re)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad query", err)
			}
			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			results, err := a.Find(context.Background(), opts.aclContext(), args[0], spec)
			if err != nil {
				return failure(f, err)
			}
			if f.Format == "json" {
				return f.Success(results)
			}
			for i, obj := range results {
				if i > 0 {
					fmt.Fprintln(f.Writer)
				}
				printObject(f, obj)
			}
			f.VerboseLog("%d object(s)", len(results))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&eq, "eq", nil, "equality criterion field=value (repeatable)")
	cmd.Flags().StringArrayVar(&sub, "substring", nil, "substring criterion field=value (repeatable)")
	cmd.Flags().StringArrayVar(&re, "regexp", nil, "regexp criterion field=pattern (repeatable)")
	return cmd
}

func buildQuerySpec(eq, sub, re []string) (map[string]map[string]any, error) {
	spec := make(map[string]map[string]any)
	add := func(pairs []string, kind, key string) error {
		for _, pair := range pairs {
			field, value, ok := strings.Cut(pair, "=")
			if !ok || field == "" {
				return fmt.Errorf("bad criterion %q: want field=value", pair)
			}
			if _, dup := spec[field]; dup {
				return fmt.Errorf("duplicate criterion for field %q", field)
			}
			spec[field] = map[string]any{"type": kind, key: value}
		}
		return nil
	}
	if err := add(eq, "eq", "value"); err != nil {
		return nil, err
	}
	if err := add(sub, "substring", "value"); err != nil {
		return nil, err
	}
	if err := add(re, "regexp", "pattern"); err != nil {
		return nil, err
	}
	return spec, nil
}
