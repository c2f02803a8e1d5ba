package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <entity> <name>",
		Short:         "Fetch one object by name",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			result, err := a.Get(context.Background(), opts.aclContext(), args[0], args[1])
			if err != nil {
				return failure(f, err)
			}
			if f.Format == "json" {
				return f.Success(result)
			}
			printObject(f, result)
			return nil
		},
	}
}
