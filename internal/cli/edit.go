package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:           "create <entity> <name>",
		Short:         "Create an object",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			data, err := parseAttrs(attrs)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad attributes", err)
			}
			data["name"] = args[1]

			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			result, err := a.Create(context.Background(), opts.aclContext(), args[0], data)
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
	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute key=value (repeatable)")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:           "update <entity> <name>",
		Short:         "Update an object's attributes",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			data, err := parseAttrs(attrs)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad attributes", err)
			}
			if len(data) == 0 {
				return NewExitError(ExitCommandError, "no attributes given")
			}

			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			result, err := a.Update(context.Background(), opts.aclContext(), args[0], args[1], data)
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
	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute key=value (repeatable)")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <entity> <name>",
		Short:         "Delete an object (succeeds if already absent)",
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

			if err := a.Delete(context.Background(), opts.aclContext(), args[0], args[1]); err != nil {
				return failure(f, err)
			}
			if f.Format == "json" {
				return f.Success(true)
			}
			fmt.Fprintln(f.Writer, "deleted")
			return nil
		},
	}
}
