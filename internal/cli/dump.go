package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/configdb/internal/api"
)

// dumpRecord is one line of a backup stream.
type dumpRecord struct {
	Entity string         `json:"entity"`
	Object map[string]any `json:"object"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:           "dump",
		Short:         "Stream every object as JSON lines for backup",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			w := cmd.OutOrStdout()
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return WrapExitError(ExitCommandError, "creating dump file", err)
				}
				defer file.Close()
				w = file
			}
			n, err := dump(context.Background(), opts, a, w)
			if err != nil {
				return failure(f, err)
			}
			f.VerboseLog("dumped %d object(s)", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// dump writes all objects, ordered so relation targets precede the
// objects referring to them on restore.
func dump(ctx context.Context, opts *RootOptions, a *api.API, w io.Writer) (int, error) {
	sequence, err := a.Schema().DependencySequence()
	if err != nil {
		return 0, err
	}
	actx := opts.aclContext()
	enc := json.NewEncoder(w)
	total := 0
	for _, entity := range sequence {
		objects, err := a.Find(ctx, actx, entity, nil)
		if err != nil {
			return total, err
		}
		for _, obj := range objects {
			if err := enc.Encode(dumpRecord{Entity: entity, Object: obj}); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

// NewLoadCommand creates the load command, the restore side of dump.
func NewLoadCommand(opts *RootOptions) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:           "load",
		Short:         "Restore objects from a dump stream",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd)
			a, closer, err := openAPI(opts)
			if err != nil {
				return err
			}
			defer closer()

			r := cmd.InOrStdin()
			if in != "" {
				file, err := os.Open(in)
				if err != nil {
					return WrapExitError(ExitCommandError, "opening dump file", err)
				}
				defer file.Close()
				r = file
			}
			n, err := restore(context.Background(), opts, a, r)
			if err != nil {
				return failure(f, err)
			}
			f.VerboseLog("restored %d object(s)", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "input", "i", "", "read from file instead of stdin")
	return cmd
}

// restore replays a dump stream. Records already arrive in dependency
// order, but members of a relation onto the record's own entity may not
// exist yet; those relations are withheld from the create and applied in
// a second pass of updates.
func restore(ctx context.Context, opts *RootOptions, a *api.API, r io.Reader) (int, error) {
	actx := opts.aclContext()

	type deferred struct {
		entity string
		name   string
		rels   map[string]any
	}
	var pending []deferred

	total := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec dumpRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return total, fmt.Errorf("bad dump record: %w", err)
		}
		ent := a.Schema().Entity(rec.Entity)
		if ent == nil {
			return total, fmt.Errorf("dump references unknown entity %q", rec.Entity)
		}

		selfRels := make(map[string]any)
		for fieldName, f := range ent.Fields {
			if f.IsRelation() && f.RemoteName == rec.Entity {
				if v, ok := rec.Object[fieldName]; ok && v != nil {
					selfRels[fieldName] = v
					delete(rec.Object, fieldName)
				}
			}
		}

		if _, err := a.Create(ctx, actx, rec.Entity, rec.Object); err != nil {
			return total, err
		}
		total++
		if len(selfRels) > 0 {
			name, _ := rec.Object["name"].(string)
			pending = append(pending, deferred{entity: rec.Entity, name: name, rels: selfRels})
		}
	}
	if err := scanner.Err(); err != nil {
		return total, err
	}

	for _, d := range pending {
		if _, err := a.Update(ctx, actx, d.entity, d.name, d.rels); err != nil {
			return total, err
		}
	}
	return total, nil
}
