package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/configdb/internal/schema"
)

// LoadSchema reads a schema definition from disk. A .json file is used
// as-is; a .cue file is evaluated and its concrete value exported to
// JSON first, so schemas can be written with CUE's templating and
// constraint sugar.
func LoadSchema(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if filepath.Ext(path) == ".cue" {
		data, err = cueToJSON(path, data)
		if err != nil {
			return nil, err
		}
	}
	return schema.Load(data)
}

func cueToJSON(path string, src []byte) ([]byte, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("evaluating schema: %w", err)
	}
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("validating schema: %w", err)
	}
	data, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("exporting schema: %w", err)
	}
	return data, nil
}
