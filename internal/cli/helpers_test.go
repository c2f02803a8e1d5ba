package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{
		"ip=1.2.3.4",
		"memory=512",
		"active=true",
		`roles=["web","db"]`,
		"note=plain text",
		"empty=",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ip":     "1.2.3.4",
		"memory": float64(512),
		"active": true,
		"roles":  []any{"web", "db"},
		"note":   "plain text",
		"empty":  "",
	}, attrs)
}

func TestParseAttrs_Errors(t *testing.T) {
	_, err := parseAttrs([]string{"noequals"})
	require.Error(t, err)

	_, err = parseAttrs([]string{"=value"})
	require.Error(t, err)
}

func TestPrintObject(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	printObject(f, map[string]any{
		"name":   "obz",
		"ip":     "1.2.3.4",
		"memory": nil,
	})
	assert.Equal(t, "ip = 1.2.3.4\nname = obz\n", buf.String(), "sorted, nils skipped")
}
