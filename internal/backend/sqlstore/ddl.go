package sqlstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/configdb/internal/schema"
)

// colType maps a field type to its SQLite column affinity. Datetime values
// are stored as RFC 3339 text, booleans as 0/1.
func colType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt, schema.TypeBool:
		return "INTEGER"
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBinary:
		return "BLOB"
	}
	return "TEXT"
}

// scalarFields returns an entity's non-relation fields in a fixed order, so
// generated statements and scans always agree on column positions.
func scalarFields(e *schema.Entity) []*schema.Field {
	var out []*schema.Field
	for _, f := range e.Fields {
		if !f.IsRelation() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// relationFields returns an entity's relation fields sorted by name.
func relationFields(e *schema.Entity) []*schema.Field {
	var out []*schema.Field
	for _, f := range e.Fields {
		if f.IsRelation() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// assocTable names the shared association table for a relation. Both
// directions of a relation pair (disambiguated by the identifier attribute)
// map onto the same table; the lexicographically smaller entity owns the
// left column.
func assocTable(f *schema.Field) (table, left, right string) {
	a, b := f.LocalName, f.RemoteName
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s_%s_assoc_%s", a, b, f.RelationID), a, b
}

// localIsLeft reports whether the relation's declaring entity owns the left
// column of its association table.
func localIsLeft(f *schema.Field) bool {
	_, left, _ := assocTable(f)
	return f.LocalName == left
}

// generateDDL derives the physical layout from the schema.
func generateDDL(s *schema.Schema) []string {
	var stmts []string
	seenAssoc := make(map[string]struct{})

	for _, e := range s.AllEntities() {
		var cols []string
		cols = append(cols, "id INTEGER PRIMARY KEY AUTOINCREMENT")
		for _, f := range scalarFields(e) {
			col := fmt.Sprintf("%q %s", f.Name, colType(f.Type))
			if !f.Nullable() {
				col += " NOT NULL"
			}
			if unique, _ := f.Attrs["unique"].(bool); unique {
				col += " UNIQUE"
			}
			cols = append(cols, col)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)",
			e.Name, strings.Join(cols, ", ")))

		for _, f := range scalarFields(e) {
			if index, _ := f.Attrs["index"].(bool); index {
				stmts = append(stmts, fmt.Sprintf(
					"CREATE INDEX IF NOT EXISTS %q ON %q (%q)",
					"idx_"+e.Name+"_"+f.Name, e.Name, f.Name))
			}
		}

		for _, f := range relationFields(e) {
			table, left, right := assocTable(f)
			if _, dup := seenAssoc[table]; dup {
				// The complementary relation already defined it.
				continue
			}
			seenAssoc[table] = struct{}{}
			stmts = append(stmts, fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %q ("+
					"left_id INTEGER NOT NULL REFERENCES %q(id) ON DELETE CASCADE, "+
					"right_id INTEGER NOT NULL REFERENCES %q(id) ON DELETE CASCADE, "+
					"UNIQUE(left_id, right_id))",
				table, left, right))
		}
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS "_audit" (`+
			`id TEXT PRIMARY KEY, `+
			`entity TEXT NOT NULL, `+
			`object TEXT NOT NULL, `+
			`op TEXT NOT NULL, `+
			`user TEXT NOT NULL, `+
			`data TEXT, `+
			`stamp TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS "idx_audit_entity" ON "_audit" (entity)`,
		`CREATE INDEX IF NOT EXISTS "idx_audit_object" ON "_audit" (object)`,
		`CREATE INDEX IF NOT EXISTS "idx_audit_op" ON "_audit" (op)`,
		`CREATE INDEX IF NOT EXISTS "idx_audit_user" ON "_audit" (user)`,
	)
	return stmts
}
