package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/configdb/internal/backend"
	"github.com/roach88/configdb/internal/dberr"
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

// session wraps one native transaction.
type session struct {
	store *Store
	tx    *sql.Tx
}

func (s *session) entity(name string) (*schema.Entity, error) {
	ent := s.store.schema.Entity(name)
	if ent == nil {
		return nil, dberr.NewNotFound(name)
	}
	return ent, nil
}

func (s *session) GetByName(ctx context.Context, entity, name string) (*backend.Object, bool, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, false, err
	}
	fields := scalarFields(ent)
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%q", f.Name))
	}

	dest := make([]any, len(fields)+1)
	var id int64
	dest[0] = &id
	raw := make([]any, len(fields))
	for i := range raw {
		dest[i+1] = &raw[i]
	}

	row := s.tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, %s FROM %q WHERE name = ?",
		strings.Join(cols, ", "), entity), name)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, translate(err)
	}

	attrs := make(map[string]any, len(fields))
	for i, f := range fields {
		v, err := fromColumn(f, raw[i])
		if err != nil {
			return nil, false, dberr.NewStorage(err)
		}
		attrs[f.Name] = v
	}
	obj, err := backend.NewObject(ent, attrs)
	if err != nil {
		return nil, false, err
	}
	obj.StorageRef = id
	if err := s.loadRelations(ctx, ent, id, obj); err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// loadRelations fills an object's relation sets from the association tables.
func (s *session) loadRelations(ctx context.Context, ent *schema.Entity, id int64, obj *backend.Object) error {
	for _, f := range relationFields(ent) {
		table, _, _ := assocTable(f)
		var stmt string
		if localIsLeft(f) {
			stmt = fmt.Sprintf(
				"SELECT r.name FROM %q a JOIN %q r ON r.id = a.right_id WHERE a.left_id = ?",
				table, f.RemoteName)
		} else {
			stmt = fmt.Sprintf(
				"SELECT r.name FROM %q a JOIN %q r ON r.id = a.left_id WHERE a.right_id = ?",
				table, f.RemoteName)
		}
		rows, err := s.tx.QueryContext(ctx, stmt, id)
		if err != nil {
			return translate(err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return translate(err)
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return translate(err)
		}
		rows.Close()
		obj.SetRelation(f.Name, names)
	}
	return nil
}

func (s *session) resolveID(ctx context.Context, entity, name string) (int64, bool, error) {
	var id int64
	err := s.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id FROM %q WHERE name = ?", entity), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate(err)
	}
	return id, true, nil
}

func (s *session) Create(ctx context.Context, entity string, attrs map[string]any) (*backend.Object, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	obj, err := backend.NewObject(ent, attrs)
	if err != nil {
		return nil, err
	}

	var cols []string
	var marks []string
	var args []any
	for _, f := range scalarFields(ent) {
		v, err := toColumn(f, obj.Attrs[f.Name])
		if err != nil {
			return nil, dberr.NewStorage(err)
		}
		cols = append(cols, fmt.Sprintf("%q", f.Name))
		marks = append(marks, "?")
		args = append(args, v)
	}
	res, err := s.tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s)",
		entity, strings.Join(cols, ", "), strings.Join(marks, ", ")), args...)
	if err != nil {
		return nil, translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, translate(err)
	}
	obj.StorageRef = id

	for _, f := range relationFields(ent) {
		if err := s.writeEdges(ctx, f, id, obj.Rels[f.Name]); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (s *session) Update(ctx context.Context, obj *backend.Object) error {
	ent, err := s.entity(obj.EntityName)
	if err != nil {
		return err
	}
	id, ok := obj.StorageRef.(int64)
	if !ok {
		id, ok, err = s.resolveID(ctx, obj.EntityName, obj.Name)
		if err != nil {
			return err
		}
		if !ok {
			return dberr.NewNotFound(obj.EntityName + "/" + obj.Name)
		}
	}

	var sets []string
	var args []any
	for _, f := range scalarFields(ent) {
		v, err := toColumn(f, obj.Attrs[f.Name])
		if err != nil {
			return dberr.NewStorage(err)
		}
		sets = append(sets, fmt.Sprintf("%q = ?", f.Name))
		args = append(args, v)
	}
	args = append(args, id)
	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %q SET %s WHERE id = ?",
		obj.EntityName, strings.Join(sets, ", ")), args...); err != nil {
		return translate(err)
	}

	for _, f := range relationFields(ent) {
		if err := s.clearEdges(ctx, f, id); err != nil {
			return err
		}
		if err := s.writeEdges(ctx, f, id, obj.Rels[f.Name]); err != nil {
			return err
		}
	}
	return nil
}

// writeEdges inserts association rows for every member of a relation set.
// A member that does not resolve to an existing target is a relation error.
func (s *session) writeEdges(ctx context.Context, f *schema.Field, localID int64, members []string) error {
	table, _, _ := assocTable(f)
	for _, name := range members {
		remoteID, ok, err := s.resolveID(ctx, f.RemoteName, name)
		if err != nil {
			return err
		}
		if !ok {
			return dberr.NewRelation("no such object, %s=%s", f.RemoteName, name)
		}
		left, right := localID, remoteID
		if !localIsLeft(f) {
			left, right = remoteID, localID
		}
		if _, err := s.tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT OR IGNORE INTO %q (left_id, right_id) VALUES (?, ?)",
			table), left, right); err != nil {
			return translate(err)
		}
	}
	return nil
}

// clearEdges removes all association rows on the object's side of a relation.
func (s *session) clearEdges(ctx context.Context, f *schema.Field, localID int64) error {
	table, _, _ := assocTable(f)
	col := "left_id"
	if !localIsLeft(f) {
		col = "right_id"
	}
	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %q WHERE %s = ?", table, col), localID); err != nil {
		return translate(err)
	}
	return nil
}

func (s *session) Delete(ctx context.Context, entity, name string) error {
	if _, err := s.entity(entity); err != nil {
		return err
	}
	id, ok, err := s.resolveID(ctx, entity, name)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.NewNotFound(entity + "/" + name)
	}
	// Association rows follow via ON DELETE CASCADE.
	if _, err := s.tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %q WHERE id = ?", entity), id); err != nil {
		return translate(err)
	}
	return nil
}

// Find pushes equality and substring criteria on scalar fields down to SQL;
// everything else (regexp, relation criteria) is post-filtered with the
// reference semantics.
func (s *session) Find(ctx context.Context, entity string, q map[string]query.Criteria) ([]*backend.Object, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	post := make(map[string]query.Criteria)
	for name, c := range q {
		f := ent.Field(name)
		if f == nil || f.IsRelation() {
			post[name] = c
			continue
		}
		switch crit := c.(type) {
		case query.Equals:
			col, err := toColumn(f, crit.Value)
			if err != nil {
				post[name] = c
				continue
			}
			where = append(where, fmt.Sprintf("%q = ?", name))
			args = append(args, col)
		case query.Substring:
			if !textColumn(f) {
				post[name] = c
				continue
			}
			where = append(where, fmt.Sprintf("%q LIKE ? ESCAPE '\\'", name))
			args = append(args, "%"+escapeLike(crit.Value)+"%")
		default:
			post[name] = c
		}
	}

	fields := scalarFields(ent)
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%q", f.Name))
	}
	stmt := fmt.Sprintf("SELECT id, %s FROM %q", strings.Join(cols, ", "), entity)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translate(err)
	}
	type rowData struct {
		id    int64
		attrs map[string]any
	}
	var scanned []rowData
	for rows.Next() {
		dest := make([]any, len(fields)+1)
		var id int64
		dest[0] = &id
		raw := make([]any, len(fields))
		for i := range raw {
			dest[i+1] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, translate(err)
		}
		attrs := make(map[string]any, len(fields))
		for i, f := range fields {
			v, err := fromColumn(f, raw[i])
			if err != nil {
				rows.Close()
				return nil, dberr.NewStorage(err)
			}
			attrs[f.Name] = v
		}
		scanned = append(scanned, rowData{id: id, attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, translate(err)
	}
	rows.Close()

	var out []*backend.Object
	for _, r := range scanned {
		obj, err := backend.NewObject(ent, r.attrs)
		if err != nil {
			return nil, err
		}
		obj.StorageRef = r.id
		if err := s.loadRelations(ctx, ent, r.id, obj); err != nil {
			return nil, err
		}
		if backend.MatchObject(ent, post, obj) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// stampLayout keeps a fixed-width fraction so the TEXT column's lexical
// order is chronological; RFC3339Nano trims trailing zeros and would
// sort "...05.1Z" after "...05.15Z".
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *session) AddAudit(ctx context.Context, entry *backend.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	stamp := entry.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	var data any
	if entry.Data != "" {
		data = entry.Data
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO "_audit" (id, entity, object, op, user, data, stamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entry.Entity, entry.Object, entry.Op, entry.User, data,
		stamp.UTC().Format(stampLayout)); err != nil {
		return translate(err)
	}
	return nil
}

func (s *session) GetAudit(ctx context.Context, q backend.AuditQuery) ([]*backend.AuditEntry, error) {
	var where []string
	var args []any
	for col, v := range map[string]string{
		"entity": q.Entity, "object": q.Object, "op": q.Op, "user": q.User,
	} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	stmt := `SELECT id, entity, object, op, user, data, stamp FROM "_audit"`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY stamp DESC"

	rows, err := s.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*backend.AuditEntry
	for rows.Next() {
		var e backend.AuditEntry
		var data sql.NullString
		var stamp string
		if err := rows.Scan(&e.ID, &e.Entity, &e.Object, &e.Op, &e.User, &data, &stamp); err != nil {
			return nil, translate(err)
		}
		e.Data = data.String
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			e.Stamp = t
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// textColumn reports whether a field's column holds text. Substring
// criteria push down as LIKE only for these; on numeric or datetime
// columns LIKE would coerce the value to text and match rows the
// reference filter rejects, so those stay in the post-filter.
func textColumn(f *schema.Field) bool {
	switch f.Type {
	case schema.TypeString, schema.TypePassword, schema.TypeText:
		return true
	}
	return false
}

// escapeLike escapes LIKE wildcards so substring criteria match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
