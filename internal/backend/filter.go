package backend

import (
	"github.com/roach88/configdb/internal/query"
	"github.com/roach88/configdb/internal/schema"
)

// MatchObject reports whether an object satisfies every criterion. This is
// the reference post-filter: adapters that cannot push a criterion down to
// their native query mechanism must filter with these exact semantics so
// results are identical regardless of backend.
//
// A criterion on a relation field matches if any member of the target-name
// set matches.
func MatchObject(ent *schema.Entity, q map[string]query.Criteria, obj *Object) bool {
	for name, c := range q {
		f := ent.Field(name)
		if f == nil {
			return false
		}
		if f.IsRelation() {
			if !query.MatchAny(c, obj.Rels[name]) {
				return false
			}
			continue
		}
		if !c.Match(obj.Attrs[name]) {
			return false
		}
	}
	return true
}

// FilterObjects applies MatchObject over a candidate list.
func FilterObjects(ent *schema.Entity, q map[string]query.Criteria, objs []*Object) []*Object {
	out := make([]*Object, 0, len(objs))
	for _, o := range objs {
		if MatchObject(ent, q, o) {
			out = append(out, o)
		}
	}
	return out
}
