// Package acl implements the access-control rule grammar and evaluator.
//
// An ACL holds an ordered rule list per operation (read or write); access is
// granted if any rule for that operation matches the authorization context.
// The package has no dependency on storage: rules evaluate against a Target,
// a minimal view of a database object.
package acl

import (
	"strings"

	"github.com/roach88/configdb/internal/dberr"
)

// Op is an access operation.
type Op string

const (
	// OpRead gates read access.
	OpRead Op = "r"
	// OpWrite gates modify, create and delete access.
	OpWrite Op = "w"
)

// Target is the object an ACL rule is evaluated against.
// Backend objects implement it; a nil Target means "no specific object"
// (e.g. authorizing a create or a find at the entity level).
type Target interface {
	// ObjectName returns the object's primary name.
	ObjectName() string

	// Relation returns the set of target-object names held by the named
	// relation field, or nil if the object has no such relation.
	Relation(field string) []string
}

// Context binds the per-request authorization information: the username, the
// group memberships, and an optional "self" object used by the @self and
// relation-match rules. It is constructed once per request and is immutable
// except for the single SetSelf call during construction.
type Context struct {
	user   string
	groups map[string]struct{}
	self   Target
}

// NewContext creates an authorization context for a user and its groups.
func NewContext(user string, groups []string) *Context {
	gs := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		gs[g] = struct{}{}
	}
	return &Context{user: user, groups: gs}
}

// SetSelf binds the object representing the authenticated principal.
func (c *Context) SetSelf(obj Target) { c.self = obj }

// Self returns the bound self object, or nil.
func (c *Context) Self() Target { return c.self }

// Username returns the context's username.
func (c *Context) Username() string { return c.user }

// InGroup reports whether the context is a member of the named group.
func (c *Context) InGroup(group string) bool {
	_, ok := c.groups[group]
	return ok
}

// IsSelf reports whether obj is the context's bound self object.
func (c *Context) IsSelf(obj Target) bool {
	return obj != nil && c.self != nil && c.self.ObjectName() == obj.ObjectName()
}

// Rule is a single ACL predicate.
type Rule interface {
	// Match reports whether the rule grants access for the given context
	// and target object (obj may be nil).
	Match(ctx *Context, obj Target) bool
}

// ruleAny grants access unconditionally ("*").
type ruleAny struct{}

func (ruleAny) Match(*Context, Target) bool { return true }

// ruleNone denies access unconditionally ("!").
type ruleNone struct{}

func (ruleNone) Match(*Context, Target) bool { return false }

// ruleMatchUser grants access to one exact username ("user/<name>").
type ruleMatchUser struct{ user string }

func (r ruleMatchUser) Match(ctx *Context, _ Target) bool {
	return ctx.user == r.user
}

// ruleMatchGroup grants access to members of a group ("group/<name>").
type ruleMatchGroup struct{ group string }

func (r ruleMatchGroup) Match(ctx *Context, _ Target) bool {
	return ctx.InGroup(r.group)
}

// ruleMatchSelf grants access when the target object is the context's bound
// self object ("@self").
type ruleMatchSelf struct{}

func (ruleMatchSelf) Match(ctx *Context, obj Target) bool {
	return ctx.IsSelf(obj)
}

// ruleMatchRelation grants access when the context's self object appears in
// the target object's named relation ("@<relname>"). Used for ownership-style
// checks. With no target object the rule matches, leaving the decision to an
// object-level check later.
type ruleMatchRelation struct{ field string }

func (r ruleMatchRelation) Match(ctx *Context, obj Target) bool {
	if obj == nil {
		return true
	}
	self := ctx.Self()
	if self == nil {
		return false
	}
	for _, name := range obj.Relation(r.field) {
		if name == self.ObjectName() {
			return true
		}
	}
	return false
}

// ACL holds the parsed rule lists per operation.
type ACL struct {
	rules map[Op][]Rule
}

// Check reports whether any configured rule for op matches.
func (a *ACL) Check(ctx *Context, op Op, obj Target) bool {
	for _, r := range a.rules[op] {
		if r.Match(ctx, obj) {
			return true
		}
	}
	return false
}

// parseRules parses a comma-separated rule list.
func parseRules(spec string) ([]Rule, error) {
	var rules []Rule
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "*":
			rules = append(rules, ruleAny{})
		case entry == "!":
			rules = append(rules, ruleNone{})
		case entry == "@self":
			rules = append(rules, ruleMatchSelf{})
		case strings.HasPrefix(entry, "@"):
			rules = append(rules, ruleMatchRelation{field: entry[1:]})
		case strings.HasPrefix(entry, "group/"):
			rules = append(rules, ruleMatchGroup{group: entry[len("group/"):]})
		case strings.HasPrefix(entry, "user/"):
			rules = append(rules, ruleMatchUser{user: entry[len("user/"):]})
		default:
			return nil, dberr.NewSchema("unknown ACL entry %q", entry)
		}
	}
	return rules, nil
}

// Parse parses an ACL specification, a map from operation ("r" or "w") to a
// comma-separated rule list. Operations not named in the spec default to
// allow-any. Any other key is a schema error.
func Parse(spec map[string]string) (*ACL, error) {
	rules := map[Op][]Rule{
		OpRead:  {ruleAny{}},
		OpWrite: {ruleAny{}},
	}
	for op, s := range spec {
		if op != string(OpRead) && op != string(OpWrite) {
			return nil, dberr.NewSchema("unknown ACL op %q", op)
		}
		rs, err := parseRules(s)
		if err != nil {
			return nil, err
		}
		rules[Op(op)] = rs
	}
	return &ACL{rules: rules}, nil
}

// DefaultAllow returns the schema-wide fallback ACL (read and write open).
func DefaultAllow() *ACL {
	a, _ := Parse(map[string]string{"r": "*", "w": "*"})
	return a
}
