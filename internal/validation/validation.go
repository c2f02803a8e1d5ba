// Package validation maps validator names from the schema definition to
// checker functions. A checker passes nil and empty values through unchanged
// (fields are optional unless the schema marks them non-nullable), checks
// non-empty values, and coerces them to a canonical in-memory type.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	playground "github.com/go-playground/validator/v10"

	"github.com/roach88/configdb/internal/dberr"
)

// InvalidError reports a failed validation with a human-readable reason.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

func invalidf(format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Func checks a single field value and returns its canonical form.
type Func func(value any) (any, error)

// tagged validators (email, url, ip, ...) share one engine instance.
var tagCheck = playground.New()

// empty reports whether a value counts as absent for validation purposes.
func empty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

// wrap makes a checker skip absent values.
func wrap(fn Func) Func {
	return func(value any) (any, error) {
		if empty(value) {
			return value, nil
		}
		return fn(value)
	}
}

func checkInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, invalidf("not an integer: %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, invalidf("not an integer: %q", v)
		}
		return n, nil
	}
	return nil, invalidf("not an integer: %v", value)
}

func checkNumber(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, invalidf("not a number: %q", v)
		}
		return f, nil
	}
	return nil, invalidf("not a number: %v", value)
}

func checkBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, nil
		case "false", "f", "no", "n", "off", "0":
			return false, nil
		}
		return nil, invalidf("not a boolean: %q", v)
	case float64:
		return v != 0, nil
	case int64:
		return v != 0, nil
	}
	return nil, invalidf("not a boolean: %v", value)
}

func checkString(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, invalidf("not a string: %v", value)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalidf("empty string")
	}
	return s, nil
}

// checkTag validates a string value against a go-playground tag.
func checkTag(tag string) Func {
	return func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, invalidf("not a string: %v", value)
		}
		if err := tagCheck.Var(s, tag); err != nil {
			return nil, invalidf("not a valid %s: %q", tag, s)
		}
		return s, nil
	}
}

// checkRelation accepts nil, an empty list, or a list of strings, and
// promotes a bare string to a one-element list.
func checkRelation(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalidf("relation not a list of strings")
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, invalidf("relation not a list of strings")
}

var named = map[string]Func{
	"int":      wrap(checkInt),
	"bool":     wrap(checkBool),
	"number":   wrap(checkNumber),
	"string":   wrap(checkString),
	"email":    wrap(checkTag("email")),
	"url":      wrap(checkTag("url")),
	"ip":       wrap(checkTag("ip4_addr")),
	"ip6":      wrap(checkTag("ip6_addr")),
	"cidr":     wrap(checkTag("cidr")),
	"relation": checkRelation,
}

// Lookup resolves a validator name to a checker. Names not in the table are
// treated as regular-expression patterns; an uncompilable pattern is a
// schema error.
func Lookup(name string) (Func, error) {
	if fn, ok := named[strings.ToLower(name)]; ok {
		return fn, nil
	}
	re, err := regexp.Compile(name)
	if err != nil {
		return nil, dberr.NewSchema("invalid validator pattern %q: %v", name, err)
	}
	return wrap(func(value any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, invalidf("not a string: %v", value)
		}
		if !re.MatchString(s) {
			return nil, invalidf("value %q does not match %q", s, name)
		}
		return s, nil
	}), nil
}
