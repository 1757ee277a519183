package perm

import (
	"reflect"
	"strings"
)

// evalConditions reports whether every condition of a permission holds
// against the check context. Permissions with no conditions always match.
func evalConditions(conds []Condition, pc *Context) bool {
	for i := range conds {
		if !evalCondition(&conds[i], pc) {
			return false
		}
	}
	return true
}

func evalCondition(c *Condition, pc *Context) bool {
	actual, present := resolvePath(c.Field, pc)
	expected := c.Value
	// A string value rooted at a known context prefix is a reference to
	// another context field, e.g. "resource.clinicId".
	if ref, ok := expected.(string); ok && isPathRef(ref) {
		expected, _ = resolvePath(ref, pc)
	}

	switch c.Operator {
	case OpEq:
		return present && looseEqual(actual, expected)
	case OpNe:
		return !present || !looseEqual(actual, expected)
	case OpIn:
		return present && memberOf(expected, actual)
	case OpNin:
		return !present || !memberOf(expected, actual)
	case OpContains:
		return present && contains(actual, expected)
	case OpStartsWith:
		s, ok1 := actual.(string)
		prefix, ok2 := expected.(string)
		return present && ok1 && ok2 && strings.HasPrefix(s, prefix)
	case OpEndsWith:
		s, ok1 := actual.(string)
		suffix, ok2 := expected.(string)
		return present && ok1 && ok2 && strings.HasSuffix(s, suffix)
	case OpExists:
		want := true
		if b, ok := expected.(bool); ok {
			want = b
		}
		return present == want
	case OpCustom:
		return c.Custom != nil && c.Custom(actual, pc)
	default:
		return false
	}
}

func isPathRef(s string) bool {
	return strings.HasPrefix(s, "user.") ||
		strings.HasPrefix(s, "resource.") ||
		strings.HasPrefix(s, "env.")
}

// resolvePath looks up a dotted path in the check context. Roots: user,
// resource, env; anything else is resolved against the additional context.
func resolvePath(path string, pc *Context) (any, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "user":
		return lookup(userFields(&pc.User), parts[1:])
	case "resource":
		return lookup(pc.Resource, parts[1:])
	case "env":
		return lookup(envFields(&pc.Environment), parts[1:])
	default:
		if v, ok := pc.Additional[path]; ok {
			return v, true
		}
		return lookup(pc.Additional, parts)
	}
}

func lookup(obj map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return obj, obj != nil
	}
	var current any = obj
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func userFields(u *User) map[string]any {
	roles := make([]any, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = r
	}
	return map[string]any{
		"id":       u.ID,
		"tenantId": u.TenantID,
		"roles":    roles,
		"metadata": u.Metadata,
	}
}

func envFields(e *Environment) map[string]any {
	return map[string]any{
		"ip":        e.IP,
		"userAgent": e.UserAgent,
		"timestamp": e.Timestamp,
		"sessionId": e.SessionID,
	}
}

// looseEqual compares values with numeric coercion, since values that
// round-trip through JSON arrive as float64. The fallback is a deep
// comparison: resource attributes and condition values are document-store
// data and may hold maps or slices, which `==` cannot compare.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// memberOf reports whether needle is an element of the haystack slice.
func memberOf(haystack, needle any) bool {
	items, ok := toSlice(haystack)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, needle) {
			return true
		}
	}
	return false
}

// contains handles both substring checks and slice membership, mirroring the
// double duty the operator performs on string and list fields.
func contains(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		sub, ok := expected.(string)
		return ok && strings.Contains(s, sub)
	}
	items, ok := toSlice(actual)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, expected) {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
