// Package variables resolves template placeholder values per recipient.
package variables

import (
	"sort"
	"strconv"
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// DefaultFallback is used when a bound contact field is empty and the
// binding carries no fallback of its own.
const DefaultFallback = "Customer"

// Resolve binds every placeholder in b for one recipient. It never fails:
// unknown or empty fields fall back to a default value.
func Resolve(b model.VariableBindings, c model.ResolvedContact) model.ResolvedVariables {
	return model.ResolvedVariables{
		Header: resolveSet(b.Header, c),
		Body:   resolveSet(b.Body, c),
	}
}

func resolveSet(bindings map[string]model.Binding, c model.ResolvedContact) map[string]string {
	if len(bindings) == 0 {
		return nil
	}
	out := make(map[string]string, len(bindings))
	for key, b := range bindings {
		out[key] = resolveOne(b, c)
	}
	return out
}

func resolveOne(b model.Binding, c model.ResolvedContact) string {
	var v string
	switch b.Source {
	case model.BindingField:
		v = FieldValue(c, b.Field)
	default:
		v = b.Value
	}
	if strings.TrimSpace(v) != "" {
		return v
	}
	if b.Fallback != "" {
		return b.Fallback
	}
	return DefaultFallback
}

// FieldValue looks up a named contact field. Names are case-insensitive;
// anything not built in is read from the contact's extra fields.
func FieldValue(c model.ResolvedContact, field string) string {
	f := strings.ToLower(strings.TrimSpace(field))
	switch f {
	case "name", "full_name":
		return c.Name
	case "first_name":
		if v := c.Fields["first_name"]; v != "" {
			return v
		}
		if i := strings.IndexByte(c.Name, ' '); i > 0 {
			return c.Name[:i]
		}
		return c.Name
	case "phone", "phone_number":
		return c.Phone
	case "email":
		return c.Email
	}
	if v, ok := c.Fields[field]; ok {
		return v
	}
	return c.Fields[f]
}

// Ordered returns values sorted by numeric placeholder key. The provider
// binds parameters by position, so "10" must follow "9". Non-numeric keys
// sort after numeric ones, lexically.
func Ordered(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = values[k]
	}
	return out
}
