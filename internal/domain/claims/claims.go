// Package claims holds the verified identity attributes used as the ABAC subject.
package claims

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known claim names.
const (
	Subject = "sub"
	Issuer  = "iss"
)

// Claims is an immutable view over the payload of a verified token.
// The zero value is the anonymous caller: it holds no claims at all.
type Claims struct {
	values map[string]any
}

// Anonymous returns the claims of an unauthenticated caller.
func Anonymous() Claims {
	return Claims{}
}

// New copies values into a new Claims. A nil or empty map yields anonymous claims.
func New(values map[string]any) Claims {
	if len(values) == 0 {
		return Claims{}
	}
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Claims{values: cp}
}

// FromJSON decodes a JSON object into Claims. Unknown claims are kept verbatim.
func FromJSON(data []byte) (Claims, error) {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return Claims{}, fmt.Errorf("decode claims: %w", err)
	}
	return New(values), nil
}

// IsAnonymous reports whether no claims are present.
func (c Claims) IsAnonymous() bool {
	return len(c.values) == 0
}

// Has reports whether the claim is present, whatever its value.
func (c Claims) Has(name string) bool {
	_, ok := c.values[name]
	return ok
}

// Get returns the raw claim value.
func (c Claims) Get(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Subject returns the "sub" claim.
func (c Claims) Subject() (string, bool) {
	return c.String(Subject)
}

// IssuerName returns the "iss" claim.
func (c Claims) IssuerName() (string, bool) {
	return c.String(Issuer)
}

// String returns the string form of a scalar claim.
// Lists and objects have no string form.
func (c Claims) String(name string) (string, bool) {
	v, ok := c.values[name]
	if !ok {
		return "", false
	}
	return scalarString(v)
}

// List returns the claim as a list of strings. String claims are split on
// commas with surrounding whitespace trimmed from every element.
func (c Claims) List(name string) ([]string, bool) {
	v, ok := c.values[name]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, true
	case []string:
		return append([]string(nil), t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := scalarString(e); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		s, ok := scalarString(v)
		if !ok {
			return nil, false
		}
		return []string{s}, true
	}
}

// Equals reports whether the claim is present and its string form is exactly value.
func (c Claims) Equals(name, value string) bool {
	s, ok := c.String(name)
	return ok && s == value
}

// Includes reports whether value is an element of the claim's list form.
func (c Claims) Includes(name, value string) bool {
	list, ok := c.List(name)
	if !ok {
		return false
	}
	for _, e := range list {
		if e == value {
			return true
		}
	}
	return false
}

// Names returns the claim names in sorted order.
func (c Claims) Names() []string {
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying claim values.
func (c Claims) Map() map[string]any {
	cp := make(map[string]any, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return cp
}

// MarshalJSON encodes the claims as a JSON object.
func (c Claims) MarshalJSON() ([]byte, error) {
	if c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
