package parser

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
)

// KVP wraps the GET query parameters with the WFS conventions: parameter
// names are case-insensitive, list values split on commas, and repeated
// parenthesized groups produce one entry per group.
type KVP struct {
	values map[string]string
	// raw preserves the original query string casing for pagination links.
	raw url.Values
}

// NewKVP folds parameter names to upper case. The last occurrence wins,
// matching common client behavior.
func NewKVP(q url.Values) KVP {
	values := make(map[string]string, len(q))
	for name, vals := range q {
		if len(vals) == 0 {
			continue
		}
		values[strings.ToUpper(name)] = vals[len(vals)-1]
	}
	return KVP{values: values, raw: q}
}

// Get returns a parameter by case-insensitive name.
func (k KVP) Get(name string) string { return k.values[strings.ToUpper(name)] }

// Has tells whether the parameter is present, even when empty.
func (k KVP) Has(name string) bool {
	_, ok := k.values[strings.ToUpper(name)]
	return ok
}

// GetAlias returns the first present parameter of the given aliases
// (legacy pairs such as TYPENAMES/TYPENAME, COUNT/MAXFEATURES).
func (k KVP) GetAlias(names ...string) string {
	for _, name := range names {
		if v := k.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// List splits a comma-separated parameter. Empty parameter yields nil.
func (k KVP) List(name string) []string {
	v := k.Get(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Raw exposes the original query values (casing preserved).
func (k KVP) Raw() url.Values { return k.raw }

// All returns every parameter with upper-cased names.
func (k KVP) All() map[string]string {
	out := make(map[string]string, len(k.values))
	for name, v := range k.values {
		out[name] = v
	}
	return out
}

// GetInt parses a positive-or-zero integer parameter.
func (k KVP) GetInt(name string) (int, bool, error) {
	v := k.Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, true, ows.NewInvalidParameterValue(name,
			"invalid value for %s: %q", name, v)
	}
	return n, true, nil
}

// Groups parses the "(A,B)(C,D)" notation used when a request addresses
// multiple query groups. A plain "A,B" value yields a single group.
func Groups(value string) [][]string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if !strings.HasPrefix(value, "(") {
		return [][]string{splitList(value)}
	}
	var groups [][]string
	for _, m := range groupRegex.FindAllStringSubmatch(value, -1) {
		groups = append(groups, splitList(m[1]))
	}
	return groups
}

var groupRegex = regexp.MustCompile(`\(([^)]*)\)`)

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ParseNamespaces reads the NAMESPACES parameter: xmlns(prefix,uri) tuples.
// The WFS 2.0 spec also allows xmlns(uri) to set the default namespace.
func ParseNamespaces(value string) (map[string]string, error) {
	out := map[string]string{}
	value = strings.TrimSpace(value)
	if value == "" {
		return out, nil
	}
	matches := namespaceRegex.FindAllStringSubmatch(value, -1)
	if matches == nil {
		return nil, ows.NewInvalidParameterValue("namespaces",
			"invalid NAMESPACES value %q", value)
	}
	for _, m := range matches {
		inner := m[1]
		if i := strings.IndexByte(inner, ','); i >= 0 {
			out[strings.TrimSpace(inner[:i])] = strings.TrimSpace(inner[i+1:])
		} else {
			out[""] = strings.TrimSpace(inner)
		}
	}
	return out, nil
}

var namespaceRegex = regexp.MustCompile(`xmlns\(([^)]*)\)`)
