package schema

import (
	"sort"
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
)

// Registry holds every exposed feature type, keyed by local name; Resolve
// tells same-named types apart by namespace. Populated during bootstrap,
// read-only afterwards.
type Registry struct {
	byName map[string][]*FeatureType
	all    []*FeatureType
}

// NewRegistry builds an empty feature type registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string][]*FeatureType{}}
}

// Add registers a feature type. Bootstrap only.
func (r *Registry) Add(ft *FeatureType) {
	r.byName[ft.Name] = append(r.byName[ft.Name], ft)
	r.all = append(r.all, ft)
}

// All lists the registered types in name order.
func (r *Registry) All() []*FeatureType {
	out := make([]*FeatureType, len(r.all))
	copy(out, r.all)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up a QName from a request. The prefix is matched through
// the request's namespace declarations when provided; otherwise any
// registered type with the local name matches.
func (r *Registry) Resolve(qname string, namespaces map[string]string) (*FeatureType, error) {
	prefix, local := "", qname
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		prefix, local = qname[:i], qname[i+1:]
	}

	candidates := r.byName[local]
	if len(candidates) == 0 {
		return nil, ows.NewInvalidParameterValue("typeName",
			"feature type not found: %s", qname)
	}

	if uri, ok := namespaces[prefix]; ok && prefix != "" {
		for _, ft := range candidates {
			if ft.Namespace == uri {
				return ft, nil
			}
		}
		return nil, ows.NewInvalidParameterValue("typeName",
			"feature type not found: %s in namespace %s", qname, uri)
	}
	return candidates[0], nil
}
