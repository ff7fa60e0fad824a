package schema

import (
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
)

// XPathMatch is the result of resolving a WFS/FES element path.
type XPathMatch struct {
	// Element is the resolved node; nil when an attribute matched.
	Element *Element
	// Attribute is set for attribute-axis matches (@gml:id).
	Attribute *Attribute
	// Path is the absolute data-source path to query.
	Path string
	// FieldName is the final datastore field name.
	FieldName string
}

// IsGmlID tells whether the match is the feature identity attribute.
func (m *XPathMatch) IsGmlID() bool {
	return m.Attribute != nil && m.Attribute.Kind == KindGmlID
}

// ResolveXPath resolves element paths in any of the supported forms:
// "local", "app:local", "parent/child", "@gml:id", and absolute paths that
// descend through the feature's own element name. Positional predicates
// ("[1]") are tolerated and ignored. Unresolvable paths fail with
// InvalidParameterValue, locator = the original expression.
func (ft *FeatureType) ResolveXPath(expr string) (*XPathMatch, error) {
	orig := expr
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "/")
	if expr == "" {
		return nil, ows.NewInvalidParameterValue(orig, "empty element path")
	}

	steps := strings.Split(expr, "/")

	// Root descent: the path may start with the feature element itself.
	if len(steps) > 1 && localName(steps[0]) == ft.Name {
		steps = steps[1:]
	}

	typeID := ft.Root
	var matched *Element
	var path []string

	for i, rawStep := range steps {
		last := i == len(steps)-1

		step, err := stripPredicate(rawStep)
		if err != nil {
			return nil, ows.NewInvalidParameterValue(orig,
				"unsupported predicate in element path %q", orig)
		}

		if strings.HasPrefix(step, "@") {
			if !last {
				return nil, ows.NewInvalidParameterValue(orig,
					"attribute step must end the path %q", orig)
			}
			return ft.resolveAttribute(typeID, localName(step[1:]), path, orig)
		}

		name := localName(step)
		if name == "" {
			return nil, ows.NewInvalidParameterValue(orig, "invalid element path %q", orig)
		}

		el := ft.findElement(typeID, name)
		if el == nil {
			return nil, ows.NewInvalidParameterValue(orig,
				"field %q does not exist in feature type %q", name, ft.Name)
		}
		if el.LocalSource != "" {
			path = append(path, el.LocalSource)
		}
		if last {
			matched = el
			break
		}
		if !el.IsComplex() {
			return nil, ows.NewInvalidParameterValue(orig,
				"field %q of feature type %q has no sub-fields", name, ft.Name)
		}
		typeID = el.Complex
	}

	if matched == nil {
		return nil, ows.NewInvalidParameterValue(orig, "invalid element path %q", orig)
	}
	return &XPathMatch{
		Element:   matched,
		Path:      strings.Join(path, "."),
		FieldName: matched.LocalSource,
	}, nil
}

func (ft *FeatureType) resolveAttribute(typeID TypeID, name string, path []string, orig string) (*XPathMatch, error) {
	t := ft.arena.Type(typeID)
	for _, id := range t.Attributes {
		attr := ft.arena.Attribute(id)
		if attr.Name == name {
			fullPath := attr.Source
			if len(path) > 0 {
				fullPath = strings.Join(append(path, attr.Source), ".")
			}
			return &XPathMatch{
				Attribute: attr,
				Path:      fullPath,
				FieldName: attr.Source,
			}, nil
		}
	}
	return nil, ows.NewInvalidParameterValue(orig,
		"attribute %q does not exist in feature type %q", name, ft.Name)
}

func (ft *FeatureType) findElement(typeID TypeID, name string) *Element {
	t := ft.arena.Type(typeID)
	for _, id := range t.Elements {
		el := ft.arena.Element(id)
		if el.Name == name {
			return el
		}
	}
	return nil
}

// localName strips a namespace prefix. Prefix bindings are not enforced
// here: "app:"-prefixed paths resolve even when the request never declared
// the prefix, which legacy clients rely on.
func localName(step string) string {
	if i := strings.IndexByte(step, ':'); i >= 0 {
		return step[i+1:]
	}
	return step
}

func stripPredicate(step string) (string, error) {
	open := strings.IndexByte(step, '[')
	if open < 0 {
		return step, nil
	}
	if !strings.HasSuffix(step, "]") {
		return "", ows.NewInvalidParameterValue(step, "malformed predicate")
	}
	inner := step[open+1 : len(step)-1]
	for _, r := range inner {
		if r < '0' || r > '9' {
			return "", ows.NewInvalidParameterValue(step, "unsupported predicate")
		}
	}
	return step[:open], nil
}
