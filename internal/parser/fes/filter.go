package fes

import (
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/gml"
)

// Filter is a parsed <fes:Filter>. It holds one predicate, a list of
// resource ids, or both; when both are present they AND together in the
// compiled query.
type Filter struct {
	Predicate   Operator
	ResourceIDs []ResourceID

	// Source keeps the original document for error logging.
	Source string
}

// ParseFilterXML parses a raw FILTER parameter value. Leading whitespace
// before the root element is tolerated.
func ParseFilterXML(raw string, ctx gml.Context) (*Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ows.NewMissingParameterValue("filter")
	}
	root, err := parser.ParseXML([]byte(raw))
	if err != nil {
		return nil, err
	}
	f, err := FromXML(root, ctx)
	if err != nil {
		return nil, err
	}
	f.Source = raw
	return f, nil
}

// FromXML builds a Filter from an already-parsed element. A missing xmlns
// on <Filter> and its descendants is assumed to mean the fes namespace.
func FromXML(el *parser.XMLElement, ctx gml.Context) (*Filter, error) {
	if el.Name.Local != "Filter" || !fesSpace(el) {
		return nil, ows.NewOperationParsingFailed("filter",
			"expected a <fes:Filter> element, got <%s>", el.QName())
	}

	f := &Filter{}
	for _, child := range el.Children {
		if child.Name.Local == "ResourceId" && fesSpace(child) {
			rid, err := ParseResourceID(child)
			if err != nil {
				return nil, err
			}
			f.ResourceIDs = append(f.ResourceIDs, rid)
			continue
		}
		if f.Predicate != nil {
			return nil, ows.NewOperationParsingFailed("filter",
				"a filter allows one predicate, found a second <%s>", child.Name.Local)
		}
		op, err := ParseOperator(child, ctx)
		if err != nil {
			return nil, err
		}
		f.Predicate = op
	}

	if f.Predicate == nil && len(f.ResourceIDs) == 0 {
		return nil, ows.NewOperationParsingFailed("filter", "empty <fes:Filter>")
	}
	return f, nil
}
