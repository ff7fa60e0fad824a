package fes

import (
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
)

// SortProperty orders results by one property.
type SortProperty struct {
	XPath      string
	Descending bool
}

// ParseSortByKVP reads the SORTBY parameter: "field [ASC|DESC|A|D], ...".
func ParseSortByKVP(value string) ([]SortProperty, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var out []SortProperty
	for _, part := range strings.Split(value, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, ows.NewInvalidParameterValue("sortBy", "empty sort clause")
		}
		prop := SortProperty{XPath: fields[0]}
		if len(fields) > 1 {
			switch strings.ToUpper(fields[1]) {
			case "ASC", "A":
			case "DESC", "D":
				prop.Descending = true
			default:
				return nil, ows.NewInvalidParameterValue("sortBy",
					"invalid sort direction %q", fields[1])
			}
		}
		if len(fields) > 2 {
			return nil, ows.NewInvalidParameterValue("sortBy",
				"invalid sort clause %q", part)
		}
		out = append(out, prop)
	}
	return out, nil
}

// ParseSortByXML reads a <fes:SortBy> element.
func ParseSortByXML(el *parser.XMLElement) ([]SortProperty, error) {
	var out []SortProperty
	for _, child := range el.Children {
		if child.Name.Local != "SortProperty" || !fesSpace(child) {
			return nil, ows.NewOperationParsingFailed("SortBy",
				"unexpected element <%s> in fes:SortBy", child.QName())
		}
		var prop SortProperty
		for _, member := range child.Children {
			switch member.Name.Local {
			case "ValueReference", "PropertyName":
				if err := member.RequireLeaf(); err != nil {
					return nil, err
				}
				prop.XPath = member.TrimmedText()
			case "SortOrder":
				switch strings.ToUpper(member.TrimmedText()) {
				case "ASC", "A":
				case "DESC", "D":
					prop.Descending = true
				default:
					return nil, ows.NewOperationParsingFailed("SortOrder",
						"invalid sort order %q", member.TrimmedText())
				}
			default:
				return nil, ows.NewOperationParsingFailed("SortProperty",
					"unexpected element <%s> in fes:SortProperty", member.QName())
			}
		}
		if prop.XPath == "" {
			return nil, ows.NewOperationParsingFailed("SortProperty",
				"fes:SortProperty needs a ValueReference")
		}
		out = append(out, prop)
	}
	if out == nil {
		return nil, ows.NewOperationParsingFailed("SortBy", "empty fes:SortBy")
	}
	return out, nil
}
