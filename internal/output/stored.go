package output

import (
	"fmt"
	"strings"

	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

// RenderListStoredQueries produces the wfs:ListStoredQueriesResponse.
func RenderListStoredQueries(reg *query.StoredQueryRegistry, types *schema.Registry) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<wfs:ListStoredQueriesResponse xmlns:wfs="http://www.opengis.net/wfs/2.0">` + "\n")
	for _, def := range reg.All() {
		fmt.Fprintf(&b, "  <wfs:StoredQuery id=%q>\n", escapeAttr(def.ID()))
		fmt.Fprintf(&b, "    <wfs:Title>%s</wfs:Title>\n", escapeString(def.Title()))
		for _, name := range def.ReturnTypeNames(types) {
			fmt.Fprintf(&b, "    <wfs:ReturnFeatureType>%s</wfs:ReturnFeatureType>\n", escapeString(name))
		}
		b.WriteString("  </wfs:StoredQuery>\n")
	}
	b.WriteString("</wfs:ListStoredQueriesResponse>\n")
	return []byte(b.String())
}

// RenderDescribeStoredQueries produces the wfs:DescribeStoredQueriesResponse.
func RenderDescribeStoredQueries(defs []query.StoredQueryDef, types *schema.Registry) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<wfs:DescribeStoredQueriesResponse xmlns:wfs="http://www.opengis.net/wfs/2.0">` + "\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "  <wfs:StoredQueryDescription id=%q>\n", escapeAttr(def.ID()))
		fmt.Fprintf(&b, "    <wfs:Title>%s</wfs:Title>\n", escapeString(def.Title()))
		if abstract := def.Abstract(); abstract != "" {
			fmt.Fprintf(&b, "    <wfs:Abstract>%s</wfs:Abstract>\n", escapeString(abstract))
		}
		for _, param := range def.Parameters() {
			fmt.Fprintf(&b, "    <wfs:Parameter name=%q type=%q/>\n",
				escapeAttr(param.Name), string(param.Type))
		}
		for _, name := range def.ReturnTypeNames(types) {
			fmt.Fprintf(&b, "    <wfs:QueryExpressionText returnFeatureTypes=%q"+
				" language=\"urn:ogc:def:queryLanguage:OGC-WFS::WFSQueryExpression\" isPrivate=\"true\"/>\n",
				escapeAttr(name))
		}
		b.WriteString("  </wfs:StoredQueryDescription>\n")
	}
	b.WriteString("</wfs:DescribeStoredQueriesResponse>\n")
	return []byte(b.String())
}
