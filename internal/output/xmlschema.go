package output

import (
	"fmt"
	"strings"

	"github.com/mapgrid/wfserver/internal/schema"
)

// RenderXSD produces the DescribeFeatureType schema document for a set of
// feature types sharing one target namespace.
func RenderXSD(types []*schema.FeatureType) []byte {
	var b strings.Builder
	targetNS := ""
	prefix := "app"
	if len(types) > 0 {
		targetNS = types[0].Namespace
		prefix = types[0].Prefix
	}

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"` + "\n")
	b.WriteString(`    xmlns:gml="http://www.opengis.net/gml/3.2"` + "\n")
	fmt.Fprintf(&b, "    xmlns:%s=%q\n", prefix, targetNS)
	fmt.Fprintf(&b, "    targetNamespace=%q\n", targetNS)
	b.WriteString(`    elementFormDefault="qualified" version="0.1">` + "\n")
	b.WriteString(`  <xs:import namespace="http://www.opengis.net/gml/3.2"` +
		` schemaLocation="http://schemas.opengis.net/gml/3.2.1/gml.xsd"/>` + "\n\n")

	for _, ft := range types {
		writeFeatureElement(&b, ft)
		writeComplexTypes(&b, ft)
	}

	b.WriteString("</xs:schema>\n")
	return []byte(b.String())
}

func writeFeatureElement(b *strings.Builder, ft *schema.FeatureType) {
	fmt.Fprintf(b, "  <xs:element name=%q type=%q substitutionGroup=\"gml:AbstractFeature\"/>\n\n",
		ft.Name, ft.TypeName())
}

func writeComplexTypes(b *strings.Builder, ft *schema.FeatureType) {
	arena := ft.Arena()
	root := ft.RootType()
	writeComplexType(b, ft, root, true)

	// nested complex types, in declaration order
	for _, el := range arena.Elements() {
		if el.IsComplex() {
			writeComplexType(b, ft, arena.Type(el.Complex), false)
		}
	}
}

func writeComplexType(b *strings.Builder, ft *schema.FeatureType, t *schema.ComplexType, isFeature bool) {
	arena := ft.Arena()

	fmt.Fprintf(b, "  <xs:complexType name=%q>\n", t.Name)
	b.WriteString("    <xs:complexContent>\n")
	if isFeature {
		fmt.Fprintf(b, "      <xs:extension base=%q>\n", t.Base)
	} else {
		b.WriteString("      <xs:extension base=\"xs:anyType\">\n")
	}
	b.WriteString("        <xs:sequence>\n")

	for _, id := range t.Elements {
		el := arena.Element(id)
		// gml:name and gml:boundedBy come with the gml:AbstractFeatureType base
		if el.Kind == schema.KindGmlName || el.Kind == schema.KindGmlBoundedBy {
			continue
		}
		writeElementDecl(b, ft, el)
	}

	b.WriteString("        </xs:sequence>\n")
	b.WriteString("      </xs:extension>\n")
	b.WriteString("    </xs:complexContent>\n")
	b.WriteString("  </xs:complexType>\n\n")
}

func writeElementDecl(b *strings.Builder, ft *schema.FeatureType, el *schema.Element) {
	typeName := string(el.Type)
	if el.IsComplex() {
		typeName = ft.Arena().Type(el.Complex).QName()
	}

	attrs := []string{
		fmt.Sprintf("name=%q", el.Name),
		fmt.Sprintf("type=%q", typeName),
	}
	if el.MinOccurs != 1 {
		attrs = append(attrs, fmt.Sprintf("minOccurs=%q", itoa(el.MinOccurs)))
	}
	if el.MaxOccurs == schema.Unbounded {
		attrs = append(attrs, `maxOccurs="unbounded"`)
	}
	if el.Nillable {
		attrs = append(attrs, `nillable="true"`)
	}
	fmt.Fprintf(b, "          <xs:element %s/>\n", strings.Join(attrs, " "))
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
