package output

import (
	"fmt"
	"strings"

	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/parser/fes"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

// ServiceInfo feeds the service identification and provider sections.
type ServiceInfo struct {
	Title            string
	Abstract         string
	Keywords         []string
	ProviderName     string
	ProviderSite     string
	ContactPerson    string
	Fees             string
	AccessConstraint string
}

// CapabilitiesData is everything the capabilities document renders.
type CapabilitiesData struct {
	Service  ServiceInfo
	BaseURL  string
	Types    []*schema.FeatureType
	Stored   *query.StoredQueryRegistry
	Funcs    *query.FunctionRegistry
	DefaultPageSize int

	// BoundingBoxes holds the per-type CRS84 extents, when the policy
	// enables them. Keyed by prefixed type name.
	BoundingBoxes map[string]geom.BoundingBox
}

// operations lists the implemented requests and their KVP parameters for
// the OperationsMetadata section.
var operations = []struct {
	name   string
	params map[string][]string
}{
	{"GetCapabilities", map[string][]string{
		"AcceptVersions": {"2.0.0", "1.1.0", "1.0.0"},
	}},
	{"DescribeFeatureType", map[string][]string{
		"outputFormat": {"application/gml+xml; version=3.2"},
	}},
	{"GetFeature", map[string][]string{
		"outputFormat": nil, // filled from the format registry
		"resultType":   {"results", "hits"},
	}},
	{"GetPropertyValue", map[string][]string{
		"outputFormat": {"application/gml+xml; version=3.2"},
		"resolve":      {"none"},
	}},
	{"ListStoredQueries", nil},
	{"DescribeStoredQueries", nil},
}

// conformance declares the implemented WFS 2.0 conformance classes.
var conformance = [][2]string{
	{"ImplementsBasicWFS", "TRUE"},
	{"ImplementsTransactionalWFS", "FALSE"},
	{"ImplementsLockingWFS", "FALSE"},
	{"KVPEncoding", "TRUE"},
	{"XMLEncoding", "TRUE"},
	{"SOAPEncoding", "FALSE"},
	{"ImplementsInheritance", "FALSE"},
	{"ImplementsRemoteResolve", "FALSE"},
	{"ImplementsResultPaging", "TRUE"},
	{"ImplementsStandardJoins", "FALSE"},
	{"ImplementsSpatialJoins", "FALSE"},
	{"ImplementsTemporalJoins", "FALSE"},
	{"ImplementsFeatureVersioning", "FALSE"},
	{"ManageStoredQueries", "FALSE"},
	{"ImplementsAdHocQuery", "TRUE"},
	{"ImplementsFunctions", "TRUE"},
	{"ImplementsResourceId", "TRUE"},
	{"ImplementsMinStandardFilter", "TRUE"},
	{"ImplementsStandardFilter", "TRUE"},
	{"ImplementsMinSpatialFilter", "TRUE"},
	{"ImplementsSpatialFilter", "TRUE"},
	{"ImplementsMinTemporalFilter", "FALSE"},
	{"ImplementsSorting", "TRUE"},
}

// RenderCapabilities produces the GetCapabilities XML document.
func RenderCapabilities(data CapabilitiesData) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<wfs:WFS_Capabilities version="2.0.0"` + "\n")
	b.WriteString(`    xmlns:wfs="http://www.opengis.net/wfs/2.0"` + "\n")
	b.WriteString(`    xmlns:ows="http://www.opengis.net/ows/1.1"` + "\n")
	b.WriteString(`    xmlns:fes="http://www.opengis.net/fes/2.0"` + "\n")
	b.WriteString(`    xmlns:gml="http://www.opengis.net/gml/3.2"` + "\n")
	b.WriteString(`    xmlns:xlink="http://www.w3.org/1999/xlink"` + "\n")
	for _, ft := range data.Types {
		fmt.Fprintf(&b, "    xmlns:%s=%q\n", ft.Prefix, ft.Namespace)
	}
	b.WriteString(`    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"` + "\n")
	b.WriteString(`    xsi:schemaLocation="http://www.opengis.net/wfs/2.0 http://schemas.opengis.net/wfs/2.0/wfs.xsd">` + "\n")

	writeServiceIdentification(&b, data.Service)
	writeServiceProvider(&b, data.Service)
	writeOperationsMetadata(&b, data)
	writeFeatureTypeList(&b, data)
	writeFilterCapabilities(&b, data.Funcs)

	b.WriteString("</wfs:WFS_Capabilities>\n")
	return []byte(b.String())
}

func writeServiceIdentification(b *strings.Builder, s ServiceInfo) {
	b.WriteString("  <ows:ServiceIdentification>\n")
	fmt.Fprintf(b, "    <ows:Title>%s</ows:Title>\n", escapeString(s.Title))
	if s.Abstract != "" {
		fmt.Fprintf(b, "    <ows:Abstract>%s</ows:Abstract>\n", escapeString(s.Abstract))
	}
	if len(s.Keywords) > 0 {
		b.WriteString("    <ows:Keywords>\n")
		for _, kw := range s.Keywords {
			fmt.Fprintf(b, "      <ows:Keyword>%s</ows:Keyword>\n", escapeString(kw))
		}
		b.WriteString("    </ows:Keywords>\n")
	}
	b.WriteString("    <ows:ServiceType>WFS</ows:ServiceType>\n")
	b.WriteString("    <ows:ServiceTypeVersion>2.0.0</ows:ServiceTypeVersion>\n")
	fmt.Fprintf(b, "    <ows:Fees>%s</ows:Fees>\n", escapeString(s.Fees))
	fmt.Fprintf(b, "    <ows:AccessConstraints>%s</ows:AccessConstraints>\n", escapeString(s.AccessConstraint))
	b.WriteString("  </ows:ServiceIdentification>\n")
}

func writeServiceProvider(b *strings.Builder, s ServiceInfo) {
	b.WriteString("  <ows:ServiceProvider>\n")
	fmt.Fprintf(b, "    <ows:ProviderName>%s</ows:ProviderName>\n", escapeString(s.ProviderName))
	if s.ProviderSite != "" {
		fmt.Fprintf(b, "    <ows:ProviderSite xlink:href=%q/>\n", escapeAttr(s.ProviderSite))
	}
	b.WriteString("    <ows:ServiceContact>\n")
	fmt.Fprintf(b, "      <ows:IndividualName>%s</ows:IndividualName>\n", escapeString(s.ContactPerson))
	b.WriteString("    </ows:ServiceContact>\n")
	b.WriteString("  </ows:ServiceProvider>\n")
}

func writeOperationsMetadata(b *strings.Builder, data CapabilitiesData) {
	b.WriteString("  <ows:OperationsMetadata>\n")
	for _, op := range operations {
		fmt.Fprintf(b, "    <ows:Operation name=%q>\n", op.name)
		b.WriteString("      <ows:DCP><ows:HTTP>\n")
		fmt.Fprintf(b, "        <ows:Get xlink:href=%q/>\n", escapeAttr(data.BaseURL))
		fmt.Fprintf(b, "        <ows:Post xlink:href=%q/>\n", escapeAttr(data.BaseURL))
		b.WriteString("      </ows:HTTP></ows:DCP>\n")
		for name, values := range op.params {
			if name == "outputFormat" && values == nil {
				for _, f := range Formats {
					values = append(values, f.ContentType)
				}
			}
			fmt.Fprintf(b, "      <ows:Parameter name=%q>\n        <ows:AllowedValues>\n", name)
			for _, v := range values {
				fmt.Fprintf(b, "          <ows:Value>%s</ows:Value>\n", escapeString(v))
			}
			b.WriteString("        </ows:AllowedValues>\n      </ows:Parameter>\n")
		}
		b.WriteString("    </ows:Operation>\n")
	}

	fmt.Fprintf(b, "    <ows:Constraint name=\"CountDefault\">\n"+
		"      <ows:NoValues/><ows:DefaultValue>%d</ows:DefaultValue>\n"+
		"    </ows:Constraint>\n", data.DefaultPageSize)
	for _, c := range conformance {
		fmt.Fprintf(b, "    <ows:Constraint name=%q>\n"+
			"      <ows:NoValues/><ows:DefaultValue>%s</ows:DefaultValue>\n"+
			"    </ows:Constraint>\n", c[0], c[1])
	}
	b.WriteString("  </ows:OperationsMetadata>\n")
}

func writeFeatureTypeList(b *strings.Builder, data CapabilitiesData) {
	b.WriteString("  <wfs:FeatureTypeList>\n")
	for _, ft := range data.Types {
		b.WriteString("    <wfs:FeatureType>\n")
		fmt.Fprintf(b, "      <wfs:Name>%s</wfs:Name>\n", escapeString(ft.QName()))
		title := ft.Title
		if title == "" {
			title = ft.Name
		}
		fmt.Fprintf(b, "      <wfs:Title>%s</wfs:Title>\n", escapeString(title))
		if ft.Abstract != "" {
			fmt.Fprintf(b, "      <wfs:Abstract>%s</wfs:Abstract>\n", escapeString(ft.Abstract))
		}
		if len(ft.Keywords) > 0 {
			b.WriteString("      <ows:Keywords>\n")
			for _, kw := range ft.Keywords {
				fmt.Fprintf(b, "        <ows:Keyword>%s</ows:Keyword>\n", escapeString(kw))
			}
			b.WriteString("      </ows:Keywords>\n")
		}
		fmt.Fprintf(b, "      <wfs:DefaultCRS>%s</wfs:DefaultCRS>\n", escapeString(ft.DefaultCRS.URN()))
		for _, other := range ft.OtherCRS {
			fmt.Fprintf(b, "      <wfs:OtherCRS>%s</wfs:OtherCRS>\n", escapeString(other.URN()))
		}
		b.WriteString("      <wfs:OutputFormats>\n")
		for _, f := range Formats {
			fmt.Fprintf(b, "        <wfs:Format>%s</wfs:Format>\n", escapeString(baseContentType(f.ContentType)))
		}
		b.WriteString("      </wfs:OutputFormats>\n")
		if box, ok := data.BoundingBoxes[ft.QName()]; ok && box.IsValid() {
			b.WriteString("      <ows:WGS84BoundingBox>\n")
			fmt.Fprintf(b, "        <ows:LowerCorner>%s %s</ows:LowerCorner>\n",
				geom.FormatOrdinate(box.LowerX, 6), geom.FormatOrdinate(box.LowerY, 6))
			fmt.Fprintf(b, "        <ows:UpperCorner>%s %s</ows:UpperCorner>\n",
				geom.FormatOrdinate(box.UpperX, 6), geom.FormatOrdinate(box.UpperY, 6))
			b.WriteString("      </ows:WGS84BoundingBox>\n")
		}
		b.WriteString("    </wfs:FeatureType>\n")
	}
	b.WriteString("  </wfs:FeatureTypeList>\n")
}

func writeFilterCapabilities(b *strings.Builder, funcs *query.FunctionRegistry) {
	b.WriteString("  <fes:Filter_Capabilities>\n")

	b.WriteString("    <fes:Conformance>\n")
	for _, c := range []struct{ name, value string }{
		{"ImplementsAdHocQuery", "TRUE"},
		{"ImplementsResourceId", "TRUE"},
		{"ImplementsMinStandardFilter", "TRUE"},
		{"ImplementsStandardFilter", "TRUE"},
		{"ImplementsMinSpatialFilter", "TRUE"},
		{"ImplementsSpatialFilter", "TRUE"},
		{"ImplementsSorting", "TRUE"},
		{"ImplementsFunctions", "TRUE"},
		{"ImplementsMinTemporalFilter", "FALSE"},
		{"ImplementsVersionNav", "FALSE"},
		{"ImplementsExtendedOperators", "FALSE"},
	} {
		fmt.Fprintf(b, "      <fes:Constraint name=%q>"+
			"<ows:NoValues/><ows:DefaultValue>%s</ows:DefaultValue></fes:Constraint>\n",
			c.name, c.value)
	}
	b.WriteString("    </fes:Conformance>\n")

	b.WriteString("    <fes:Id_Capabilities>\n")
	b.WriteString(`      <fes:ResourceIdentifier name="fes:ResourceId"/>` + "\n")
	b.WriteString("    </fes:Id_Capabilities>\n")

	b.WriteString("    <fes:Scalar_Capabilities>\n")
	b.WriteString("      <fes:LogicalOperators/>\n")
	b.WriteString("      <fes:ComparisonOperators>\n")
	for _, name := range fes.ComparisonNames {
		fmt.Fprintf(b, "        <fes:ComparisonOperator name=%q/>\n", name)
	}
	b.WriteString("      </fes:ComparisonOperators>\n")
	b.WriteString("    </fes:Scalar_Capabilities>\n")

	b.WriteString("    <fes:Spatial_Capabilities>\n")
	b.WriteString("      <fes:GeometryOperands>\n")
	for _, operand := range []string{
		"gml:Point", "gml:LineString", "gml:LinearRing", "gml:Polygon",
		"gml:MultiPoint", "gml:MultiCurve", "gml:MultiSurface", "gml:Envelope",
	} {
		fmt.Fprintf(b, "        <fes:GeometryOperand name=%q/>\n", operand)
	}
	b.WriteString("      </fes:GeometryOperands>\n")
	b.WriteString("      <fes:SpatialOperators>\n")
	for _, name := range fes.SpatialNames {
		fmt.Fprintf(b, "        <fes:SpatialOperator name=%q/>\n", name)
	}
	b.WriteString("      </fes:SpatialOperators>\n")
	b.WriteString("    </fes:Spatial_Capabilities>\n")

	if defs := funcs.All(); len(defs) > 0 {
		b.WriteString("    <fes:Functions>\n")
		for _, def := range defs {
			fmt.Fprintf(b, "      <fes:Function name=%q>\n", def.Name)
			fmt.Fprintf(b, "        <fes:Returns>%s</fes:Returns>\n", def.Returns)
			if len(def.Args) > 0 {
				b.WriteString("        <fes:Arguments>\n")
				for i, arg := range def.Args {
					fmt.Fprintf(b, "          <fes:Argument name=\"arg%d\"><fes:Type>%s</fes:Type></fes:Argument>\n", i+1, arg)
				}
				b.WriteString("        </fes:Arguments>\n")
			}
			b.WriteString("      </fes:Function>\n")
		}
		b.WriteString("    </fes:Functions>\n")
	}
	b.WriteString("  </fes:Filter_Capabilities>\n")
}
