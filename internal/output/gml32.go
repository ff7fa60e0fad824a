package output

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

// GML32Renderer streams a wfs:FeatureCollection in GML 3.2.
type GML32Renderer struct {
	opts RenderOptions
}

// Render implements Renderer. The page is materialized before the header
// because numberReturned is a root attribute.
func (r *GML32Renderer) Render(ctx context.Context, w io.Writer, fc *FeatureCollection) error {
	if !fc.HitsOnly {
		total := 0
		for _, sc := range fc.Results {
			n, err := sc.Fetch(ctx)
			if err != nil {
				return err
			}
			total += n
		}
		fc.NumberReturned = total
	}

	out := NewChunkedWriter(w)
	r.writeHeader(out, fc)

	if !fc.HitsOnly {
		for _, sc := range fc.Results {
			if err := r.writeMembers(ctx, out, fc, sc); err != nil {
				// Streaming already started: close with a truncation
				// marker instead of a broken document.
				writeTruncated(out, err)
				return out.Flush()
			}
		}
	}

	out.WriteString("</wfs:FeatureCollection>\n")
	return out.Flush()
}

func (r *GML32Renderer) writeHeader(out *ChunkedWriter, fc *FeatureCollection) {
	matched := "unknown"
	if fc.NumberMatched >= 0 {
		matched = fmt.Sprintf("%d", fc.NumberMatched)
	}

	out.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	out.WriteString(`<wfs:FeatureCollection`)

	// Namespace aliases render once at the document top; the body never
	// introduces new prefixes.
	namespaces := [][2]string{
		{"xmlns:wfs", "http://www.opengis.net/wfs/2.0"},
		{"xmlns:gml", "http://www.opengis.net/gml/3.2"},
		{"xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance"},
	}
	seen := map[string]bool{}
	for _, sc := range fc.Results {
		prefix := sc.FeatureType.Prefix
		if !seen[prefix] {
			seen[prefix] = true
			namespaces = append(namespaces, [2]string{"xmlns:" + prefix, sc.FeatureType.Namespace})
		}
	}
	for _, ns := range namespaces {
		fmt.Fprintf(out, " %s=%q", ns[0], ns[1])
	}

	fmt.Fprintf(out, ` timeStamp=%q numberMatched=%q numberReturned="%d"`,
		fc.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), matched, fc.NumberReturned)
	if fc.Next != "" {
		fmt.Fprintf(out, " next=%q", escapeAttr(fc.Next))
	}
	if fc.Previous != "" {
		fmt.Fprintf(out, " previous=%q", escapeAttr(fc.Previous))
	}
	out.WriteString(">\n")
}

func (r *GML32Renderer) writeMembers(ctx context.Context, out *ChunkedWriter, fc *FeatureCollection, sc *SimpleFeatureCollection) error {
	cur, err := sc.Iterate(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	for cur.Next() {
		select {
		case <-ctx.Done():
			// Client went away: stop pulling at the chunk boundary.
			return nil
		default:
		}
		out.WriteString("  <wfs:member>\n")
		r.writeFeature(out, sc, cur.Row())
		out.WriteString("  </wfs:member>\n")
		if err := out.MaybeFlush(); err != nil {
			return nil // write failure means the client disconnected
		}
	}
	return cur.Err()
}

func (r *GML32Renderer) writeFeature(out *ChunkedWriter, sc *SimpleFeatureCollection, row backend.Row) {
	ft := sc.FeatureType
	proj := sc.Projection
	gmlID := featureID(ft, row)

	fmt.Fprintf(out, "    <%s gml:id=%q>\n", ft.QName(), gmlID)
	for _, el := range proj.RootElements() {
		r.writeElement(out, sc, row, el, gmlID, 3)
	}
	fmt.Fprintf(out, "    </%s>\n", ft.QName())
}

func (r *GML32Renderer) writeElement(out *ChunkedWriter, sc *SimpleFeatureCollection, row backend.Row, el *schema.Element, gmlID string, depth int) {
	proj := sc.Projection
	indent := strings.Repeat("  ", depth)

	switch {
	case el.Kind == schema.KindGmlBoundedBy:
		r.writeBoundedBy(out, sc, row, indent)

	case el.IsGeometry():
		value := proj.Value(row, el)
		r.writeGeometryElement(out, proj, el, value, gmlID, indent)

	case el.IsMany():
		nested, _ := proj.Value(row, el).([]backend.Row)
		for _, sub := range nested {
			r.writeNested(out, sc, sub, el, gmlID, depth)
		}

	case el.IsComplex():
		fmt.Fprintf(out, "%s<%s>\n", indent, el.QName())
		for _, child := range proj.ChildElements(el) {
			r.writeElement(out, sc, row, child, gmlID, depth+1)
		}
		fmt.Fprintf(out, "%s</%s>\n", indent, el.QName())

	default:
		value := proj.Value(row, el)
		if value == nil {
			if el.Nillable {
				fmt.Fprintf(out, "%s<%s xsi:nil=\"true\"/>\n", indent, el.QName())
			}
			return
		}
		fmt.Fprintf(out, "%s<%s>%s</%s>\n",
			indent, el.QName(), escapeString(el.FormatRawValue(value)), el.QName())
	}
}

// writeNested renders one prefetched relation row.
func (r *GML32Renderer) writeNested(out *ChunkedWriter, sc *SimpleFeatureCollection, nested backend.Row, el *schema.Element, gmlID string, depth int) {
	indent := strings.Repeat("  ", depth)
	if !el.IsComplex() {
		value := nested[el.LocalSource]
		fmt.Fprintf(out, "%s<%s>%s</%s>\n",
			indent, el.QName(), escapeString(el.FormatRawValue(value)), el.QName())
		return
	}
	fmt.Fprintf(out, "%s<%s>\n", indent, el.QName())
	for _, child := range sc.Projection.ChildElements(el) {
		value := nested[child.LocalSource]
		if value == nil {
			if child.Nillable {
				fmt.Fprintf(out, "%s  <%s xsi:nil=\"true\"/>\n", indent, child.QName())
			}
			continue
		}
		fmt.Fprintf(out, "%s  <%s>%s</%s>\n",
			indent, child.QName(), escapeString(child.FormatRawValue(value)), child.QName())
	}
	fmt.Fprintf(out, "%s</%s>\n", indent, el.QName())
}

func (r *GML32Renderer) writeBoundedBy(out *ChunkedWriter, sc *SimpleFeatureCollection, row backend.Row, indent string) {
	proj := sc.Projection
	box := geom.NewBoundingBox(proj.OutputCRS)
	for _, el := range sc.FeatureType.GeometryElements() {
		g := rowOutputGeometry(proj, row, el)
		if !g.IsZero() {
			box = box.ExtendToGeometry(g.Geom)
		}
	}
	if !box.IsValid() {
		return
	}
	fmt.Fprintf(out, "%s<gml:boundedBy>\n", indent)
	fmt.Fprintf(out, "%s  <gml:Envelope srsName=%q>\n", indent, escapeAttr(proj.OutputCRS.String()))
	fmt.Fprintf(out, "%s    <gml:lowerCorner>%s</gml:lowerCorner>\n", indent, box.LowerCorner(r.opts.Decimals))
	fmt.Fprintf(out, "%s    <gml:upperCorner>%s</gml:upperCorner>\n", indent, box.UpperCorner(r.opts.Decimals))
	fmt.Fprintf(out, "%s  </gml:Envelope>\n", indent)
	fmt.Fprintf(out, "%s</gml:boundedBy>\n", indent)
}

func (r *GML32Renderer) writeGeometryElement(out *ChunkedWriter, proj *query.Projection, el *schema.Element, value any, gmlID string, indent string) {
	if value == nil {
		if el.Nillable {
			fmt.Fprintf(out, "%s<%s xsi:nil=\"true\"/>\n", indent, el.QName())
		}
		return
	}

	fmt.Fprintf(out, "%s<%s>", indent, el.QName())
	switch v := value.(type) {
	case string:
		// pre-rendered by the datastore
		out.WriteString(v)
	case geom.Geometry:
		g := proj.OutputGeometry(v)
		WriteGML(out, g, fmt.Sprintf("%s.%s", gmlID, el.Name), r.opts.Decimals)
	}
	fmt.Fprintf(out, "</%s>\n", el.QName())
}

func rowOutputGeometry(proj *query.Projection, row backend.Row, el *schema.Element) geom.Geometry {
	if g, ok := proj.Value(row, el).(geom.Geometry); ok {
		return proj.OutputGeometry(g)
	}
	return geom.Geometry{}
}

// featureID renders the "<typename>.<id>" gml:id, unique per response.
func featureID(ft *schema.FeatureType, row backend.Row) string {
	return fmt.Sprintf("%s.%v", ft.Name, row[ft.IDField])
}

// writeTruncated emits the wfs:truncatedResponse marker for failures that
// surface after streaming started.
func writeTruncated(out *ChunkedWriter, err error) {
	e := ows.AsError(err)
	out.WriteString("  <wfs:truncatedResponse>\n")
	fmt.Fprintf(out, "    <ows:ExceptionReport xmlns:ows=%q version=\"2.0.0\">\n", "http://www.opengis.net/ows/1.1")
	fmt.Fprintf(out, "      <ows:Exception exceptionCode=%q locator=%q>\n",
		string(e.Code), escapeAttr(e.Locator))
	fmt.Fprintf(out, "        <ows:ExceptionText>%s</ows:ExceptionText>\n", escapeString(e.Message))
	out.WriteString("      </ows:Exception>\n")
	out.WriteString("    </ows:ExceptionReport>\n")
	out.WriteString("  </wfs:truncatedResponse>\n")
	out.WriteString("</wfs:FeatureCollection>\n")
}

// WriteGML renders one geometry with GML 3.2 tag names. Coordinates come
// out in the axis order of the geometry's CRS.
func WriteGML(out *ChunkedWriter, g geom.Geometry, gmlID string, decimals int) {
	writeGMLBody(out, g.Geom, g.CRS, gmlID, decimals, true)
}

func writeGMLBody(out *ChunkedWriter, g orb.Geometry, c crs.CRS, gmlID string, decimals int, top bool) {
	srs := ""
	if top {
		srs = fmt.Sprintf(" srsName=%q", escapeAttr(c.String()))
	}
	id := ""
	if gmlID != "" {
		id = fmt.Sprintf(" gml:id=%q", escapeAttr(gmlID))
	}

	switch v := g.(type) {
	case orb.Point:
		fmt.Fprintf(out, "<gml:Point%s%s><gml:pos>%s</gml:pos></gml:Point>",
			id, srs, geom.FormatPos(v, c, decimals))
	case orb.LineString:
		fmt.Fprintf(out, "<gml:LineString%s%s><gml:posList>%s</gml:posList></gml:LineString>",
			id, srs, posList(v, c, decimals))
	case orb.Ring:
		fmt.Fprintf(out, "<gml:LinearRing%s%s><gml:posList>%s</gml:posList></gml:LinearRing>",
			id, srs, posList(v, c, decimals))
	case orb.Polygon:
		fmt.Fprintf(out, "<gml:Polygon%s%s>", id, srs)
		for i, ring := range v {
			wrapper := "interior"
			if i == 0 {
				wrapper = "exterior"
			}
			fmt.Fprintf(out, "<gml:%s><gml:LinearRing><gml:posList>%s</gml:posList></gml:LinearRing></gml:%s>",
				wrapper, posList(ring, c, decimals), wrapper)
		}
		out.WriteString("</gml:Polygon>")
	case orb.MultiPoint:
		fmt.Fprintf(out, "<gml:MultiPoint%s%s>", id, srs)
		for i, p := range v {
			out.WriteString("<gml:pointMember>")
			writeGMLBody(out, p, c, memberID(gmlID, i), decimals, false)
			out.WriteString("</gml:pointMember>")
		}
		out.WriteString("</gml:MultiPoint>")
	case orb.MultiLineString:
		fmt.Fprintf(out, "<gml:MultiCurve%s%s>", id, srs)
		for i, ls := range v {
			out.WriteString("<gml:curveMember>")
			writeGMLBody(out, ls, c, memberID(gmlID, i), decimals, false)
			out.WriteString("</gml:curveMember>")
		}
		out.WriteString("</gml:MultiCurve>")
	case orb.MultiPolygon:
		fmt.Fprintf(out, "<gml:MultiSurface%s%s>", id, srs)
		for i, poly := range v {
			out.WriteString("<gml:surfaceMember>")
			writeGMLBody(out, poly, c, memberID(gmlID, i), decimals, false)
			out.WriteString("</gml:surfaceMember>")
		}
		out.WriteString("</gml:MultiSurface>")
	case orb.Collection:
		fmt.Fprintf(out, "<gml:MultiGeometry%s%s>", id, srs)
		for i, member := range v {
			out.WriteString("<gml:geometryMember>")
			writeGMLBody(out, member, c, memberID(gmlID, i), decimals, false)
			out.WriteString("</gml:geometryMember>")
		}
		out.WriteString("</gml:MultiGeometry>")
	case orb.Bound:
		writeGMLBody(out, v.ToPolygon(), c, gmlID, decimals, top)
	}
}

func memberID(gmlID string, i int) string {
	if gmlID == "" {
		return ""
	}
	return fmt.Sprintf("%s.%d", gmlID, i+1)
}

func posList(pts []orb.Point, c crs.CRS, decimals int) string {
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = geom.FormatPos(p, c, decimals)
	}
	return strings.Join(parts, " ")
}
