// Package gml parses GML 3.2 geometry literals appearing inside FES
// filters. Coordinates are read in the document axis order of their CRS and
// stored east/north in memory.
package gml

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
)

// Context carries the CRS defaults of the surrounding request.
type Context struct {
	// DefaultCRS applies when the literal has no srsName.
	DefaultCRS crs.CRS
	Policy     crs.Policy
}

// IsGeometry tells whether the element is a recognized geometry literal.
func IsGeometry(el *parser.XMLElement) bool {
	switch el.Name.Local {
	case "Point", "LineString", "LinearRing", "Polygon",
		"MultiPoint", "MultiLineString", "MultiCurve",
		"MultiPolygon", "MultiSurface", "MultiGeometry":
		return gmlSpace(el)
	}
	return false
}

// IsEnvelope tells whether the element is a gml:Envelope.
func IsEnvelope(el *parser.XMLElement) bool {
	return el.Name.Local == "Envelope" && gmlSpace(el)
}

func gmlSpace(el *parser.XMLElement) bool {
	switch el.Name.Space {
	case parser.NSGML, parser.NSGML31, "":
		return true
	// undeclared prefix, kept verbatim by the decoder
	case "gml":
		return true
	}
	return false
}

// Parse reads one geometry literal.
func Parse(el *parser.XMLElement, ctx Context) (geom.Geometry, error) {
	c, err := elementCRS(el, ctx)
	if err != nil {
		return geom.Geometry{}, err
	}
	g, err := parseBody(el, c)
	if err != nil {
		return geom.Geometry{}, err
	}
	return geom.Geometry{Geom: g, CRS: c}, nil
}

// ParseEnvelope reads a gml:Envelope into a bounding box.
func ParseEnvelope(el *parser.XMLElement, ctx Context) (geom.BoundingBox, error) {
	c, err := elementCRS(el, ctx)
	if err != nil {
		return geom.BoundingBox{}, err
	}
	lower := el.FirstChild(parser.NSGML, "lowerCorner")
	upper := el.FirstChild(parser.NSGML, "upperCorner")
	if lower == nil || upper == nil {
		return geom.BoundingBox{}, ows.NewOperationParsingFailed("Envelope",
			"gml:Envelope needs lowerCorner and upperCorner")
	}
	lo, err := parsePos(lower.TrimmedText(), c)
	if err != nil {
		return geom.BoundingBox{}, err
	}
	hi, err := parsePos(upper.TrimmedText(), c)
	if err != nil {
		return geom.BoundingBox{}, err
	}
	box := geom.NewBoundingBox(c)
	box = box.ExtendToGeometry(lo)
	box = box.ExtendToGeometry(hi)
	return box, nil
}

func elementCRS(el *parser.XMLElement, ctx Context) (crs.CRS, error) {
	srsName := el.Attr("srsName")
	if srsName == "" {
		return ctx.DefaultCRS, nil
	}
	return crs.Parse(srsName, ctx.Policy)
}

func parseBody(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	switch el.Name.Local {
	case "Point":
		return parsePoint(el, c)
	case "LineString":
		return parseLineString(el, c)
	case "LinearRing":
		return parseLinearRing(el, c)
	case "Polygon":
		return parsePolygon(el, c)
	case "MultiPoint":
		return parseMultiPoint(el, c)
	case "MultiLineString", "MultiCurve":
		return parseMultiLineString(el, c)
	case "MultiPolygon", "MultiSurface":
		return parseMultiPolygon(el, c)
	case "MultiGeometry":
		return parseMultiGeometry(el, c)
	default:
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"unsupported geometry element <%s>", el.Name.Local)
	}
}

func parsePoint(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	if pos := el.FirstChild(parser.NSGML, "pos"); pos != nil {
		return parsePos(pos.TrimmedText(), c)
	}
	// GML 2 style <gml:coordinates>x,y</gml:coordinates>
	if coords := el.FirstChild(parser.NSGML, "coordinates"); coords != nil {
		pts, err := parseCoordinates(coords.TrimmedText(), c)
		if err != nil {
			return nil, err
		}
		if len(pts) != 1 {
			return nil, ows.NewOperationParsingFailed("Point", "a point needs one coordinate pair")
		}
		return pts[0], nil
	}
	return nil, ows.NewOperationParsingFailed("Point", "gml:Point needs a gml:pos")
}

func parseLineString(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	pts, err := memberPoints(el, c)
	if err != nil {
		return nil, err
	}
	if len(pts) < 2 {
		return nil, ows.NewOperationParsingFailed("LineString",
			"a line string needs at least two positions")
	}
	return orb.LineString(pts), nil
}

func parseLinearRing(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	ring, err := parseRing(el, c)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

func parseRing(el *parser.XMLElement, c crs.CRS) (orb.Ring, error) {
	pts, err := memberPoints(el, c)
	if err != nil {
		return nil, err
	}
	if len(pts) < 4 {
		return nil, ows.NewOperationParsingFailed("LinearRing",
			"a linear ring needs at least four positions")
	}
	ring := orb.Ring(pts)
	if ring[0] != ring[len(ring)-1] {
		return nil, ows.NewOperationParsingFailed("LinearRing",
			"a linear ring must be closed")
	}
	return ring, nil
}

func parsePolygon(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	var poly orb.Polygon
	exterior := el.FirstChild(parser.NSGML, "exterior")
	if exterior == nil {
		return nil, ows.NewOperationParsingFailed("Polygon", "gml:Polygon needs a gml:exterior")
	}
	ringEl := exterior.FirstChild(parser.NSGML, "LinearRing")
	if ringEl == nil {
		return nil, ows.NewOperationParsingFailed("Polygon", "gml:exterior needs a gml:LinearRing")
	}
	ring, err := parseRing(ringEl, c)
	if err != nil {
		return nil, err
	}
	poly = append(poly, ring)

	for _, child := range el.Children {
		if !child.Is(parser.NSGML, "interior") {
			continue
		}
		ringEl := child.FirstChild(parser.NSGML, "LinearRing")
		if ringEl == nil {
			return nil, ows.NewOperationParsingFailed("Polygon", "gml:interior needs a gml:LinearRing")
		}
		ring, err := parseRing(ringEl, c)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

func parseMultiPoint(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	var mp orb.MultiPoint
	err := eachMember(el, "pointMember", "pointMembers", "Point", func(member *parser.XMLElement) error {
		g, err := parsePoint(member, c)
		if err != nil {
			return err
		}
		mp = append(mp, g.(orb.Point))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func parseMultiLineString(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	var mls orb.MultiLineString
	err := eachMember(el, "curveMember", "curveMembers", "LineString", func(member *parser.XMLElement) error {
		g, err := parseLineString(member, c)
		if err != nil {
			return err
		}
		mls = append(mls, g.(orb.LineString))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mls, nil
}

func parseMultiPolygon(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	var mp orb.MultiPolygon
	err := eachMember(el, "surfaceMember", "surfaceMembers", "Polygon", func(member *parser.XMLElement) error {
		g, err := parsePolygon(member, c)
		if err != nil {
			return err
		}
		mp = append(mp, g.(orb.Polygon))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func parseMultiGeometry(el *parser.XMLElement, c crs.CRS) (orb.Geometry, error) {
	var coll orb.Collection
	for _, child := range el.Children {
		if !child.Is(parser.NSGML, "geometryMember") {
			continue
		}
		for _, inner := range child.Children {
			g, err := parseBody(inner, c)
			if err != nil {
				return nil, err
			}
			coll = append(coll, g)
		}
	}
	if len(coll) == 0 {
		return nil, ows.NewOperationParsingFailed("MultiGeometry",
			"gml:MultiGeometry has no members")
	}
	return coll, nil
}

// eachMember walks both the singular member wrapper and the plural members
// container used by GML 3.2.
func eachMember(el *parser.XMLElement, singular, plural, inner string, fn func(*parser.XMLElement) error) error {
	found := false
	for _, child := range el.Children {
		switch {
		case child.Is(parser.NSGML, singular):
			g := child.FirstChild(parser.NSGML, inner)
			if g == nil {
				return ows.NewOperationParsingFailed(singular,
					"gml:%s needs a gml:%s", singular, inner)
			}
			found = true
			if err := fn(g); err != nil {
				return err
			}
		case child.Is(parser.NSGML, plural):
			for _, g := range child.Children {
				if !g.Is(parser.NSGML, inner) {
					continue
				}
				found = true
				if err := fn(g); err != nil {
					return err
				}
			}
		}
	}
	if !found {
		return ows.NewOperationParsingFailed(el.Name.Local,
			"gml:%s has no members", el.Name.Local)
	}
	return nil
}

// memberPoints reads a gml:posList (or pos/coordinates fallbacks).
func memberPoints(el *parser.XMLElement, c crs.CRS) ([]orb.Point, error) {
	if posList := el.FirstChild(parser.NSGML, "posList"); posList != nil {
		dim := 2
		if d := posList.Attr("srsDimension"); d != "" {
			parsed, err := strconv.Atoi(d)
			if err != nil || parsed < 2 || parsed > 3 {
				return nil, ows.NewOperationParsingFailed("posList",
					"invalid srsDimension %q", d)
			}
			dim = parsed
		}
		return parsePosList(posList.TrimmedText(), dim, c)
	}
	if coords := el.FirstChild(parser.NSGML, "coordinates"); coords != nil {
		return parseCoordinates(coords.TrimmedText(), c)
	}
	var pts []orb.Point
	for _, child := range el.Children {
		if !child.Is(parser.NSGML, "pos") {
			continue
		}
		p, err := parsePos(child.TrimmedText(), c)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	if pts == nil {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"gml:%s has no coordinates", el.Name.Local)
	}
	return pts, nil
}

func parsePos(text string, c crs.CRS) (orb.Point, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return orb.Point{}, ows.NewOperationParsingFailed("pos",
			"invalid coordinate pair %q", text)
	}
	a, err1 := strconv.ParseFloat(fields[0], 64)
	b, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return orb.Point{}, ows.NewOperationParsingFailed("pos",
			"invalid coordinate pair %q", text)
	}
	return newPoint(a, b, c), nil
}

func parsePosList(text string, dim int, c crs.CRS) ([]orb.Point, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields)%dim != 0 {
		return nil, ows.NewOperationParsingFailed("posList",
			"coordinate list does not divide into %d-dimensional positions", dim)
	}
	pts := make([]orb.Point, 0, len(fields)/dim)
	for i := 0; i < len(fields); i += dim {
		a, err1 := strconv.ParseFloat(fields[i], 64)
		b, err2 := strconv.ParseFloat(fields[i+1], 64)
		if err1 != nil || err2 != nil {
			return nil, ows.NewOperationParsingFailed("posList",
				"invalid ordinate near %q", fields[i])
		}
		pts = append(pts, newPoint(a, b, c))
	}
	return pts, nil
}

// parseCoordinates reads the GML 2 "x,y x,y" notation, always x/y order.
func parseCoordinates(text string, _ crs.CRS) ([]orb.Point, error) {
	var pts []orb.Point
	for _, pair := range strings.Fields(text) {
		parts := strings.Split(pair, ",")
		if len(parts) < 2 {
			return nil, ows.NewOperationParsingFailed("coordinates",
				"invalid coordinate pair %q", pair)
		}
		x, err1 := strconv.ParseFloat(parts[0], 64)
		y, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return nil, ows.NewOperationParsingFailed("coordinates",
				"invalid coordinate pair %q", pair)
		}
		pts = append(pts, orb.Point{x, y})
	}
	if len(pts) == 0 {
		return nil, ows.NewOperationParsingFailed("coordinates", "no coordinates given")
	}
	return pts, nil
}

// newPoint stores a document-order pair as east/north.
func newPoint(a, b float64, c crs.CRS) orb.Point {
	if c.IsNorthEastOrder() {
		return orb.Point{b, a}
	}
	return orb.Point{a, b}
}
