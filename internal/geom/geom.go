// Package geom pairs orb geometries with their CRS and implements the
// bounding-box math and coordinate formatting used by parsers and renderers.
package geom

import (
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/crs"
)

// Geometry is a geometry value plus the CRS its coordinates live in.
// Coordinates are always east/north in memory; axis swaps happen at the
// parse and emit boundaries only.
type Geometry struct {
	Geom orb.Geometry
	CRS  crs.CRS
}

// IsZero tells whether no geometry is present.
func (g Geometry) IsZero() bool { return g.Geom == nil }

// Bound returns the geometry extent as a bounding box in the same CRS.
func (g Geometry) Bound() BoundingBox {
	if g.Geom == nil {
		return NewBoundingBox(g.CRS)
	}
	b := g.Geom.Bound()
	return BoundingBox{
		LowerX: b.Min[0], LowerY: b.Min[1],
		UpperX: b.Max[0], UpperY: b.Max[1],
		CRS:   g.CRS,
		valid: true,
	}
}

// BoundingBox is a lower/upper corner pair with a CRS.
type BoundingBox struct {
	LowerX, LowerY float64
	UpperX, UpperY float64
	CRS            crs.CRS

	valid bool
}

// NewBoundingBox returns an empty box that corrects itself on first extend.
func NewBoundingBox(c crs.CRS) BoundingBox {
	return BoundingBox{
		LowerX: math.Inf(1), LowerY: math.Inf(1),
		UpperX: math.Inf(-1), UpperY: math.Inf(-1),
		CRS: c,
	}
}

// IsValid tells whether the box was extended at least once.
func (b BoundingBox) IsValid() bool { return b.valid }

// ExtendToGeometry unions the box with the extent of a geometry.
func (b BoundingBox) ExtendToGeometry(g orb.Geometry) BoundingBox {
	if g == nil {
		return b
	}
	bound := g.Bound()
	return b.extend(bound.Min[0], bound.Min[1]).extend(bound.Max[0], bound.Max[1])
}

// Union merges two boxes in the same CRS.
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	if !other.valid {
		return b
	}
	return b.extend(other.LowerX, other.LowerY).extend(other.UpperX, other.UpperY)
}

func (b BoundingBox) extend(x, y float64) BoundingBox {
	b.LowerX = math.Min(b.LowerX, x)
	b.LowerY = math.Min(b.LowerY, y)
	b.UpperX = math.Max(b.UpperX, x)
	b.UpperY = math.Max(b.UpperY, y)
	b.valid = true
	return b
}

// Intersects tells whether two boxes overlap or touch.
func (b BoundingBox) Intersects(other BoundingBox) bool {
	return b.valid && other.valid &&
		b.LowerX <= other.UpperX && b.UpperX >= other.LowerX &&
		b.LowerY <= other.UpperY && b.UpperY >= other.LowerY
}

// Bound returns the orb representation.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.LowerX, b.LowerY},
		Max: orb.Point{b.UpperX, b.UpperY},
	}
}

// Polygon returns the box as a closed ring, for spatial predicates.
func (b BoundingBox) Polygon() orb.Polygon {
	return b.Bound().ToPolygon()
}

// LowerCorner renders "x y", axis-swapped when the CRS is latitude-first.
func (b BoundingBox) LowerCorner(decimals int) string {
	return formatPos(b.LowerX, b.LowerY, b.CRS, decimals)
}

// UpperCorner renders "x y", axis-swapped when the CRS is latitude-first.
func (b BoundingBox) UpperCorner(decimals int) string {
	return formatPos(b.UpperX, b.UpperY, b.CRS, decimals)
}

// DefaultDecimals is the coordinate precision used when none is configured.
const DefaultDecimals = 6

// FormatOrdinate renders a single coordinate rounded to a fixed precision.
// Trailing zeros are trimmed, so 5.5 renders as "5.5" and 5 as "5".
func FormatOrdinate(v float64, decimals int) string {
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	// trim the surplus zeros, and the decimal point when nothing follows it
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// formatPos renders an "x y" pair in the emit axis order of the CRS.
func formatPos(x, y float64, c crs.CRS, decimals int) string {
	if c.IsNorthEastOrder() {
		x, y = y, x
	}
	return FormatOrdinate(x, decimals) + " " + FormatOrdinate(y, decimals)
}

// FormatPos renders a coordinate pair in the emit axis order of the CRS.
func FormatPos(p orb.Point, c crs.CRS, decimals int) string {
	return formatPos(p[0], p[1], c, decimals)
}

// SwapAxes flips the coordinate order of every position. Used at parse time
// for latitude-first input and never afterwards.
func SwapAxes(g orb.Geometry) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return orb.Point{v[1], v[0]}
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(v))
		for i, p := range v {
			out[i] = orb.Point{p[1], p[0]}
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(v))
		for i, p := range v {
			out[i] = orb.Point{p[1], p[0]}
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(v))
		for i, p := range v {
			out[i] = orb.Point{p[1], p[0]}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(v))
		for i, r := range v {
			out[i] = SwapAxes(r).(orb.Ring)
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(v))
		for i, ls := range v {
			out[i] = SwapAxes(ls).(orb.LineString)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			out[i] = SwapAxes(p).(orb.Polygon)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(v))
		for i, g := range v {
			out[i] = SwapAxes(g)
		}
		return out
	case orb.Bound:
		return orb.Bound{
			Min: orb.Point{v.Min[1], v.Min[0]},
			Max: orb.Point{v.Max[1], v.Max[0]},
		}
	default:
		return g
	}
}

// GMLName returns the GML 3.2 tag name of a geometry variant.
func GMLName(g orb.Geometry) string {
	switch g.(type) {
	case orb.Point:
		return "Point"
	case orb.LineString:
		return "LineString"
	case orb.Ring:
		return "LinearRing"
	case orb.Polygon:
		return "Polygon"
	case orb.MultiPoint:
		return "MultiPoint"
	case orb.MultiLineString:
		return "MultiCurve"
	case orb.MultiPolygon:
		return "MultiSurface"
	case orb.Collection:
		return "MultiGeometry"
	default:
		return "Geometry"
	}
}
