package geom

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/crs"
)

func TestBoundingBox_Extend(t *testing.T) {
	box := NewBoundingBox(crs.RDNew)
	if box.IsValid() {
		t.Fatal("fresh box must be invalid")
	}
	box = box.ExtendToGeometry(orb.Point{1, 10})
	box = box.ExtendToGeometry(orb.Point{5, 2})
	if !box.IsValid() {
		t.Fatal("box should be valid after extending")
	}
	if box.LowerX != 1 || box.LowerY != 2 || box.UpperX != 5 || box.UpperY != 10 {
		t.Fatalf("got %+v", box)
	}
}

func TestBoundingBox_UnionAndIntersects(t *testing.T) {
	a := NewBoundingBox(crs.RDNew).
		ExtendToGeometry(orb.Point{0, 0}).
		ExtendToGeometry(orb.Point{2, 2})
	b := NewBoundingBox(crs.RDNew).
		ExtendToGeometry(orb.Point{1, 1}).
		ExtendToGeometry(orb.Point{3, 3})
	c := NewBoundingBox(crs.RDNew).
		ExtendToGeometry(orb.Point{5, 5}).
		ExtendToGeometry(orb.Point{6, 6})

	if !a.Intersects(b) {
		t.Fatal("a and b overlap")
	}
	if a.Intersects(c) {
		t.Fatal("a and c are disjoint")
	}
	u := a.Union(c)
	if u.LowerX != 0 || u.UpperX != 6 {
		t.Fatalf("union got %+v", u)
	}
}

func TestFormatPos_AxisOrder(t *testing.T) {
	p := orb.Point{5.1, 52.3} // lon, lat in memory

	if got := FormatPos(p, crs.WGS84, 6); got != "52.3 5.1" {
		t.Fatalf("EPSG:4326 emits latitude first, got %q", got)
	}
	if got := FormatPos(p, crs.CRS84, 6); got != "5.1 52.3" {
		t.Fatalf("CRS84 emits longitude first, got %q", got)
	}
	if got := FormatPos(p, crs.RDNew, 6); got != "5.1 52.3" {
		t.Fatalf("projected CRS emits x first, got %q", got)
	}
}

func TestFormatOrdinate_Precision(t *testing.T) {
	if got := FormatOrdinate(5.123456789, 6); got != "5.123457" {
		t.Fatalf("got %q", got)
	}
	if got := FormatOrdinate(5.5, 6); got != "5.5" {
		t.Fatalf("trailing zeros should trim, got %q", got)
	}
	if got := FormatOrdinate(5, 6); got != "5" {
		t.Fatalf("got %q", got)
	}
}

func TestSwapAxes(t *testing.T) {
	poly := orb.Polygon{{{1, 2}, {3, 4}, {5, 6}, {1, 2}}}
	swapped, ok := SwapAxes(poly).(orb.Polygon)
	if !ok {
		t.Fatalf("kind changed: %T", SwapAxes(poly))
	}
	if swapped[0][0] != (orb.Point{2, 1}) {
		t.Fatalf("got %v", swapped[0][0])
	}
	// input untouched
	if poly[0][0] != (orb.Point{1, 2}) {
		t.Fatal("SwapAxes must not mutate its input")
	}
}

func TestGMLName(t *testing.T) {
	tests := []struct {
		g    orb.Geometry
		want string
	}{
		{orb.Point{}, "Point"},
		{orb.LineString{}, "LineString"},
		{orb.Polygon{}, "Polygon"},
		{orb.MultiPolygon{}, "MultiSurface"},
		{orb.Collection{}, "MultiGeometry"},
	}
	for _, tc := range tests {
		if got := GMLName(tc.g); got != tc.want {
			t.Fatalf("GMLName(%T) = %q, want %q", tc.g, got, tc.want)
		}
	}
}
