package crs

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestParse_URNForms(t *testing.T) {
	tests := []struct {
		uri       string
		srid      int
		authority string
		northEast bool
	}{
		{"urn:ogc:def:crs:EPSG::4326", 4326, "EPSG", true},
		{"urn:ogc:def:crs:EPSG::28992", 28992, "EPSG", false},
		{"urn:ogc:def:crs:OGC::CRS84", 4326, "OGC", false},
		{"urn:opengis:def:crs:EPSG:6.9:4258", 4258, "EPSG", true},
		{"http://www.opengis.net/def/crs/epsg/0/4326", 4326, "EPSG", true},
	}
	for _, tc := range tests {
		c, err := Parse(tc.uri, Policy{})
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.uri, err)
		}
		if c.SRID != tc.srid || c.Authority != tc.authority {
			t.Fatalf("Parse(%q) = %+v, want srid=%d authority=%s", tc.uri, c, tc.srid, tc.authority)
		}
		if got := c.IsNorthEastOrder(); got != tc.northEast {
			t.Fatalf("Parse(%q).IsNorthEastOrder() = %v, want %v", tc.uri, got, tc.northEast)
		}
	}
}

func TestParse_BareSRID(t *testing.T) {
	c, err := Parse("28992", Policy{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.SRID != 28992 || c.URN() != "urn:ogc:def:crs:EPSG::28992" {
		t.Fatalf("got %+v", c)
	}
}

func TestParse_LegacyForceXY(t *testing.T) {
	// without the flag, EPSG:4326 keeps the authority ordering
	c, err := Parse("EPSG:4326", Policy{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.ForceXY || !c.IsNorthEastOrder() {
		t.Fatalf("EPSG:4326 without policy should stay north/east, got %+v", c)
	}

	c, err = Parse("EPSG:4326", Policy{ForceXyEpsg4326: true})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !c.ForceXY || c.IsNorthEastOrder() {
		t.Fatalf("EPSG:4326 with policy should coerce to x/y, got %+v", c)
	}

	// the coercion is specific to 4326
	c, err = Parse("EPSG:28992", Policy{ForceXyEpsg4326: true})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.ForceXY {
		t.Fatalf("EPSG:28992 must not be coerced: %+v", c)
	}

	c, err = Parse("http://www.opengis.net/gml/srs/epsg.xml#4326", Policy{ForceXyOldCrs: true})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !c.ForceXY {
		t.Fatalf("old-crs notation with policy should coerce to x/y, got %+v", c)
	}
	if c.String() != "http://www.opengis.net/gml/srs/epsg.xml#4326" {
		t.Fatalf("legacy rendering lost: %q", c.String())
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, uri := range []string{
		"",
		"urn:ogc:def:crs:FOO::4326",
		"urn:ogc:def:crs:OGC::CRS27",
		"EPSG:abc",
		"http://example.org/crs/4326",
	} {
		if _, err := Parse(uri, Policy{}); err == nil {
			t.Fatalf("Parse(%q) should fail", uri)
		}
	}
}

func TestMatches(t *testing.T) {
	a := MustParse("urn:ogc:def:crs:EPSG::4326")
	b, _ := Parse("EPSG:4326", Policy{ForceXyEpsg4326: true})
	if a.Matches(b) {
		t.Fatal("legacy force-xy form must not match the URN form")
	}
	if !a.Equivalent(b) {
		t.Fatal("both identify srid 4326")
	}
}

func TestTransform_RDRoundTrip(t *testing.T) {
	reg := NewRegistry()
	toWGS, err := reg.Get(RDNew, WGS84)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	back, err := reg.Get(WGS84, RDNew)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Onze Lieve Vrouwetoren, the RD origin reference point
	amersfoort := orb.Point{155000, 463000}
	ll := toWGS.ApplyPoint(amersfoort)
	if math.Abs(ll[0]-5.38720621) > 0.0001 || math.Abs(ll[1]-52.15517440) > 0.0001 {
		t.Fatalf("RD origin should map onto Amersfoort, got %v", ll)
	}
	rt := back.ApplyPoint(ll)
	if math.Abs(rt[0]-155000) > 1 || math.Abs(rt[1]-463000) > 1 {
		t.Fatalf("round trip drifted: %v", rt)
	}
}

func TestTransform_CacheReuse(t *testing.T) {
	reg := NewRegistry()
	hits, misses := 0, 0
	reg.OnHit = func() { hits++ }
	reg.OnMiss = func() { misses++ }

	if _, err := reg.Get(RDNew, WGS84); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := reg.Get(RDNew, WGS84); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if hits != 1 || misses != 1 {
		t.Fatalf("cache hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestTransform_Unsupported(t *testing.T) {
	reg := NewRegistry()
	exotic := FromSRID(2154)
	if _, err := reg.Get(exotic, WGS84); err == nil {
		t.Fatal("unregistered srid should fail")
	}
}

func TestTransform_ApplyGeometryClones(t *testing.T) {
	reg := NewRegistry()
	tr, err := reg.Get(RDNew, WGS84)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	src := orb.LineString{{155000, 463000}, {156000, 464000}}
	out := tr.Apply(src)
	if src[0][0] != 155000 {
		t.Fatal("transform must not mutate its input")
	}
	if _, ok := out.(orb.LineString); !ok {
		t.Fatalf("geometry kind changed: %T", out)
	}
}
