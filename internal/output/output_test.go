package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/backend/memstore"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

func testFeatureType(t *testing.T) *schema.FeatureType {
	t.Helper()
	ft, err := schema.BuildFeatureType(schema.FeatureTypeSpec{
		Name:      "restaurant",
		Namespace: "http://example.org/gisserver",
		Table:     "restaurants",
		Fields: []schema.FieldSpec{
			{Name: "name", Type: schema.FTString},
			{Name: "rating", Type: schema.FTFloat, Nillable: true},
			{Name: "location", Type: schema.FTPoint, Nillable: true},
		},
		GeometryField: "location",
		DefaultCRS:    crs.RDNew,
	})
	if err != nil {
		t.Fatalf("BuildFeatureType: %v", err)
	}
	return ft
}

func testCollection(t *testing.T, srsName string) *SimpleFeatureCollection {
	t.Helper()
	ft := testFeatureType(t)

	store := memstore.New()
	store.Load("restaurants", []backend.Row{
		{
			"id": int64(1), "name": "Café Central", "rating": 4.5,
			"location": geom.Geometry{Geom: orb.Point{121000, 487000}, CRS: crs.RDNew},
		},
		{
			"id": int64(2), "name": "De Pizzabakker", "rating": 3.0,
			"location": geom.Geometry{Geom: orb.Point{136000, 455000}, CRS: crs.RDNew},
		},
	})

	compiler := &query.Compiler{
		FeatureType: ft,
		Functions:   query.NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
	}
	opts := query.Options{}
	if srsName == "geojson" {
		crs84 := crs.CRS84
		opts.ForceOutputCRS = &crs84
		srsName = ""
	}
	compiler.Opts = opts

	q, proj, err := compiler.Compile(&wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		SrsName:   srsName,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return &SimpleFeatureCollection{
		FeatureType: ft,
		Projection:  proj,
		Query:       q,
		Store:       store,
	}
}

func testFC(sc *SimpleFeatureCollection) *FeatureCollection {
	return &FeatureCollection{
		Results:       []*SimpleFeatureCollection{sc},
		NumberMatched: 2,
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGML32_Render(t *testing.T) {
	sc := testCollection(t, "urn:ogc:def:crs:EPSG::4326")
	var buf bytes.Buffer
	r := &GML32Renderer{opts: RenderOptions{Decimals: 6}}
	if err := r.Render(context.Background(), &buf, testFC(sc)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	doc := buf.String()

	for _, want := range []string{
		`numberMatched="2"`,
		`numberReturned="2"`,
		`timeStamp="2024-05-01T12:00:00Z"`,
		`xmlns:app="http://example.org/gisserver"`,
		`<app:restaurant gml:id="restaurant.1">`,
		`<app:name>Café Central</app:name>`,
		`<app:rating>4.5</app:rating>`,
		`srsName="urn:ogc:def:crs:EPSG::4326"`,
		`</wfs:FeatureCollection>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document misses %q:\n%s", want, doc)
		}
	}

	// EPSG:4326 output is latitude-first
	posStart := strings.Index(doc, "<gml:pos>")
	posEnd := strings.Index(doc, "</gml:pos>")
	pos := doc[posStart+len("<gml:pos>") : posEnd]
	fields := strings.Fields(pos)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "52.") || !strings.HasPrefix(fields[1], "4.") {
		t.Fatalf("pos should be latitude first, got %q", pos)
	}
}

func TestGML32_HitsOnly(t *testing.T) {
	sc := testCollection(t, "")
	fc := testFC(sc)
	fc.HitsOnly = true
	var buf bytes.Buffer
	r := &GML32Renderer{opts: RenderOptions{Decimals: 6}}
	if err := r.Render(context.Background(), &buf, fc); err != nil {
		t.Fatalf("Render: %v", err)
	}
	doc := buf.String()
	if strings.Contains(doc, "wfs:member") {
		t.Fatal("hits response must not render members")
	}
	if !strings.Contains(doc, `numberMatched="2"`) || !strings.Contains(doc, `numberReturned="0"`) {
		t.Fatalf("counts wrong:\n%s", doc)
	}
}

func TestGML32_UnknownCount(t *testing.T) {
	sc := testCollection(t, "")
	fc := testFC(sc)
	fc.NumberMatched = MatchedUnknown
	var buf bytes.Buffer
	r := &GML32Renderer{opts: RenderOptions{Decimals: 6}}
	if err := r.Render(context.Background(), &buf, fc); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), `numberMatched="unknown"`) {
		t.Fatalf("got:\n%s", buf.String())
	}
}

func TestGeoJSON_Render(t *testing.T) {
	sc := testCollection(t, "geojson")
	fc := testFC(sc)
	fc.Next = "http://example.org/wfs?STARTINDEX=2"
	var buf bytes.Buffer
	r := &GeoJSONRenderer{opts: RenderOptions{Decimals: 6}}
	if err := r.Render(context.Background(), &buf, fc); err != nil {
		t.Fatalf("Render: %v", err)
	}

	var doc struct {
		Type string `json:"type"`
		CRS  struct {
			Properties struct {
				Name string `json:"name"`
			} `json:"properties"`
		} `json:"crs"`
		Features []struct {
			ID       string `json:"id"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
		Links          []map[string]string `json:"links"`
		NumberReturned int                 `json:"numberReturned"`
		NumberMatched  int                 `json:"numberMatched"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}

	if doc.Type != "FeatureCollection" || doc.CRS.Properties.Name != "urn:ogc:def:crs:OGC::CRS84" {
		t.Fatalf("header wrong: %+v", doc)
	}
	if doc.NumberReturned != 2 || doc.NumberMatched != 2 {
		t.Fatalf("counts wrong: %+v", doc)
	}
	if len(doc.Features) != 2 || doc.Features[0].ID != "restaurant.1" {
		t.Fatalf("features wrong: %+v", doc.Features)
	}
	// longitude first, Amsterdam-ish
	coords := doc.Features[0].Geometry.Coordinates
	if coords[0] < 4.5 || coords[0] > 5.2 || coords[1] < 52.2 || coords[1] > 52.5 {
		t.Fatalf("coordinates should be lon/lat: %v", coords)
	}
	if doc.Features[0].Properties["name"] != "Café Central" {
		t.Fatalf("properties wrong: %+v", doc.Features[0].Properties)
	}
	if _, hasGeom := doc.Features[0].Properties["location"]; hasGeom {
		t.Fatal("geometry must not repeat in properties")
	}
	if len(doc.Links) != 1 || doc.Links[0]["rel"] != "next" {
		t.Fatalf("links wrong: %+v", doc.Links)
	}
}

func TestCSV_Render(t *testing.T) {
	sc := testCollection(t, "")
	var buf bytes.Buffer
	r := &CSVRenderer{opts: RenderOptions{Decimals: 6}}
	if err := r.Render(context.Background(), &buf, testFC(sc)); err != nil {
		t.Fatalf("Render: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("rows = %d", len(records))
	}
	header := strings.Join(records[0], ",")
	if header != "id,name,rating,location" {
		t.Fatalf("header = %q", header)
	}
	if records[1][0] != "restaurant.1" || records[1][1] != "Café Central" {
		t.Fatalf("row = %v", records[1])
	}
	if !strings.HasPrefix(records[1][3], "POINT") {
		t.Fatalf("geometry column = %q", records[1][3])
	}
}

func TestResolveFormat(t *testing.T) {
	for _, tc := range []struct {
		in      string
		subtype string
		ok      bool
	}{
		{"", "gml/3.2.1", true},
		{"geojson", "geojson", true},
		{"application/geo+json", "geojson", true},
		{"application/gml+xml; version=3.2", "gml/3.2.1", true},
		{"csv", "csv", true},
		{"text/csv", "csv", true},
		{"shapefile", "", false},
	} {
		f, ok := ResolveFormat(tc.in)
		if ok != tc.ok {
			t.Fatalf("ResolveFormat(%q) ok=%v", tc.in, ok)
		}
		if ok && f.Subtype != tc.subtype {
			t.Fatalf("ResolveFormat(%q) = %q", tc.in, f.Subtype)
		}
	}
}

func TestContentDisposition(t *testing.T) {
	f, _ := ResolveFormat("csv")
	got := f.ContentDisposition([]string{"restaurant"}, 20, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if got != `attachment; filename="restaurant 20 2024-05-01.csv"` {
		t.Fatalf("got %q", got)
	}
}

func TestCountPolicy(t *testing.T) {
	sc := testCollection(t, "")
	ctx := context.Background()

	if _, known, _ := sc.NumberMatched(ctx, CountNever); known {
		t.Fatal("CountNever must report unknown")
	}
	n, known, err := sc.NumberMatched(ctx, CountAlways)
	if err != nil || !known || n != 2 {
		t.Fatalf("CountAlways = %d %v %v", n, known, err)
	}

	sc.Start = 10
	if _, known, _ := sc.NumberMatched(ctx, CountFirstPage); known {
		t.Fatal("CountFirstPage must report unknown past the first page")
	}
	sc.Start = 0
	if n, known, _ := sc.NumberMatched(ctx, CountFirstPage); !known || n != 2 {
		t.Fatalf("CountFirstPage first page = %d %v", n, known)
	}
}

func TestRenderCapabilities(t *testing.T) {
	types := schema.NewRegistry()
	types.Add(testFeatureType(t))
	doc := string(RenderCapabilities(CapabilitiesData{
		Service:         ServiceInfo{Title: "Places"},
		BaseURL:         "http://example.org/wfs",
		Types:           types.All(),
		Stored:          query.NewStoredQueryRegistry(),
		Funcs:           query.NewFunctionRegistry(),
		DefaultPageSize: 5000,
	}))

	for _, want := range []string{
		`<wfs:Name>app:restaurant</wfs:Name>`,
		`<wfs:DefaultCRS>urn:ogc:def:crs:EPSG::28992</wfs:DefaultCRS>`,
		`<wfs:Format>application/geo+json</wfs:Format>`,
		`<ows:Operation name="GetFeature">`,
		`<fes:SpatialOperator name="BBOX"/>`,
		`<fes:Function name="strToLowerCase">`,
		`name="ImplementsBasicWFS"`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("capabilities miss %q", want)
		}
	}
}

func TestRenderXSD(t *testing.T) {
	doc := string(RenderXSD([]*schema.FeatureType{testFeatureType(t)}))
	for _, want := range []string{
		`targetNamespace="http://example.org/gisserver"`,
		`<xs:element name="restaurant" type="app:RestaurantType" substitutionGroup="gml:AbstractFeature"/>`,
		`<xs:complexType name="RestaurantType">`,
		`<xs:element name="rating" type="xs:double" minOccurs="0" nillable="true"/>`,
		`<xs:element name="location" type="gml:PointPropertyType" minOccurs="0" nillable="true"/>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("schema misses %q:\n%s", want, doc)
		}
	}
}

func TestRenderStoredQueries(t *testing.T) {
	types := schema.NewRegistry()
	types.Add(testFeatureType(t))
	reg := query.NewStoredQueryRegistry()

	list := string(RenderListStoredQueries(reg, types))
	if !strings.Contains(list, "urn:ogc:def:query:OGC-WFS::GetFeatureById") {
		t.Fatalf("got:\n%s", list)
	}
	describe := string(RenderDescribeStoredQueries(reg.All(), types))
	if !strings.Contains(describe, `<wfs:Parameter name="ID"`) {
		t.Fatalf("got:\n%s", describe)
	}
}
