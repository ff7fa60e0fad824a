package query

import (
	"context"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/backend/memstore"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser/fes"
	"github.com/mapgrid/wfserver/internal/parser/gml"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
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
			{
				Name: "city",
				Fields: []schema.FieldSpec{
					{Name: "name", Type: schema.FTString},
				},
			},
		},
		GeometryField: "location",
		DefaultCRS:    crs.RDNew,
	})
	if err != nil {
		t.Fatalf("BuildFeatureType: %v", err)
	}
	return ft
}

func testStore() *memstore.Store {
	store := memstore.New()
	store.Load("restaurants", []backend.Row{
		{
			"id": int64(1), "name": "Café Central", "rating": 4.5, "city.name": "Amsterdam",
			"location": geom.Geometry{Geom: orb.Point{121000, 487000}, CRS: crs.RDNew},
		},
		{
			"id": int64(2), "name": "De Pizzabakker", "rating": 3.0, "city.name": "Utrecht",
			"location": geom.Geometry{Geom: orb.Point{136000, 455000}, CRS: crs.RDNew},
		},
		{
			"id": int64(3), "name": "Cafe Noord", "rating": nil, "city.name": "Groningen",
			"location": geom.Geometry{Geom: orb.Point{233000, 582000}, CRS: crs.RDNew},
		},
	})
	return store
}

func compile(t *testing.T, q *wfs.AdhocQuery, opts Options) (*backend.Query, *Projection) {
	t.Helper()
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
		Opts:        opts,
	}
	compiled, proj, err := c.Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return compiled, proj
}

func matchIDs(t *testing.T, q *backend.Query) []int64 {
	t.Helper()
	cur, err := testStore().Open(context.Background(), q)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cur.Close()
	var ids []int64
	for cur.Next() {
		ids = append(ids, cur.Row()["id"].(int64))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return ids
}

func filterFrom(t *testing.T, doc string) *fes.Filter {
	t.Helper()
	f, err := fes.ParseFilterXML(doc, gml.Context{DefaultCRS: crs.CRS84})
	if err != nil {
		t.Fatalf("ParseFilterXML: %v", err)
	}
	return f
}

func TestCompile_Comparison(t *testing.T) {
	f := filterFrom(t, `<Filter><PropertyIsGreaterThanOrEqualTo>
		<ValueReference>rating</ValueReference><Literal>3.0</Literal>
	</PropertyIsGreaterThanOrEqualTo></Filter>`)

	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_ReversedOperands(t *testing.T) {
	// Literal OP ValueReference swaps and inverts
	f := filterFrom(t, `<Filter><PropertyIsLessThan>
		<Literal>4.0</Literal><ValueReference>rating</ValueReference>
	</PropertyIsLessThan></Filter>`)

	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	// 4.0 < rating → rating > 4.0 → only the 4.5
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_InvalidLiteral(t *testing.T) {
	f := filterFrom(t, `<Filter><PropertyIsEqualTo>
		<ValueReference>rating</ValueReference><Literal>high</Literal>
	</PropertyIsEqualTo></Filter>`)

	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
	}
	_, _, err := c.Compile(&wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f})
	if err == nil {
		t.Fatal("non-numeric literal against a float field must fail")
	}
	if ows.AsError(err).Code != ows.InvalidParameterValue {
		t.Fatalf("code = %v", ows.AsError(err).Code)
	}
}

func TestCompile_Like(t *testing.T) {
	f := filterFrom(t, `<Filter><PropertyIsLike wildCard="*" singleChar="." escapeChar="\">
		<ValueReference>name</ValueReference><Literal>Caf*</Literal>
	</PropertyIsLike></Filter>`)

	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	// matches "Café Central" and "Cafe Noord", not "De Pizzabakker"
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("got %v", ids)
	}
}

func TestTranslateLikePattern(t *testing.T) {
	tests := []struct {
		pattern, wild, single, escape, want string
	}{
		{"Caf*", "*", ".", `\`, "Caf%"},
		{"C.f*", "*", ".", `\`, "C_f%"},
		{`100\*`, "*", ".", `\`, `100*`},
		{"50%", "*", ".", `\`, `50\%`},
	}
	for _, tc := range tests {
		got, err := translateLikePattern(tc.pattern, tc.wild, tc.single, tc.escape)
		if err != nil {
			t.Fatalf("translateLikePattern(%q): %v", tc.pattern, err)
		}
		if got != tc.want {
			t.Fatalf("translateLikePattern(%q) = %q, want %q", tc.pattern, got, tc.want)
		}
	}
}

func TestCompile_IsNull(t *testing.T) {
	for _, tag := range []string{"PropertyIsNil", "PropertyIsNull"} {
		f := filterFrom(t, `<Filter><`+tag+`>
			<ValueReference>rating</ValueReference>
		</`+tag+`></Filter>`)
		q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
		ids := matchIDs(t, q)
		if len(ids) != 1 || ids[0] != 3 {
			t.Fatalf("%s: got %v", tag, ids)
		}
	}
}

func TestCompile_ResourceIDs(t *testing.T) {
	q, _ := compile(t, &wfs.AdhocQuery{
		TypeNames:   []string{"restaurant"},
		ResourceIDs: []fes.ResourceID{{Rid: "restaurant.1"}, {Rid: "restaurant.3"}, {Rid: "other.2"}},
	}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_MalformedResourceID(t *testing.T) {
	// lenient mode: empty result, not an error
	q, _ := compile(t, &wfs.AdhocQuery{
		TypeNames:   []string{"restaurant"},
		ResourceIDs: []fes.ResourceID{{Rid: "restaurant.garbage"}},
	}, Options{})
	if ids := matchIDs(t, q); ids != nil {
		t.Fatalf("got %v", ids)
	}

	// strict-standard mode surfaces the error
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
		Opts:        Options{StrictStandard: true},
	}
	_, _, err := c.Compile(&wfs.AdhocQuery{
		TypeNames:   []string{"restaurant"},
		ResourceIDs: []fes.ResourceID{{Rid: "restaurant.garbage"}},
	})
	if err == nil {
		t.Fatal("strict mode must reject malformed ids")
	}
}

func TestCompile_KVPBBox(t *testing.T) {
	// Amsterdam-ish box in CRS84, reprojected onto the RD data
	q, _ := compile(t, &wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		BBox: &wfs.BBoxParam{
			Coords: [4]float64{4.7, 52.2, 5.0, 52.5},
			CRS:    "urn:ogc:def:crs:OGC::CRS84",
		},
	}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_SpatialIntersects(t *testing.T) {
	f := filterFrom(t, `<Filter xmlns:gml="http://www.opengis.net/gml/3.2">
		<Intersects>
			<ValueReference>location</ValueReference>
			<gml:Envelope srsName="urn:ogc:def:crs:EPSG::28992">
				<gml:lowerCorner>130000 450000</gml:lowerCorner>
				<gml:upperCorner>140000 460000</gml:upperCorner>
			</gml:Envelope>
		</Intersects>
	</Filter>`)
	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_DWithinUnits(t *testing.T) {
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
	}
	f := filterFrom(t, `<Filter xmlns:gml="http://www.opengis.net/gml/3.2">
		<DWithin>
			<ValueReference>location</ValueReference>
			<gml:Point srsName="urn:ogc:def:crs:EPSG::28992"><gml:pos>121000 487000</gml:pos></gml:Point>
			<Distance uom="deg">0.1</Distance>
		</DWithin>
	</Filter>`)
	_, _, err := c.Compile(&wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f})
	if err == nil {
		t.Fatal("degrees against a projected CRS must fail")
	}

	f = filterFrom(t, `<Filter xmlns:gml="http://www.opengis.net/gml/3.2">
		<DWithin>
			<ValueReference>location</ValueReference>
			<gml:Point srsName="urn:ogc:def:crs:EPSG::28992"><gml:pos>121000 487000</gml:pos></gml:Point>
			<Distance uom="km">5</Distance>
		</DWithin>
	</Filter>`)
	q, _, err := c.Compile(&wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	pred := q.Predicate.(backend.DistancePred)
	if pred.Distance != 5000 {
		t.Fatalf("km must convert to meters, got %v", pred.Distance)
	}
}

func TestCompile_SortBy(t *testing.T) {
	q, _ := compile(t, &wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		SortBy:    []fes.SortProperty{{XPath: "app:rating", Descending: true}},
	}, Options{})

	// the identity tiebreaker is appended
	if len(q.Orderings) != 2 || q.Orderings[0].Path != "rating" || !q.Orderings[0].Descending {
		t.Fatalf("got %+v", q.Orderings)
	}
	if q.Orderings[1].Path != "id" {
		t.Fatalf("missing id tiebreaker: %+v", q.Orderings)
	}

	ids := matchIDs(t, q)
	// nulls order last
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_UnknownSortField(t *testing.T) {
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
	}
	_, _, err := c.Compile(&wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		SortBy:    []fes.SortProperty{{XPath: "bogus"}},
	})
	if err == nil {
		t.Fatal("unknown sort field must fail")
	}
	if ows.AsError(err).Locator != "sortBy" {
		t.Fatalf("locator = %q", ows.AsError(err).Locator)
	}
}

func TestCompile_Function(t *testing.T) {
	f := filterFrom(t, `<Filter><PropertyIsEqualTo>
		<Function name="strToLowerCase"><ValueReference>city/name</ValueReference></Function>
		<Literal>utrecht</Literal>
	</PropertyIsEqualTo></Filter>`)
	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("got %v", ids)
	}
}

func TestCompile_FunctionArity(t *testing.T) {
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
	}
	f := filterFrom(t, `<Filter><PropertyIsEqualTo>
		<Function name="strToLowerCase"></Function>
		<Literal>x</Literal>
	</PropertyIsEqualTo></Filter>`)
	if _, _, err := c.Compile(&wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}); err == nil {
		t.Fatal("wrong arity must fail")
	}

	f = filterFrom(t, `<Filter><PropertyIsEqualTo>
		<Function name="nope"><Literal>x</Literal></Function>
		<Literal>x</Literal>
	</PropertyIsEqualTo></Filter>`)
	if _, _, err := c.Compile(&wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}); err == nil {
		t.Fatal("unknown function must fail")
	}
}

func TestCompile_Arithmetic(t *testing.T) {
	f := filterFrom(t, `<Filter><PropertyIsEqualTo>
		<Add><ValueReference>rating</ValueReference><Literal>0.5</Literal></Add>
		<Literal>5</Literal>
	</PropertyIsEqualTo></Filter>`)
	q, _ := compile(t, &wfs.AdhocQuery{TypeNames: []string{"restaurant"}, Filter: f}, Options{})
	ids := matchIDs(t, q)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("got %v", ids)
	}
}

func TestPlan_Projection(t *testing.T) {
	_, proj := compile(t, &wfs.AdhocQuery{
		TypeNames:     []string{"restaurant"},
		PropertyNames: []string{"name"},
	}, Options{})

	// the requested field, plus geometry, is selected
	var names []string
	for _, el := range proj.RootElements() {
		names = append(names, el.Name)
	}
	if len(names) != 2 || names[0] != "name" || names[1] != "location" {
		t.Fatalf("selected = %v", names)
	}

	// all columns: id, name, geometry
	if len(proj.Columns) != 3 {
		t.Fatalf("columns = %+v", proj.Columns)
	}
}

func TestPlan_OutputCRS(t *testing.T) {
	_, proj := compile(t, &wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		SrsName:   "urn:ogc:def:crs:EPSG::4326",
	}, Options{})
	if proj.OutputCRS.SRID != 4326 || !proj.NeedsReprojection() {
		t.Fatalf("got %+v", proj.OutputCRS)
	}

	g := proj.OutputGeometry(geom.Geometry{Geom: orb.Point{155000, 463000}, CRS: crs.RDNew})
	p := g.Geom.(orb.Point)
	if p[0] < 5.3 || p[0] > 5.5 || p[1] < 52.1 || p[1] > 52.2 {
		t.Fatalf("reprojection off: %v", p)
	}
}

func TestPlan_SupportedCrsOnly(t *testing.T) {
	c := &Compiler{
		FeatureType: testFeatureType(t),
		Functions:   NewFunctionRegistry(),
		Transforms:  crs.NewRegistry(),
		Opts:        Options{SupportedCrsOnly: true},
	}
	_, _, err := c.Compile(&wfs.AdhocQuery{
		TypeNames: []string{"restaurant"},
		SrsName:   "urn:ogc:def:crs:EPSG::3857",
	})
	if err == nil {
		t.Fatal("unlisted srsName must fail with SupportedCrsOnly")
	}
}

func TestStoredQuery_GetFeatureById(t *testing.T) {
	reg := NewStoredQueryRegistry()
	types := schema.NewRegistry()
	types.Add(testFeatureType(t))

	def, err := reg.Resolve(GetFeatureByIDName)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	queries, single, err := def.Resolve(map[string]string{"ID": "restaurant.5"}, types, false)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !single || len(queries) != 1 {
		t.Fatalf("got single=%v queries=%d", single, len(queries))
	}
	if queries[0].ResourceIDs[0].Rid != "restaurant.5" {
		t.Fatalf("got %+v", queries[0])
	}

	// malformed id: 404 in lenient mode, 400 in strict mode
	_, _, err = def.Resolve(map[string]string{"ID": "garbage"}, types, false)
	if ows.AsError(err).Status != 404 {
		t.Fatalf("lenient status = %d", ows.AsError(err).Status)
	}
	_, _, err = def.Resolve(map[string]string{"ID": "garbage"}, types, true)
	if ows.AsError(err).Status != 400 {
		t.Fatalf("strict status = %d", ows.AsError(err).Status)
	}

	if _, err := reg.Resolve("urn:nope"); err == nil {
		t.Fatal("unknown stored query must fail")
	}
}
