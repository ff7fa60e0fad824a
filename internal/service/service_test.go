package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/backend/memstore"
	"github.com/mapgrid/wfserver/internal/config"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/schema"
)

func testConfig() config.Config {
	return config.Config{
		BaseURL:            "http://example.org/wfs",
		DefaultPageSize:    5000,
		MaxPageSizeDefault: 5000,
		MaxPageSizeGeoJSON: -1,
		MaxPageSizeCSV:     -1,
		CountNumberMatched: 1,
		WrapFilterDbErrors: true,
		ForceXyEpsg4326:    true,
		ForceXyOldCrs:      true,
		CoordinateDecimals: 6,
		ChunkSize:          100,
	}
}

func testService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	types := schema.NewRegistry()
	ft, err := schema.BuildFeatureType(schema.FeatureTypeSpec{
		Name:      "restaurant",
		Namespace: "http://example.org/gisserver",
		Table:     "restaurants",
		NameField: "name",
		Fields: []schema.FieldSpec{
			{Name: "name", Type: schema.FTString},
			{Name: "rating", Type: schema.FTFloat, Nillable: true},
			{Name: "location", Type: schema.FTPoint, Nillable: true},
		},
		GeometryField: "location",
		DefaultCRS:    crs.RDNew,
		OtherCRS:      []crs.CRS{crs.WGS84, crs.CRS84},
	})
	if err != nil {
		t.Fatalf("BuildFeatureType: %v", err)
	}
	types.Add(ft)

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
		{
			"id": int64(3), "name": "Cafe Noord", "rating": 2.0,
			"location": geom.Geometry{Geom: orb.Point{233000, 582000}, CRS: crs.RDNew},
		},
	})

	return New(cfg, types, store, zerolog.Nop())
}

func get(t *testing.T, svc *Service, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/wfs?"+query, nil)
	w := httptest.NewRecorder()
	svc.Handler()(w, req)
	return w
}

func post(t *testing.T, svc *Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/wfs", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/xml")
	w := httptest.NewRecorder()
	svc.Handler()(w, req)
	return w
}

func TestGetCapabilities(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "SERVICE=WFS&REQUEST=GetCapabilities")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	for _, want := range []string{
		`<wfs:Name>app:restaurant</wfs:Name>`,
		`<wfs:DefaultCRS>urn:ogc:def:crs:EPSG::28992</wfs:DefaultCRS>`,
		`<wfs:Format>application/geo+json</wfs:Format>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("capabilities miss %q", want)
		}
	}
	if w.Header().Get("ETag") == "" {
		t.Fatal("capabilities carry an ETag")
	}
}

func TestGetCapabilities_VersionNegotiation(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "SERVICE=WFS&REQUEST=GetCapabilities&ACCEPTVERSIONS=3.0.0")
	if w.Code != 400 || !strings.Contains(w.Body.String(), "VersionNegotiationFailed") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
}

func TestDescribeFeatureType(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "SERVICE=WFS&REQUEST=DescribeFeatureType&TYPENAMES=app:restaurant")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `<xs:complexType name="RestaurantType">`) {
		t.Fatalf("got:\n%s", w.Body.String())
	}
}

func TestGetFeature_GMLWithReprojection(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "SERVICE=WFS&REQUEST=GetFeature&TYPENAMES=app:restaurant&COUNT=2"+
		"&SRSNAME=urn:ogc:def:crs:EPSG::4326")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	if !strings.Contains(doc, `numberReturned="2"`) || !strings.Contains(doc, `numberMatched="3"`) {
		t.Fatalf("counts wrong:\n%s", doc)
	}
	if !strings.Contains(doc, `<app:restaurant gml:id="restaurant.1">`) {
		t.Fatalf("got:\n%s", doc)
	}
	if !strings.Contains(doc, `srsName="urn:ogc:def:crs:EPSG::4326"`) {
		t.Fatalf("got:\n%s", doc)
	}
	// latitude first for the urn form
	start := strings.Index(doc, "<gml:pos>") + len("<gml:pos>")
	pos := doc[start : start+6]
	if !strings.HasPrefix(pos, "52.") {
		t.Fatalf("pos should start with latitude: %q", pos)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "restaurant 0") {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestGetFeature_GeoJSONWithBBox(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&OUTPUTFORMAT=geojson"+
		"&BBOX=4.58,52.03,5.31,52.49,urn:ogc:def:crs:OGC::CRS84")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/geo+json") {
		t.Fatalf("content type = %q", ct)
	}
	var doc struct {
		Features []struct {
			ID       string `json:"id"`
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
		NumberMatched int `json:"numberMatched"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, w.Body.String())
	}
	// the box covers Amsterdam and Utrecht, not Groningen
	if len(doc.Features) != 2 || doc.NumberMatched != 2 {
		t.Fatalf("got %+v", doc)
	}
	coords := doc.Features[0].Geometry.Coordinates
	if coords[0] > 90 || coords[0] < -90 && coords[1] > 50 {
		t.Fatalf("coordinates should be lon/lat degrees: %v", coords)
	}
	if coords[0] < 4.5 || coords[0] > 5.2 {
		t.Fatalf("longitude first expected: %v", coords)
	}
}

func TestGetFeature_PostFilter(t *testing.T) {
	svc := testService(t, testConfig())
	w := post(t, svc, `<wfs:GetFeature xmlns:wfs="http://www.opengis.net/wfs/2.0"
			xmlns:fes="http://www.opengis.net/fes/2.0"
			xmlns:gml="http://www.opengis.net/gml/3.2" service="WFS" version="2.0.0">
		<wfs:Query typeNames="app:restaurant">
			<fes:Filter>
				<fes:And>
					<fes:BBOX>
						<gml:Envelope srsName="urn:ogc:def:crs:OGC::CRS84">
							<gml:lowerCorner>4.58 52.03</gml:lowerCorner>
							<gml:upperCorner>5.31 52.49</gml:upperCorner>
						</gml:Envelope>
					</fes:BBOX>
					<fes:PropertyIsGreaterThanOrEqualTo>
						<fes:ValueReference>app:rating</fes:ValueReference>
						<fes:Literal>3.0</fes:Literal>
					</fes:PropertyIsGreaterThanOrEqualTo>
				</fes:And>
			</fes:Filter>
		</wfs:Query>
	</wfs:GetFeature>`)
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	if !strings.Contains(doc, `numberReturned="2"`) {
		t.Fatalf("got:\n%s", doc)
	}
	if strings.Contains(doc, "restaurant.3") {
		t.Fatal("Groningen is outside the box")
	}
}

func TestGetFeature_LikeFilter(t *testing.T) {
	svc := testService(t, testConfig())
	filter := `<Filter><PropertyIsLike wildCard="*" singleChar="." escapeChar="\">` +
		`<ValueReference>app:name</ValueReference><Literal>Caf*</Literal></PropertyIsLike></Filter>`
	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&FILTER="+url.QueryEscape(filter))
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	if !strings.Contains(doc, "restaurant.1") || !strings.Contains(doc, "restaurant.3") {
		t.Fatalf("got:\n%s", doc)
	}
	if strings.Contains(doc, "restaurant.2") {
		t.Fatal("De Pizzabakker must not match Caf*")
	}
}

func TestGetFeatureById(t *testing.T) {
	svc := testService(t, testConfig())

	w := get(t, svc, "REQUEST=GetFeature&STOREDQUERY_ID=urn:ogc:def:query:OGC-WFS::GetFeatureById&ID=restaurant.2")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	if !strings.Contains(doc, `<app:restaurant gml:id="restaurant.2"`) {
		t.Fatalf("got:\n%s", doc)
	}
	if strings.Contains(doc, "wfs:FeatureCollection") {
		t.Fatal("GetFeatureById returns the bare feature")
	}

	// nonexistent id: 404 with an exception report
	w = get(t, svc, "REQUEST=GetFeature&STOREDQUERY_ID=urn:ogc:def:query:OGC-WFS::GetFeatureById&ID=restaurant.999999")
	if w.Code != 404 || !strings.Contains(w.Body.String(), "ExceptionReport") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	// malformed id: 404 in CITE-compat mode
	w = get(t, svc, "REQUEST=GetFeature&STOREDQUERY_ID=urn:ogc:def:query:OGC-WFS::GetFeatureById&ID=garbage")
	if w.Code != 404 || !strings.Contains(w.Body.String(), "InvalidParameterValue") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	// strict standard turns that into a 400
	cfg := testConfig()
	cfg.WfsStrictStandard = true
	strictSvc := testService(t, cfg)
	w = get(t, strictSvc, "REQUEST=GetFeature&STOREDQUERY_ID=urn:ogc:def:query:OGC-WFS::GetFeatureById&ID=garbage")
	if w.Code != 400 {
		t.Fatalf("strict status = %d", w.Code)
	}
}

func TestGetFeature_PaginationDeterminism(t *testing.T) {
	svc := testService(t, testConfig())

	var collected []string
	for start := 0; start < 3; start++ {
		w := get(t, svc, fmt.Sprintf(
			"REQUEST=GetFeature&TYPENAMES=app:restaurant&SORTBY=name&COUNT=1&STARTINDEX=%d", start))
		if w.Code != 200 {
			t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
		}
		doc := w.Body.String()
		for id := 1; id <= 3; id++ {
			if strings.Contains(doc, fmt.Sprintf(`gml:id="restaurant.%d"`, id)) {
				collected = append(collected, fmt.Sprintf("restaurant.%d", id))
			}
		}
	}
	// sorted by name: Cafe Noord, Café Central, De Pizzabakker
	if len(collected) != 3 {
		t.Fatalf("pages must cover each row exactly once: %v", collected)
	}
	seen := map[string]bool{}
	for _, id := range collected {
		if seen[id] {
			t.Fatalf("row repeated across pages: %v", collected)
		}
		seen[id] = true
	}
}

func TestGetFeature_PaginationLinks(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "REQUEST=GetFeature&TypeNames=app:restaurant&OUTPUTFORMAT=geojson&Count=1&STARTINDEX=1")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	var doc struct {
		Links []map[string]string `json:"links"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(doc.Links) != 2 {
		t.Fatalf("links = %+v", doc.Links)
	}
	var next, prev string
	for _, l := range doc.Links {
		switch l["rel"] {
		case "next":
			next = l["href"]
		case "previous":
			prev = l["href"]
		}
	}
	// original parameter casing survives into the links
	if !strings.Contains(next, "TypeNames=app:restaurant") || !strings.Contains(next, "STARTINDEX=2") {
		t.Fatalf("next = %q", next)
	}
	if !strings.Contains(prev, "STARTINDEX=0") {
		t.Fatalf("previous = %q", prev)
	}
}

func TestGetFeature_CountPolicies(t *testing.T) {
	cfg := testConfig()
	cfg.CountNumberMatched = 0
	svc := testService(t, cfg)
	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant")
	if !strings.Contains(w.Body.String(), `numberMatched="unknown"`) {
		t.Fatalf("got:\n%s", w.Body.String())
	}

	cfg.CountNumberMatched = 2
	svc = testService(t, cfg)
	w = get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant")
	if !strings.Contains(w.Body.String(), `numberMatched="3"`) {
		t.Fatalf("first page should count:\n%s", w.Body.String())
	}
	w = get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&STARTINDEX=1")
	if !strings.Contains(w.Body.String(), `numberMatched="unknown"`) {
		t.Fatalf("later pages should not count:\n%s", w.Body.String())
	}
}

func TestGetFeature_Hits(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&RESULTTYPE=hits")
	doc := w.Body.String()
	if !strings.Contains(doc, `numberMatched="3"`) || !strings.Contains(doc, `numberReturned="0"`) {
		t.Fatalf("got:\n%s", doc)
	}
	if strings.Contains(doc, "wfs:member") {
		t.Fatal("hits must not return members")
	}
}

func TestGetFeature_Errors(t *testing.T) {
	svc := testService(t, testConfig())

	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:nowhere")
	if w.Code != 400 || !strings.Contains(w.Body.String(), "InvalidParameterValue") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	w = get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&OUTPUTFORMAT=shapefile")
	if w.Code != 400 || !strings.Contains(w.Body.String(), "outputFormat") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	w = get(t, svc, "REQUEST=Transaction")
	if w.Code != 400 || !strings.Contains(w.Body.String(), "OperationNotSupported") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	w = get(t, svc, "SERVICE=WMS&REQUEST=GetCapabilities")
	if w.Code != 400 {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetPropertyValue(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "REQUEST=GetPropertyValue&TYPENAMES=app:restaurant&VALUEREFERENCE=app:rating")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	doc := w.Body.String()
	if !strings.Contains(doc, "<wfs:ValueCollection") {
		t.Fatalf("got:\n%s", doc)
	}
	if !strings.Contains(doc, "<wfs:member><app:rating>4.5</app:rating></wfs:member>") {
		t.Fatalf("got:\n%s", doc)
	}
}

func TestStoredQueryListings(t *testing.T) {
	svc := testService(t, testConfig())

	w := get(t, svc, "REQUEST=ListStoredQueries")
	if w.Code != 200 || !strings.Contains(w.Body.String(), "GetFeatureById") {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	w = get(t, svc, "REQUEST=DescribeStoredQueries")
	if w.Code != 200 || !strings.Contains(w.Body.String(), `<wfs:Parameter name="ID"`) {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}

	w = get(t, svc, "REQUEST=DescribeStoredQueries&STOREDQUERY_ID=urn:nope")
	if w.Code != 400 {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCSVOutput(t *testing.T) {
	svc := testService(t, testConfig())
	w := get(t, svc, "REQUEST=GetFeature&TYPENAMES=app:restaurant&OUTPUTFORMAT=csv")
	if w.Code != 200 {
		t.Fatalf("status = %d\n%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d\n%s", len(lines), w.Body.String())
	}
}
