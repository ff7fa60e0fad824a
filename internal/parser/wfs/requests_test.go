package wfs

import (
	"net/url"
	"reflect"
	"testing"

	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/fes"
)

func fromKVP(t *testing.T, query string) Request {
	t.Helper()
	values, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	req, err := FromKVP(parser.NewKVP(values), crs.Policy{})
	if err != nil {
		t.Fatalf("FromKVP(%q): %v", query, err)
	}
	return req
}

func fromXML(t *testing.T, doc string) Request {
	t.Helper()
	root, err := parser.ParseXML([]byte(doc))
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	req, err := FromXML(root, crs.Policy{})
	if err != nil {
		t.Fatalf("FromXML: %v", err)
	}
	return req
}

func TestGetFeature_KVPEqualsXML(t *testing.T) {
	kvp := fromKVP(t, "SERVICE=WFS&REQUEST=GetFeature&VERSION=2.0.0"+
		"&TYPENAMES=app:restaurant&COUNT=10&STARTINDEX=20"+
		"&SRSNAME=urn:ogc:def:crs:EPSG::4326&SORTBY=rating DESC").(GetFeature)

	xml := fromXML(t, `<wfs:GetFeature xmlns:wfs="http://www.opengis.net/wfs/2.0"
			xmlns:fes="http://www.opengis.net/fes/2.0"
			service="WFS" version="2.0.0" count="10" startIndex="20">
		<wfs:Query typeNames="app:restaurant" srsName="urn:ogc:def:crs:EPSG::4326">
			<fes:SortBy>
				<fes:SortProperty>
					<fes:ValueReference>rating</fes:ValueReference>
					<fes:SortOrder>DESC</fes:SortOrder>
				</fes:SortProperty>
			</fes:SortBy>
		</wfs:Query>
	</wfs:GetFeature>`).(GetFeature)

	if kvp.Count != xml.Count || kvp.StartIndex != xml.StartIndex {
		t.Fatalf("pagination differs: kvp=%+v xml=%+v", kvp, xml)
	}
	kq := kvp.Queries[0].(*AdhocQuery)
	xq := xml.Queries[0].(*AdhocQuery)
	if !reflect.DeepEqual(kq.TypeNames, xq.TypeNames) {
		t.Fatalf("type names differ: %v vs %v", kq.TypeNames, xq.TypeNames)
	}
	if kq.SrsName != xq.SrsName {
		t.Fatalf("srsName differs: %q vs %q", kq.SrsName, xq.SrsName)
	}
	if !reflect.DeepEqual(kq.SortBy, xq.SortBy) {
		t.Fatalf("sortBy differs: %+v vs %+v", kq.SortBy, xq.SortBy)
	}
}

func TestGetFeature_FilterKVPEqualsXML(t *testing.T) {
	filter := `<Filter><PropertyIsEqualTo><ValueReference>name</ValueReference>` +
		`<Literal>Cafe</Literal></PropertyIsEqualTo></Filter>`

	kvp := fromKVP(t, "REQUEST=GetFeature&TYPENAMES=app:restaurant&FILTER="+url.QueryEscape(filter)).(GetFeature)
	xml := fromXML(t, `<wfs:GetFeature xmlns:wfs="http://www.opengis.net/wfs/2.0">
		<wfs:Query typeNames="app:restaurant">`+filter+`</wfs:Query>
	</wfs:GetFeature>`).(GetFeature)

	kf := kvp.Queries[0].(*AdhocQuery).Filter
	xf := xml.Queries[0].(*AdhocQuery).Filter
	if kf == nil || xf == nil {
		t.Fatal("both forms must carry a filter")
	}
	if !reflect.DeepEqual(kf.Predicate, xf.Predicate) {
		t.Fatalf("filter ASTs differ:\n%#v\n%#v", kf.Predicate, xf.Predicate)
	}
}

func TestGetFeature_LegacyAliases(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&TYPENAME=app:restaurant&MAXFEATURES=7").(GetFeature)
	if !req.HasCount || req.Count != 7 {
		t.Fatalf("MAXFEATURES alias broken: %+v", req)
	}
	q := req.Queries[0].(*AdhocQuery)
	if q.TypeNames[0] != "app:restaurant" {
		t.Fatalf("TYPENAME alias broken: %+v", q)
	}
}

func TestGetFeature_TypeGroups(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&TYPENAMES=(A)(B)").(GetFeature)
	if len(req.Queries) != 2 {
		t.Fatalf("groups produce one query each, got %d", len(req.Queries))
	}
}

func TestGetFeature_BBoxAndFilterConflict(t *testing.T) {
	values, _ := url.ParseQuery("REQUEST=GetFeature&TYPENAMES=a&BBOX=1,2,3,4&FILTER=<Filter/>")
	if _, err := FromKVP(parser.NewKVP(values), crs.Policy{}); err == nil {
		t.Fatal("BBOX together with FILTER must fail")
	}
}

func TestGetFeature_BBoxParsing(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&TYPENAMES=a&BBOX=4.58,52.03,5.31,52.49,urn:ogc:def:crs:OGC::CRS84").(GetFeature)
	q := req.Queries[0].(*AdhocQuery)
	if q.BBox == nil || q.BBox.CRS != "urn:ogc:def:crs:OGC::CRS84" {
		t.Fatalf("got %+v", q.BBox)
	}
	box := q.BBox.Envelope(crs.CRS84)
	if box.LowerX != 4.58 || box.UpperY != 52.49 {
		t.Fatalf("got %+v", box)
	}

	// lat-first CRS swaps the KVP corner order
	box = q.BBox.Envelope(crs.WGS84)
	if box.LowerX != 52.03 || box.LowerY != 4.58 {
		t.Fatalf("lat-first interpretation failed: %+v", box)
	}
}

func TestGetFeature_ResourceIDOnly(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&RESOURCEID=restaurant.5,restaurant.6").(GetFeature)
	q := req.Queries[0].(*AdhocQuery)
	if len(q.ResourceIDs) != 2 || q.ResourceIDs[0] != (fes.ResourceID{Rid: "restaurant.5"}) {
		t.Fatalf("got %+v", q.ResourceIDs)
	}
}

func TestGetFeature_StoredQuery(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&STOREDQUERY_ID=urn:ogc:def:query:OGC-WFS::GetFeatureById&ID=restaurant.5").(GetFeature)
	sq := req.Queries[0].(*StoredQuery)
	if sq.ID != "urn:ogc:def:query:OGC-WFS::GetFeatureById" || sq.Params["ID"] != "restaurant.5" {
		t.Fatalf("got %+v", sq)
	}

	xml := fromXML(t, `<wfs:GetFeature xmlns:wfs="http://www.opengis.net/wfs/2.0">
		<wfs:StoredQuery id="urn:ogc:def:query:OGC-WFS::GetFeatureById">
			<wfs:Parameter name="ID">restaurant.5</wfs:Parameter>
		</wfs:StoredQuery>
	</wfs:GetFeature>`).(GetFeature)
	xsq := xml.Queries[0].(*StoredQuery)
	if !reflect.DeepEqual(sq.Params, xsq.Params) {
		t.Fatalf("stored query params differ: %v vs %v", sq.Params, xsq.Params)
	}
}

func TestVersionNegotiation(t *testing.T) {
	values, _ := url.ParseQuery("REQUEST=GetFeature&TYPENAMES=a&VERSION=3.0.0")
	if _, err := FromKVP(parser.NewKVP(values), crs.Policy{}); err == nil {
		t.Fatal("unsupported version must fail")
	}
	fromKVP(t, "REQUEST=GetFeature&TYPENAMES=a&VERSION=1.1.0")
}

func TestUnknownOperation(t *testing.T) {
	values, _ := url.ParseQuery("REQUEST=Transaction")
	if _, err := FromKVP(parser.NewKVP(values), crs.Policy{}); err == nil {
		t.Fatal("Transaction is not implemented")
	}
}

func TestGetPropertyValue(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetPropertyValue&TYPENAMES=app:restaurant&VALUEREFERENCE=app:rating").(GetPropertyValue)
	if req.ValueReference != "app:rating" {
		t.Fatalf("got %+v", req)
	}

	values, _ := url.ParseQuery("REQUEST=GetPropertyValue&TYPENAMES=app:restaurant")
	if _, err := FromKVP(parser.NewKVP(values), crs.Policy{}); err == nil {
		t.Fatal("missing VALUEREFERENCE must fail")
	}
}

func TestResultTypeHits(t *testing.T) {
	req := fromKVP(t, "REQUEST=GetFeature&TYPENAMES=a&RESULTTYPE=hits").(GetFeature)
	if req.ResultType != ResultTypeHits {
		t.Fatalf("got %+v", req.ResultType)
	}
}
