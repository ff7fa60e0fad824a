package parser

import (
	"net/url"
	"reflect"
	"testing"
)

func TestKVP_CaseInsensitive(t *testing.T) {
	k := NewKVP(url.Values{"TypeNames": {"app:restaurant"}, "count": {"5"}})
	if k.Get("TYPENAMES") != "app:restaurant" {
		t.Fatalf("got %q", k.Get("TYPENAMES"))
	}
	if k.Get("Count") != "5" {
		t.Fatalf("got %q", k.Get("Count"))
	}
	if !k.Has("typenames") || k.Has("bogus") {
		t.Fatal("Has is case-insensitive")
	}
}

func TestKVP_Alias(t *testing.T) {
	k := NewKVP(url.Values{"MAXFEATURES": {"10"}})
	if k.GetAlias("COUNT", "MAXFEATURES") != "10" {
		t.Fatal("MAXFEATURES is an alias of COUNT")
	}
}

func TestGroups(t *testing.T) {
	tests := []struct {
		in   string
		want [][]string
	}{
		{"app:a", [][]string{{"app:a"}}},
		{"app:a,app:b", [][]string{{"app:a", "app:b"}}},
		{"(A,B)(C,D)", [][]string{{"A", "B"}, {"C", "D"}}},
		{"(A)(B)", [][]string{{"A"}, {"B"}}},
		{"", nil},
	}
	for _, tc := range tests {
		if got := Groups(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Groups(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseNamespaces(t *testing.T) {
	got, err := ParseNamespaces("xmlns(app,http://example.org/gisserver),xmlns(gml,http://www.opengis.net/gml/3.2)")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := map[string]string{
		"app": "http://example.org/gisserver",
		"gml": "http://www.opengis.net/gml/3.2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}

	got, err = ParseNamespaces("xmlns(http://example.org/default)")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got[""] != "http://example.org/default" {
		t.Fatalf("default namespace form failed: %v", got)
	}

	if _, err := ParseNamespaces("nonsense"); err == nil {
		t.Fatal("malformed NAMESPACES must fail")
	}
}

func TestParseXML_Namespaces(t *testing.T) {
	doc := []byte(`<fes:Filter xmlns:fes="http://www.opengis.net/fes/2.0">
		<fes:PropertyIsEqualTo>
			<fes:ValueReference>name</fes:ValueReference>
			<fes:Literal>x</fes:Literal>
		</fes:PropertyIsEqualTo>
	</fes:Filter>`)
	root, err := ParseXML(doc)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if root.Name.Space != NSFES || root.Name.Local != "Filter" {
		t.Fatalf("root = %v", root.Name)
	}
	if len(root.Children) != 1 {
		t.Fatalf("children = %d", len(root.Children))
	}
	eq := root.Children[0]
	if !eq.Is(NSFES, "PropertyIsEqualTo") {
		t.Fatalf("child = %v", eq.Name)
	}
	if eq.Children[0].TrimmedText() != "name" {
		t.Fatalf("text = %q", eq.Children[0].Text)
	}
}

func TestParseXML_Malformed(t *testing.T) {
	if _, err := ParseXML([]byte("<a><b></a>")); err == nil {
		t.Fatal("mismatched tags must fail")
	}
	if _, err := ParseXML([]byte("")); err == nil {
		t.Fatal("empty document must fail")
	}
}

func TestRequireLeaf(t *testing.T) {
	root, err := ParseXML([]byte(`<ValueReference><child/></ValueReference>`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := root.RequireLeaf(); err == nil {
		t.Fatal("leaf with children must fail")
	}
}
