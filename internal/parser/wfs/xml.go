package wfs

import (
	"strconv"
	"strings"

	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/fes"
	"github.com/mapgrid/wfserver/internal/parser/gml"
)

// FromXML parses a POSTed request document.
func FromXML(root *parser.XMLElement, policy crs.Policy) (Request, error) {
	if root.Name.Space != parser.NSWFS && root.Name.Space != "" {
		return nil, ows.NewOperationParsingFailed("request",
			"unexpected root element <%s>", root.QName())
	}
	if service := root.Attr("service"); service != "" && !strings.EqualFold(service, "WFS") {
		return nil, ows.NewInvalidParameterValue("service",
			"unsupported service %q, only WFS is available", service)
	}
	if version := root.Attr("version"); version != "" {
		supported := false
		for _, v := range SupportedVersions {
			if version == v {
				supported = true
				break
			}
		}
		if !supported {
			return nil, ows.NewVersionNegotiationFailed("version %q is not supported", version)
		}
	}

	switch root.Name.Local {
	case "GetCapabilities":
		return capabilitiesFromXML(root), nil
	case "DescribeFeatureType":
		return describeFromXML(root), nil
	case "GetFeature":
		return getFeatureFromXML(root, policy)
	case "GetPropertyValue":
		return getPropertyValueFromXML(root, policy)
	case "ListStoredQueries":
		return ListStoredQueries{}, nil
	case "DescribeStoredQueries":
		return describeStoredFromXML(root), nil
	default:
		return nil, ows.NewOperationNotSupported("request",
			"operation %q is not implemented", root.Name.Local)
	}
}

func capabilitiesFromXML(root *parser.XMLElement) GetCapabilities {
	req := GetCapabilities{Service: root.Attr("service")}
	if av := root.FirstChild(parser.NSOWS, "AcceptVersions"); av != nil {
		for _, child := range av.Children {
			if child.Name.Local == "Version" {
				req.AcceptVersions = append(req.AcceptVersions, child.TrimmedText())
			}
		}
	}
	return req
}

func describeFromXML(root *parser.XMLElement) DescribeFeatureType {
	req := DescribeFeatureType{
		OutputFormat: root.Attr("outputFormat"),
		Namespaces:   xmlnsScope(root, nil),
	}
	for _, child := range root.Children {
		if child.Name.Local == "TypeName" {
			req.TypeNames = append(req.TypeNames, child.TrimmedText())
		}
	}
	return req
}

func describeStoredFromXML(root *parser.XMLElement) DescribeStoredQueries {
	var req DescribeStoredQueries
	for _, child := range root.Children {
		if child.Name.Local == "StoredQueryId" {
			req.IDs = append(req.IDs, child.TrimmedText())
		}
	}
	return req
}

func getFeatureFromXML(root *parser.XMLElement, policy crs.Policy) (Request, error) {
	gf := GetFeature{
		OutputFormat: root.Attr("outputFormat"),
		Namespaces:   xmlnsScope(root, nil),
	}

	if count := root.Attr("count"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return nil, ows.NewInvalidParameterValue("count",
				"count must be a positive integer, got %q", count)
		}
		gf.Count = n
		gf.HasCount = true
	}
	if start := root.Attr("startIndex"); start != "" {
		n, err := strconv.Atoi(start)
		if err != nil || n < 0 {
			return nil, ows.NewInvalidParameterValue("startIndex",
				"startIndex must not be negative, got %q", start)
		}
		gf.StartIndex = n
	}
	switch root.Attr("resultType") {
	case "", "results":
	case "hits":
		gf.ResultType = ResultTypeHits
	default:
		return nil, ows.NewInvalidParameterValue("resultType",
			"resultType allows 'results' or 'hits', got %q", root.Attr("resultType"))
	}

	for _, child := range root.Children {
		switch child.Name.Local {
		case "Query":
			q, err := adhocQueryFromXML(child, gf.Namespaces, policy)
			if err != nil {
				return nil, err
			}
			gf.Queries = append(gf.Queries, q)
		case "StoredQuery":
			q, err := storedQueryFromXML(child)
			if err != nil {
				return nil, err
			}
			gf.Queries = append(gf.Queries, q)
		default:
			return nil, ows.NewOperationParsingFailed(child.Name.Local,
				"unexpected element <%s> in wfs:GetFeature", child.QName())
		}
	}
	if len(gf.Queries) == 0 {
		return nil, ows.NewOperationParsingFailed("GetFeature",
			"wfs:GetFeature needs at least one wfs:Query")
	}
	return gf, nil
}

func getPropertyValueFromXML(root *parser.XMLElement, policy crs.Policy) (Request, error) {
	inner, err := getFeatureFromXML(root, policy)
	if err != nil {
		return nil, err
	}
	ref := root.Attr("valueReference")
	if ref == "" {
		return nil, ows.NewMissingParameterValue("valueReference")
	}
	return GetPropertyValue{
		GetFeature:     inner.(GetFeature),
		ValueReference: ref,
	}, nil
}

func adhocQueryFromXML(el *parser.XMLElement, namespaces map[string]string, policy crs.Policy) (*AdhocQuery, error) {
	typeNames := el.Attr("typeNames")
	if typeNames == "" {
		typeNames = el.Attr("typeName")
	}
	if typeNames == "" {
		return nil, ows.NewMissingParameterValue("typeNames")
	}
	q := &AdhocQuery{
		TypeNames: splitNames(typeNames),
		SrsName:   el.Attr("srsName"),
		Locator:   "typeNames",
	}
	// xmlns declarations on the query element extend the document scope.
	xmlnsScope(el, namespaces)

	ctx := gml.Context{DefaultCRS: crs.CRS84, Policy: policy}
	for _, child := range el.Children {
		switch child.Name.Local {
		case "Filter":
			f, err := fes.FromXML(child, ctx)
			if err != nil {
				return nil, err
			}
			q.Filter = f
			q.Locator = "filter"
		case "SortBy":
			sortBy, err := fes.ParseSortByXML(child)
			if err != nil {
				return nil, err
			}
			q.SortBy = sortBy
		case "PropertyName":
			q.PropertyNames = append(q.PropertyNames, child.TrimmedText())
		default:
			return nil, ows.NewOperationParsingFailed(child.Name.Local,
				"unexpected element <%s> in wfs:Query", child.QName())
		}
	}
	return q, nil
}

func storedQueryFromXML(el *parser.XMLElement) (*StoredQuery, error) {
	id := el.Attr("id")
	if id == "" {
		return nil, ows.NewMissingParameterValue("storedQueryId")
	}
	q := &StoredQuery{ID: id, Params: map[string]string{}}
	for _, child := range el.Children {
		if child.Name.Local != "Parameter" {
			return nil, ows.NewOperationParsingFailed(child.Name.Local,
				"unexpected element <%s> in wfs:StoredQuery", child.QName())
		}
		name := child.Attr("name")
		if name == "" {
			return nil, ows.NewOperationParsingFailed("Parameter",
				"wfs:Parameter needs a name attribute")
		}
		q.Params[strings.ToUpper(name)] = child.TrimmedText()
	}
	return q, nil
}

// xmlnsScope collects xmlns declarations from an element into a prefix
// map, reusing the given map when non-nil.
func xmlnsScope(el *parser.XMLElement, into map[string]string) map[string]string {
	if into == nil {
		into = map[string]string{}
	}
	for _, attr := range el.Attrs {
		switch {
		case attr.Name.Space == "xmlns":
			into[attr.Name.Local] = attr.Value
		case attr.Name.Space == "" && attr.Name.Local == "xmlns":
			into[""] = attr.Value
		}
	}
	return into
}
