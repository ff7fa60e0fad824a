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

// SupportedVersions lists the accepted VERSION values; 2.0.0 is canonical.
var SupportedVersions = []string{"2.0.0", "1.1.0", "1.0.0"}

// standardParams names every recognized top-level KVP parameter. Anything
// else is passed through to stored queries as a parameter value.
var standardParams = map[string]bool{
	"SERVICE": true, "VERSION": true, "ACCEPTVERSIONS": true, "REQUEST": true,
	"TYPENAMES": true, "TYPENAME": true, "COUNT": true, "MAXFEATURES": true,
	"STARTINDEX": true, "SRSNAME": true, "BBOX": true, "FILTER": true,
	"SORTBY": true, "PROPERTYNAME": true, "RESOURCEID": true,
	"OUTPUTFORMAT": true, "STOREDQUERY_ID": true, "NAMESPACES": true,
	"RESOLVE": true, "RESULTTYPE": true,
	"VALUEREFERENCE": true, "VALUE_REFERENCE": true,
}

// FromKVP parses a GET request. The policy feeds legacy CRS handling of
// geometry literals inside FILTER values.
func FromKVP(k parser.KVP, policy crs.Policy) (Request, error) {
	if service := k.Get("SERVICE"); service != "" && !strings.EqualFold(service, "WFS") {
		return nil, ows.NewInvalidParameterValue("service",
			"unsupported service %q, only WFS is available", service)
	}

	operation := k.Get("REQUEST")
	if operation == "" {
		return nil, ows.NewMissingParameterValue("request")
	}

	if err := checkVersion(k); err != nil {
		return nil, err
	}
	if resolve := k.Get("RESOLVE"); resolve != "" && resolve != "none" {
		return nil, ows.NewOptionNotSupported("resolve",
			"only RESOLVE=none is supported")
	}

	switch strings.ToLower(operation) {
	case "getcapabilities":
		return capabilitiesFromKVP(k), nil
	case "describefeaturetype":
		return describeFromKVP(k)
	case "getfeature":
		return getFeatureFromKVP(k, policy)
	case "getpropertyvalue":
		return getPropertyValueFromKVP(k, policy)
	case "liststoredqueries":
		return ListStoredQueries{}, nil
	case "describestoredqueries":
		return DescribeStoredQueries{IDs: k.List("STOREDQUERY_ID")}, nil
	default:
		return nil, ows.NewOperationNotSupported("request",
			"operation %q is not implemented", operation)
	}
}

func checkVersion(k parser.KVP) error {
	version := k.Get("VERSION")
	if version == "" {
		return nil
	}
	for _, v := range SupportedVersions {
		if version == v {
			return nil
		}
	}
	return ows.NewVersionNegotiationFailed("version %q is not supported", version)
}

func capabilitiesFromKVP(k parser.KVP) GetCapabilities {
	return GetCapabilities{
		Service:        k.Get("SERVICE"),
		AcceptVersions: k.List("ACCEPTVERSIONS"),
	}
}

func describeFromKVP(k parser.KVP) (Request, error) {
	namespaces, err := parser.ParseNamespaces(k.Get("NAMESPACES"))
	if err != nil {
		return nil, err
	}
	return DescribeFeatureType{
		TypeNames:    splitNames(k.GetAlias("TYPENAMES", "TYPENAME")),
		OutputFormat: k.Get("OUTPUTFORMAT"),
		Namespaces:   namespaces,
	}, nil
}

func getFeatureFromKVP(k parser.KVP, policy crs.Policy) (Request, error) {
	gf := GetFeature{OutputFormat: k.Get("OUTPUTFORMAT")}

	namespaces, err := parser.ParseNamespaces(k.Get("NAMESPACES"))
	if err != nil {
		return nil, err
	}
	gf.Namespaces = namespaces

	if count := k.GetAlias("COUNT", "MAXFEATURES"); count != "" {
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n <= 0 {
			return nil, ows.NewInvalidParameterValue("count",
				"COUNT must be a positive integer, got %q", count)
		}
		gf.Count = n
		gf.HasCount = true
	}
	start, _, err := k.GetInt("STARTINDEX")
	if err != nil {
		return nil, err
	}
	gf.StartIndex = start

	switch strings.ToLower(k.Get("RESULTTYPE")) {
	case "", "results":
	case "hits":
		gf.ResultType = ResultTypeHits
	default:
		return nil, ows.NewInvalidParameterValue("resultType",
			"RESULTTYPE allows 'results' or 'hits', got %q", k.Get("RESULTTYPE"))
	}

	if storedID := k.Get("STOREDQUERY_ID"); storedID != "" {
		gf.Queries = []QueryExpression{storedQueryFromKVP(k, storedID)}
		return gf, nil
	}

	queries, err := adhocQueriesFromKVP(k, policy)
	if err != nil {
		return nil, err
	}
	gf.Queries = queries
	return gf, nil
}

func getPropertyValueFromKVP(k parser.KVP, policy crs.Policy) (Request, error) {
	inner, err := getFeatureFromKVP(k, policy)
	if err != nil {
		return nil, err
	}
	ref := k.GetAlias("VALUEREFERENCE", "VALUE_REFERENCE")
	if ref == "" {
		return nil, ows.NewMissingParameterValue("valueReference")
	}
	return GetPropertyValue{
		GetFeature:     inner.(GetFeature),
		ValueReference: ref,
	}, nil
}

func storedQueryFromKVP(k parser.KVP, id string) *StoredQuery {
	params := map[string]string{}
	for name, value := range k.All() {
		if !standardParams[name] {
			params[name] = value
		}
	}
	return &StoredQuery{ID: id, Params: params}
}

// adhocQueriesFromKVP lowers TYPENAMES groups onto one AdhocQuery each.
func adhocQueriesFromKVP(k parser.KVP, policy crs.Policy) ([]QueryExpression, error) {
	typeGroups := parser.Groups(k.GetAlias("TYPENAMES", "TYPENAME"))
	resourceIDs := k.List("RESOURCEID")
	if typeGroups == nil && resourceIDs == nil {
		return nil, ows.NewMissingParameterValue("typeNames")
	}

	// BBOX, FILTER and RESOURCEID are mutually exclusive shorthands.
	exclusive := 0
	for _, name := range []string{"BBOX", "FILTER", "RESOURCEID"} {
		if k.Get(name) != "" {
			exclusive++
		}
	}
	if exclusive > 1 {
		return nil, ows.NewInvalidParameterValue("filter",
			"BBOX, FILTER and RESOURCEID are mutually exclusive")
	}

	sortBy, err := fes.ParseSortByKVP(k.Get("SORTBY"))
	if err != nil {
		return nil, err
	}

	bbox, err := parseBBoxKVP(k.Get("BBOX"))
	if err != nil {
		return nil, err
	}

	filters, err := filterGroups(k.Get("FILTER"), policy)
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 && len(typeGroups) > 0 && len(filters) != len(typeGroups) {
		return nil, ows.NewInvalidParameterValue("filter",
			"the number of FILTER groups must match the TYPENAMES groups")
	}

	if resourceIDs != nil && typeGroups == nil {
		// RESOURCEID without TYPENAMES: type names come from the rids.
		q := &AdhocQuery{
			SrsName: k.Get("SRSNAME"),
			SortBy:  sortBy,
			Locator: "resourceId",
		}
		for _, rid := range resourceIDs {
			q.ResourceIDs = append(q.ResourceIDs, fes.ResourceID{Rid: rid})
		}
		q.PropertyNames = splitNames(k.Get("PROPERTYNAME"))
		return []QueryExpression{q}, nil
	}

	var queries []QueryExpression
	for i, group := range typeGroups {
		q := &AdhocQuery{
			TypeNames: group,
			SrsName:   k.Get("SRSNAME"),
			SortBy:    sortBy,
			BBox:      bbox,
			Locator:   "typeNames",
		}
		switch {
		case len(filters) > 0:
			q.Filter = filters[i]
			q.Locator = "filter"
		case bbox != nil:
			q.Locator = "bbox"
		}
		for _, rid := range resourceIDs {
			q.ResourceIDs = append(q.ResourceIDs, fes.ResourceID{Rid: rid})
		}
		q.PropertyNames = splitNames(k.Get("PROPERTYNAME"))
		queries = append(queries, q)
	}
	return queries, nil
}

func parseBBoxKVP(value string) (*BBoxParam, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return nil, ows.NewInvalidParameterValue("bbox",
			"BBOX expects minx,miny,maxx,maxy[,crs], got %q", value)
	}
	var box BBoxParam
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, ows.NewInvalidParameterValue("bbox",
				"invalid BBOX ordinate %q", parts[i])
		}
		box.Coords[i] = v
	}
	if len(parts) == 5 {
		box.CRS = strings.TrimSpace(parts[4])
	}
	return &box, nil
}

// filterGroups splits a FILTER parameter into its per-typename-group XML
// documents and parses each.
func filterGroups(value string, policy crs.Policy) ([]*fes.Filter, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	ctx := gml.Context{DefaultCRS: crs.CRS84, Policy: policy}

	var raws []string
	if strings.HasPrefix(value, "(") {
		trimmed := strings.TrimPrefix(value, "(")
		trimmed = strings.TrimSuffix(trimmed, ")")
		raws = strings.Split(trimmed, ")(")
	} else {
		raws = []string{value}
	}

	out := make([]*fes.Filter, 0, len(raws))
	for _, raw := range raws {
		f, err := fes.ParseFilterXML(raw, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func splitNames(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
