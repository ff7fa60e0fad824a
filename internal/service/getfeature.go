package service

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/output"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

func (s *Service) handleGetFeature(w http.ResponseWriter, r *http.Request, req wfs.GetFeature) error {
	format, ok := output.ResolveFormat(req.OutputFormat)
	if !ok {
		return ows.NewInvalidParameterValue("outputFormat",
			"unsupported output format %q", req.OutputFormat)
	}

	plan, err := s.buildPlan(r, req, format)
	if err != nil {
		return err
	}

	if plan.single {
		return s.renderSingle(w, r, plan, format)
	}

	fc, err := s.assembleCollection(r, req, plan)
	if err != nil {
		return err
	}

	typeNames := make([]string, 0, len(plan.collections))
	for _, sc := range plan.collections {
		typeNames = append(typeNames, sc.FeatureType.Name)
	}
	w.Header().Set("Content-Type", format.ContentType)
	w.Header().Set("Content-Disposition",
		format.ContentDisposition(typeNames, req.StartIndex, time.Now()))

	renderer := format.New(s.renderOptions(r))
	if err := renderer.Render(r.Context(), w, fc); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.FeaturesRendered.Add(float64(fc.NumberReturned))
	}
	return nil
}

func (s *Service) handleGetPropertyValue(w http.ResponseWriter, r *http.Request, req wfs.GetPropertyValue) error {
	// GetPropertyValue always renders XML; outputFormat is not consulted.
	plan, err := s.buildPlan(r, req.GetFeature, output.Formats[0])
	if err != nil {
		return err
	}
	if len(plan.collections) == 0 {
		return ows.NewMissingParameterValue("typeNames")
	}

	match, err := plan.collections[0].FeatureType.ResolveXPath(req.ValueReference)
	if err != nil {
		return ows.AsError(err).WithLocator("valueReference")
	}

	fc, err := s.assembleCollection(r, req.GetFeature, plan)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/gml+xml; version=3.2")
	renderer := output.NewValueCollectionRenderer(s.renderOptions(r), match)
	return renderer.Render(r.Context(), w, fc)
}

// queryPlan is the per-request result of compiling every query.
type queryPlan struct {
	collections []*output.SimpleFeatureCollection
	single      bool
	singleID    string
	pageSize    int
}

func (s *Service) buildPlan(r *http.Request, req wfs.GetFeature, format output.Format) (*queryPlan, error) {
	pageSize := s.Cfg.DefaultPageSize
	if req.HasCount {
		pageSize = req.Count
	}
	if max := s.maxPageSize(format); max > 0 && pageSize > max {
		pageSize = max
	}

	plan := &queryPlan{pageSize: pageSize}

	var adhoc []*wfs.AdhocQuery
	for _, qe := range req.Queries {
		switch q := qe.(type) {
		case *wfs.AdhocQuery:
			adhoc = append(adhoc, q)
		case *wfs.StoredQuery:
			def, err := s.Stored.Resolve(q.ID)
			if err != nil {
				return nil, err
			}
			resolved, single, err := def.Resolve(q.Params, s.Types, s.Cfg.WfsStrictStandard)
			if err != nil {
				return nil, err
			}
			if single && len(req.Queries) == 1 {
				plan.single = true
				plan.singleID = q.Params["ID"]
			}
			adhoc = append(adhoc, resolved...)
		}
	}

	for _, q := range adhoc {
		sc, err := s.compileQuery(q, req, format, plan.pageSize)
		if err != nil {
			return nil, err
		}
		plan.collections = append(plan.collections, sc)
	}
	if len(plan.collections) == 0 {
		return nil, ows.NewMissingParameterValue("typeNames")
	}
	return plan, nil
}

func (s *Service) compileQuery(q *wfs.AdhocQuery, req wfs.GetFeature, format output.Format, pageSize int) (*output.SimpleFeatureCollection, error) {
	ft, err := s.resolveQueryType(q, req.Namespaces)
	if err != nil {
		return nil, err
	}

	opts := query.Options{
		Policy:           s.policy(),
		SupportedCrsOnly: s.Cfg.SupportedCrsOnly,
		StrictStandard:   s.Cfg.WfsStrictStandard,
		UseDbRendering:   s.Cfg.UseDbRendering,
		Decimals:         s.Cfg.CoordinateDecimals,
	}
	if format.Subtype == "geojson" {
		// GeoJSON ignores srsName and always emits CRS84.
		crs84 := crs.CRS84
		opts.ForceOutputCRS = &crs84
	}

	compiler := &query.Compiler{
		FeatureType: ft,
		Functions:   s.Funcs,
		Transforms:  s.Transforms,
		Opts:        opts,
	}
	compiled, proj, err := compiler.Compile(q)
	if err != nil {
		return nil, err
	}
	if s.Cfg.UseDbRendering {
		proj.ApplyDbRendering(format.DbRender)
	}

	compiled.Limit = pageSize
	compiled.Offset = req.StartIndex
	compiled.ChunkSize = s.Cfg.ChunkSize

	return &output.SimpleFeatureCollection{
		FeatureType: ft,
		Projection:  proj,
		Query:       compiled,
		Store:       s.Store,
		Start:       req.StartIndex,
		PageSize:    pageSize,
	}, nil
}

func (s *Service) resolveQueryType(q *wfs.AdhocQuery, namespaces map[string]string) (*schema.FeatureType, error) {
	names := q.TypeNames
	if len(names) == 0 {
		// RESOURCEID-only requests carry the type inside the rid.
		for _, rid := range q.ResourceIDs {
			if tn := rid.TypeName(); tn != "" {
				names = []string{tn}
				break
			}
		}
	}
	if len(names) == 0 {
		return nil, ows.NewMissingParameterValue("typeNames")
	}
	if len(names) > 1 {
		return nil, ows.NewOptionNotSupported("typeNames",
			"join queries over multiple feature types are not supported")
	}
	return s.Types.Resolve(names[0], namespaces)
}

func (s *Service) maxPageSize(format output.Format) int {
	switch format.Subtype {
	case "geojson":
		return s.Cfg.MaxPageSizeGeoJSON
	case "csv":
		return s.Cfg.MaxPageSizeCSV
	default:
		return s.Cfg.MaxPageSizeDefault
	}
}

// assembleCollection computes the counts and pagination links.
func (s *Service) assembleCollection(r *http.Request, req wfs.GetFeature, plan *queryPlan) (*output.FeatureCollection, error) {
	fc := &output.FeatureCollection{
		Results:       plan.collections,
		NumberMatched: output.MatchedUnknown,
		Timestamp:     time.Now(),
		HitsOnly:      req.ResultType == wfs.ResultTypeHits,
	}

	policy := output.CountPolicy(s.Cfg.CountNumberMatched)
	if fc.HitsOnly {
		// hits responses exist to report the count
		policy = output.CountAlways
	}

	total := 0
	known := policy != output.CountNever
	for _, sc := range plan.collections {
		n, ok, err := sc.NumberMatched(r.Context(), policy)
		if err != nil {
			return nil, s.wrapDbError(err)
		}
		if !ok {
			known = false
			break
		}
		total += n
	}
	if known {
		fc.NumberMatched = total
	}

	s.addPaginationLinks(r, req, plan, fc)
	return fc, nil
}

func (s *Service) addPaginationLinks(r *http.Request, req wfs.GetFeature, plan *queryPlan, fc *output.FeatureCollection) {
	if r.Method != http.MethodGet || plan.pageSize <= 0 {
		return
	}
	if req.StartIndex > 0 {
		prev := req.StartIndex - plan.pageSize
		if prev < 0 {
			prev = 0
		}
		fc.Previous = s.pageLink(r, prev, plan.pageSize)
	}
	if fc.NumberMatched >= 0 && req.StartIndex+plan.pageSize < fc.NumberMatched {
		fc.Next = s.pageLink(r, req.StartIndex+plan.pageSize, plan.pageSize)
	}
}

// pageLink rebuilds the query string with a new STARTINDEX, preserving the
// casing of every original parameter.
func (s *Service) pageLink(r *http.Request, start, count int) string {
	raw := r.URL.RawQuery
	parts := strings.Split(raw, "&")
	replacedStart, replacedCount := false, false
	for i, part := range parts {
		name, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToUpper(name) {
		case "STARTINDEX":
			parts[i] = fmt.Sprintf("%s=%d", name, start)
			replacedStart = true
		case "COUNT", "MAXFEATURES":
			parts[i] = fmt.Sprintf("%s=%d", name, count)
			replacedCount = true
		}
	}
	if !replacedStart {
		parts = append(parts, fmt.Sprintf("STARTINDEX=%d", start))
	}
	if !replacedCount {
		parts = append(parts, fmt.Sprintf("COUNT=%d", count))
	}
	return s.Cfg.BaseURL + "?" + strings.Join(parts, "&")
}

func (s *Service) renderSingle(w http.ResponseWriter, r *http.Request, plan *queryPlan, format output.Format) error {
	sc := plan.collections[0]
	opts := s.renderOptions(r)
	w.Header().Set("Content-Type", format.ContentType)

	if format.Subtype == "geojson" {
		return output.RenderSingleGeoJSON(r.Context(), w, sc, plan.singleID, opts)
	}
	return output.RenderSingleGML(r.Context(), w, sc, plan.singleID, opts)
}

func (s *Service) renderOptions(r *http.Request) output.RenderOptions {
	return output.RenderOptions{
		Decimals:       s.Cfg.CoordinateDecimals,
		BaseURL:        s.Cfg.BaseURL,
		RawQuery:       r.URL.RawQuery,
		UseDbRendering: s.Cfg.UseDbRendering,
	}
}

// wrapDbError converts datastore failures into client-actionable WFS
// errors when WrapFilterDbErrors is on.
func (s *Service) wrapDbError(err error) error {
	e := ows.AsError(err)
	if s.Cfg.WrapFilterDbErrors && e.Code == ows.ProcessingFailed {
		return ows.NewInvalidParameterValue("filter", "invalid request: %s", e.Message)
	}
	return e
}
