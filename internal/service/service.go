// Package service wires the WFS operations: it parses requests, runs the
// query compiler and streams the responses.
package service

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/config"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/logger"
	"github.com/mapgrid/wfserver/internal/metrics"
	"github.com/mapgrid/wfserver/internal/output"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

// maxRequestBody bounds POSTed XML documents.
const maxRequestBody = 10 << 20

// Service holds the process-wide registries. All fields are read-only
// after bootstrap; per-request state never leaves the request.
type Service struct {
	Cfg        config.Config
	Types      *schema.Registry
	Stored     *query.StoredQueryRegistry
	Funcs      *query.FunctionRegistry
	Transforms *crs.Registry
	Store      backend.Datastore
	Logger     zerolog.Logger
	Metrics    *metrics.Provider
}

// New builds a service with the default registries filled in.
func New(cfg config.Config, types *schema.Registry, store backend.Datastore, zl zerolog.Logger) *Service {
	return &Service{
		Cfg:        cfg,
		Types:      types,
		Stored:     query.NewStoredQueryRegistry(),
		Funcs:      query.NewFunctionRegistry(),
		Transforms: crs.NewRegistry(),
		Store:      store,
		Logger:     zl,
	}
}

func (s *Service) policy() crs.Policy {
	return crs.Policy{
		ForceXyEpsg4326: s.Cfg.ForceXyEpsg4326,
		ForceXyOldCrs:   s.Cfg.ForceXyOldCrs,
	}
}

// Handler is the /wfs endpoint for both GET (KVP) and POST (XML).
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.parseRequest(r)
		if err != nil {
			s.writeException(w, r, "parse", err)
			return
		}
		operation := req.OperationName()

		zl := logger.FromContext(r.Context(), &s.Logger)
		zl.Info().Str("operation", operation).Str("query", r.URL.RawQuery).Msg("wfs request")

		if err := s.dispatch(w, r, req); err != nil {
			s.writeException(w, r, operation, err)
			return
		}
		s.count(operation, "ok")
	}
}

func (s *Service) parseRequest(r *http.Request) (wfs.Request, error) {
	switch r.Method {
	case http.MethodGet:
		return wfs.FromKVP(parser.NewKVP(r.URL.Query()), s.policy())
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return nil, ows.NewOperationParsingFailed("", "cannot read request body: %s", err)
		}
		root, err := parser.ParseXML(body)
		if err != nil {
			return nil, err
		}
		return wfs.FromXML(root, s.policy())
	default:
		return nil, ows.NewOperationNotSupported("request",
			"HTTP method %s is not supported", r.Method)
	}
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, req wfs.Request) error {
	switch v := req.(type) {
	case wfs.GetCapabilities:
		return s.handleGetCapabilities(w, r, v)
	case wfs.DescribeFeatureType:
		return s.handleDescribeFeatureType(w, v)
	case wfs.GetFeature:
		return s.handleGetFeature(w, r, v)
	case wfs.GetPropertyValue:
		return s.handleGetPropertyValue(w, r, v)
	case wfs.ListStoredQueries:
		return s.writeXML(w, output.RenderListStoredQueries(s.Stored, s.Types))
	case wfs.DescribeStoredQueries:
		return s.handleDescribeStoredQueries(w, v)
	default:
		return ows.NewOperationNotSupported("request", "operation is not implemented")
	}
}

func (s *Service) handleGetCapabilities(w http.ResponseWriter, r *http.Request, req wfs.GetCapabilities) error {
	if len(req.AcceptVersions) > 0 {
		ok := false
		for _, accepted := range req.AcceptVersions {
			for _, supported := range wfs.SupportedVersions {
				if accepted == supported {
					ok = true
				}
			}
		}
		if !ok {
			return ows.NewVersionNegotiationFailed(
				"none of the requested versions %v are supported", req.AcceptVersions)
		}
	}

	data := output.CapabilitiesData{
		Service: output.ServiceInfo{
			Title:        s.Cfg.ServiceTitle,
			Abstract:     s.Cfg.ServiceAbstract,
			ProviderName: s.Cfg.ProviderName,
		},
		BaseURL:         s.Cfg.BaseURL,
		Types:           s.Types.All(),
		Stored:          s.Stored,
		Funcs:           s.Funcs,
		DefaultPageSize: s.Cfg.DefaultPageSize,
	}
	if s.Cfg.CapabilitiesBoundingBox {
		data.BoundingBoxes = s.capabilitiesBoundingBoxes(r)
	}

	doc := output.RenderCapabilities(data)
	w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("%x", xxhash.Sum64(doc))))
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, err := w.Write(doc)
	return suppressWriteError(err)
}

// capabilitiesBoundingBoxes computes the per-type CRS84 extents.
func (s *Service) capabilitiesBoundingBoxes(r *http.Request) map[string]geom.BoundingBox {
	out := map[string]geom.BoundingBox{}
	for _, ft := range s.Types.All() {
		if ft.NoCapabilitiesBBox || ft.DefaultGeometryElement() == nil {
			continue
		}
		box, err := s.typeExtent(r, ft)
		if err != nil {
			s.Logger.Warn().Err(err).Str("type", ft.Name).Msg("bounding box computation failed")
			continue
		}
		out[ft.QName()] = box
	}
	return out
}

func (s *Service) typeExtent(r *http.Request, ft *schema.FeatureType) (geom.BoundingBox, error) {
	el := ft.DefaultGeometryElement()
	q := &backend.Query{
		Table:   ft.Table,
		IDField: ft.IDField,
		Columns: []backend.Column{
			{Path: ft.IDField},
			{Path: el.Source, Geometry: true, SourceSRID: ft.DefaultCRS.SRID},
		},
		ChunkSize: s.Cfg.ChunkSize,
	}
	cur, err := s.Store.Open(r.Context(), q)
	if err != nil {
		return geom.BoundingBox{}, err
	}
	defer cur.Close()

	transform, err := s.Transforms.Get(ft.DefaultCRS, crs.CRS84)
	if err != nil {
		return geom.BoundingBox{}, err
	}
	box := geom.NewBoundingBox(crs.CRS84)
	for cur.Next() {
		if g, ok := cur.Row()[el.Source].(geom.Geometry); ok && !g.IsZero() {
			box = box.ExtendToGeometry(transform.Apply(g.Geom))
		}
	}
	return box, cur.Err()
}

func (s *Service) handleDescribeFeatureType(w http.ResponseWriter, req wfs.DescribeFeatureType) error {
	if req.OutputFormat != "" &&
		!strings.HasPrefix(req.OutputFormat, "application/gml+xml") &&
		req.OutputFormat != "text/xml; subtype=gml/3.2.1" {
		return ows.NewInvalidParameterValue("outputFormat",
			"unsupported output format %q", req.OutputFormat)
	}

	var types []*schema.FeatureType
	if len(req.TypeNames) == 0 {
		types = s.Types.All()
	} else {
		for _, name := range req.TypeNames {
			ft, err := s.Types.Resolve(name, req.Namespaces)
			if err != nil {
				return err
			}
			types = append(types, ft)
		}
	}

	doc := output.RenderXSD(types)
	w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("%x", xxhash.Sum64(doc))))
	w.Header().Set("Content-Type", "application/gml+xml; version=3.2")
	_, err := w.Write(doc)
	return suppressWriteError(err)
}

func (s *Service) handleDescribeStoredQueries(w http.ResponseWriter, req wfs.DescribeStoredQueries) error {
	var defs []query.StoredQueryDef
	if len(req.IDs) == 0 {
		defs = s.Stored.All()
	} else {
		for _, id := range req.IDs {
			def, err := s.Stored.Resolve(id)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}
	}
	return s.writeXML(w, output.RenderDescribeStoredQueries(defs, s.Types))
}

func (s *Service) writeXML(w http.ResponseWriter, doc []byte) error {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, err := w.Write(doc)
	return suppressWriteError(err)
}

// writeException renders the pre-stream error document.
func (s *Service) writeException(w http.ResponseWriter, r *http.Request, operation string, err error) {
	e := ows.AsError(err)
	logger.FromContext(r.Context(), &s.Logger).Warn().
		Str("operation", operation).
		Str("code", string(e.Code)).
		Str("locator", e.Locator).
		Msg(e.Message)

	body, status := ows.Report(e)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.count(operation, string(e.Code))
}

func (s *Service) count(operation, outcome string) {
	if s.Metrics != nil {
		s.Metrics.Requests.WithLabelValues(operation, outcome).Inc()
	}
}

// suppressWriteError hides client disconnects; there is nothing useful to
// report once the response body failed.
func suppressWriteError(err error) error {
	return nil
}
