package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/schema"
)

// ErrFeatureNotFound is raised when GetFeatureById matches nothing. The
// 404 mirrors what the CITE test suite expects.
func ErrFeatureNotFound(id string) *ows.Error {
	return ows.NewInvalidParameterValue("ID", "feature %q does not exist", id).
		WithStatus(http.StatusNotFound)
}

// RenderSingleGML writes the bare feature element returned by the
// GetFeatureById stored query. The error return is pre-stream safe: on a
// miss nothing has been written yet.
func RenderSingleGML(ctx context.Context, w io.Writer, sc *SimpleFeatureCollection, id string, opts RenderOptions) error {
	r := &GML32Renderer{opts: opts}
	n, err := sc.Fetch(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFeatureNotFound(id)
	}

	cur, err := sc.Iterate(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()
	cur.Next()
	row := cur.Row()

	ft := sc.FeatureType
	gmlID := featureID(ft, row)

	out := NewChunkedWriter(w)
	out.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(out, "<%s gml:id=%q\n", ft.QName(), gmlID)
	fmt.Fprintf(out, "    xmlns:%s=%q\n", ft.Prefix, ft.Namespace)
	out.WriteString(`    xmlns:gml="http://www.opengis.net/gml/3.2"` + "\n")
	out.WriteString(`    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` + "\n")
	for _, el := range sc.Projection.RootElements() {
		r.writeElement(out, sc, row, el, gmlID, 1)
	}
	fmt.Fprintf(out, "</%s>\n", ft.QName())
	return out.Flush()
}

// RenderSingleGeoJSON writes one bare GeoJSON Feature.
func RenderSingleGeoJSON(ctx context.Context, w io.Writer, sc *SimpleFeatureCollection, id string, opts RenderOptions) error {
	r := &GeoJSONRenderer{opts: opts}
	n, err := sc.Fetch(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFeatureNotFound(id)
	}

	cur, err := sc.Iterate(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()
	cur.Next()
	row := cur.Row()

	geometry, err := r.geometryJSON(sc, row)
	if err != nil {
		return err
	}
	props := map[string]any{}
	for _, el := range sc.Projection.RootElements() {
		if el.IsGeometry() || el.Kind == schema.KindGmlBoundedBy {
			continue
		}
		props[el.Name] = r.propertyValue(sc, row, el)
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return ows.NewProcessingFailed(err, "cannot serialize feature properties")
	}

	out := NewChunkedWriter(w)
	fmt.Fprintf(out, `{"type":"Feature","id":%s,"geometry":%s,"properties":%s}`,
		jsonString(featureID(sc.FeatureType, row)), geometry, propsJSON)
	out.WriteString("\n")
	return out.Flush()
}
