package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	geojsonenc "github.com/paulmach/orb/geojson"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/schema"
)

// GeoJSONRenderer streams a GeoJSON FeatureCollection. Coordinates are
// always longitude/latitude (CRS84); the count fields move to the footer
// so no member needs to be buffered.
type GeoJSONRenderer struct {
	opts RenderOptions
}

// Render implements Renderer.
func (r *GeoJSONRenderer) Render(ctx context.Context, w io.Writer, fc *FeatureCollection) error {
	out := NewChunkedWriter(w)

	crsName := "urn:ogc:def:crs:OGC::CRS84"
	if len(fc.Results) > 0 {
		crsName = fc.Results[0].Projection.OutputCRS.String()
	}
	fmt.Fprintf(out,
		`{"type":"FeatureCollection","timeStamp":%s,"crs":{"type":"name","properties":{"name":%s}}`,
		jsonString(fc.Timestamp.UTC().Format("2006-01-02T15:04:05Z")),
		jsonString(crsName))
	out.WriteString(",\n  \"features\": [\n")

	returned := 0
	if !fc.HitsOnly {
		for _, sc := range fc.Results {
			n, err := r.renderCollection(ctx, out, sc, returned)
			returned += n
			if err != nil {
				// mid-stream: emit a JSON exception document tail
				r.writeException(out, err)
				return out.Flush()
			}
		}
	}
	fc.NumberReturned = returned

	out.WriteString("\n  ],\n")
	r.writeFooter(out, fc)
	return out.Flush()
}

func (r *GeoJSONRenderer) renderCollection(ctx context.Context, out *ChunkedWriter, sc *SimpleFeatureCollection, alreadyWritten int) (int, error) {
	cur, err := sc.Iterate(ctx)
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	n := 0
	for cur.Next() {
		select {
		case <-ctx.Done():
			return n, nil
		default:
		}
		if alreadyWritten+n > 0 {
			out.WriteString(",\n")
		}
		if err := r.renderFeature(out, sc, cur.Row()); err != nil {
			return n, err
		}
		n++
		if err := out.MaybeFlush(); err != nil {
			return n, nil
		}
	}
	return n, cur.Err()
}

func (r *GeoJSONRenderer) renderFeature(out *ChunkedWriter, sc *SimpleFeatureCollection, row backend.Row) error {
	ft := sc.FeatureType
	proj := sc.Projection

	geometry, err := r.geometryJSON(sc, row)
	if err != nil {
		return err
	}

	props := map[string]any{}
	for _, el := range proj.RootElements() {
		if el.IsGeometry() || el.Kind == schema.KindGmlBoundedBy {
			continue
		}
		props[el.Name] = r.propertyValue(sc, row, el)
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return ows.NewProcessingFailed(err, "cannot serialize feature properties")
	}

	fmt.Fprintf(out, `    {"type":"Feature","id":%s,"geometry":%s,"properties":%s}`,
		jsonString(featureID(ft, row)), geometry, propsJSON)
	return nil
}

func (r *GeoJSONRenderer) propertyValue(sc *SimpleFeatureCollection, row backend.Row, el *schema.Element) any {
	proj := sc.Projection

	if el.IsMany() {
		nested, _ := proj.Value(row, el).([]backend.Row)
		items := make([]any, 0, len(nested))
		for _, sub := range nested {
			if el.IsComplex() {
				obj := map[string]any{}
				for _, child := range proj.ChildElements(el) {
					obj[child.Name] = jsonValue(child, sub[child.LocalSource])
				}
				items = append(items, obj)
			} else {
				items = append(items, jsonValue(el, sub[el.LocalSource]))
			}
		}
		return items
	}

	if el.IsComplex() {
		obj := map[string]any{}
		for _, child := range proj.ChildElements(el) {
			if child.IsGeometry() {
				continue
			}
			obj[child.Name] = r.propertyValue(sc, row, child)
		}
		return obj
	}

	return jsonValue(el, proj.Value(row, el))
}

// jsonValue keeps JSON-native types as-is and formats the rest the way
// the XML output would.
func jsonValue(el *schema.Element, v any) any {
	switch v.(type) {
	case nil:
		return nil
	case bool, int, int32, int64, float32, float64, string:
		return v
	default:
		return el.FormatRawValue(v)
	}
}

func (r *GeoJSONRenderer) geometryJSON(sc *SimpleFeatureCollection, row backend.Row) (string, error) {
	el := sc.FeatureType.DefaultGeometryElement()
	if el == nil {
		return "null", nil
	}
	switch v := sc.Projection.Value(row, el).(type) {
	case nil:
		return "null", nil
	case string:
		// pre-rendered by the datastore
		return v, nil
	case geom.Geometry:
		g := sc.Projection.OutputGeometry(v)
		raw, err := geojsonenc.NewGeometry(g.Geom).MarshalJSON()
		if err != nil {
			return "", ows.NewProcessingFailed(err, "cannot serialize geometry")
		}
		return string(raw), nil
	default:
		return "null", nil
	}
}

func (r *GeoJSONRenderer) writeFooter(out *ChunkedWriter, fc *FeatureCollection) {
	links := make([]map[string]string, 0, 2)
	if fc.Next != "" {
		links = append(links, map[string]string{
			"href": fc.Next, "rel": "next",
			"type": "application/geo+json", "title": "next page",
		})
	}
	if fc.Previous != "" {
		links = append(links, map[string]string{
			"href": fc.Previous, "rel": "previous",
			"type": "application/geo+json", "title": "previous page",
		})
	}
	linksJSON, _ := json.Marshal(links)

	matched := any("unknown")
	if fc.NumberMatched >= 0 {
		matched = fc.NumberMatched
	}
	matchedJSON, _ := json.Marshal(matched)

	fmt.Fprintf(out, `  "links":%s,"numberReturned":%d,"numberMatched":%s}`,
		linksJSON, fc.NumberReturned, matchedJSON)
	out.WriteString("\n")
}

// writeException closes the document with an exception member, so clients
// never mistake a truncated response for a complete one.
func (r *GeoJSONRenderer) writeException(out *ChunkedWriter, err error) {
	e := ows.AsError(err)
	doc, _ := json.Marshal(map[string]string{
		"code":    string(e.Code),
		"locator": e.Locator,
		"text":    e.Message,
	})
	fmt.Fprintf(out, "\n  ],\n  \"exception\":%s}\n", doc)
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
