package output

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/schema"
)

// CSVRenderer streams a flat table: one row per feature, complex elements
// flattened to dotted column names, unbounded relations left out.
type CSVRenderer struct {
	opts RenderOptions
}

// Render implements Renderer.
func (r *CSVRenderer) Render(ctx context.Context, w io.Writer, fc *FeatureCollection) error {
	out := NewChunkedWriter(w)

	for i, sc := range fc.Results {
		if i > 0 {
			out.WriteString("\n")
		}
		if err := r.renderCollection(ctx, out, sc); err != nil {
			// mid-stream: a trailing comment marks the truncation
			e := ows.AsError(err)
			fmt.Fprintf(out, "\n# truncatedResponse: %s %s\n", e.Code, e.Message)
			return out.Flush()
		}
	}
	return out.Flush()
}

func (r *CSVRenderer) renderCollection(ctx context.Context, out *ChunkedWriter, sc *SimpleFeatureCollection) error {
	columns := r.columns(sc)

	cw := csv.NewWriter(out)
	header := make([]string, 0, len(columns)+1)
	header = append(header, "id")
	for _, col := range columns {
		header = append(header, col.title)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	cur, err := sc.Iterate(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	for cur.Next() {
		select {
		case <-ctx.Done():
			cw.Flush()
			return nil
		default:
		}
		row := cur.Row()
		record := make([]string, 0, len(columns)+1)
		record = append(record, featureID(sc.FeatureType, row))
		for _, col := range columns {
			record = append(record, col.format(sc, row))
		}
		if err := cw.Write(record); err != nil {
			return nil // client disconnected
		}
		cw.Flush()
		if err := out.MaybeFlush(); err != nil {
			return nil
		}
	}
	cw.Flush()
	return cur.Err()
}

type csvColumn struct {
	title  string
	format func(sc *SimpleFeatureCollection, row backend.Row) string
}

// columns flattens the selected scalar elements; geometries render as WKT
// in the output CRS.
func (r *CSVRenderer) columns(sc *SimpleFeatureCollection) []csvColumn {
	var out []csvColumn
	var walk func(el *schema.Element, prefix string)
	walk = func(el *schema.Element, prefix string) {
		title := prefix + el.Name
		switch {
		case el.Kind == schema.KindGmlBoundedBy || el.IsMany():
			// no tabular representation

		case el.IsGeometry():
			element := el
			out = append(out, csvColumn{
				title: title,
				format: func(sc *SimpleFeatureCollection, row backend.Row) string {
					switch v := sc.Projection.Value(row, element).(type) {
					case string:
						return v
					case geom.Geometry:
						return wkt.MarshalString(sc.Projection.OutputGeometry(v).Geom)
					default:
						return ""
					}
				},
			})

		case el.IsComplex():
			for _, child := range sc.Projection.ChildElements(el) {
				walk(child, title+".")
			}

		default:
			element := el
			out = append(out, csvColumn{
				title: title,
				format: func(sc *SimpleFeatureCollection, row backend.Row) string {
					return element.FormatRawValue(sc.Projection.Value(row, element))
				},
			})
		}
	}
	for _, el := range sc.Projection.RootElements() {
		walk(el, "")
	}
	return out
}
