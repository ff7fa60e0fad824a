package output

import (
	"context"
	"fmt"
	"io"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/schema"
)

// ValueCollectionRenderer streams the wfs:ValueCollection response of
// GetPropertyValue: one member per feature holding the referenced element.
type ValueCollectionRenderer struct {
	opts  RenderOptions
	Match *schema.XPathMatch
}

// NewValueCollectionRenderer builds the renderer for one resolved path.
func NewValueCollectionRenderer(opts RenderOptions, match *schema.XPathMatch) *ValueCollectionRenderer {
	return &ValueCollectionRenderer{opts: opts, Match: match}
}

// Render implements Renderer.
func (r *ValueCollectionRenderer) Render(ctx context.Context, w io.Writer, fc *FeatureCollection) error {
	total := 0
	for _, sc := range fc.Results {
		n, err := sc.Fetch(ctx)
		if err != nil {
			return err
		}
		total += n
	}
	fc.NumberReturned = total

	out := NewChunkedWriter(w)
	matched := "unknown"
	if fc.NumberMatched >= 0 {
		matched = fmt.Sprintf("%d", fc.NumberMatched)
	}

	out.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	out.WriteString(`<wfs:ValueCollection xmlns:wfs="http://www.opengis.net/wfs/2.0"` +
		` xmlns:gml="http://www.opengis.net/gml/3.2"` +
		` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	for _, sc := range fc.Results {
		fmt.Fprintf(out, " xmlns:%s=%q", sc.FeatureType.Prefix, sc.FeatureType.Namespace)
	}
	fmt.Fprintf(out, ` timeStamp=%q numberMatched=%q numberReturned="%d">`,
		fc.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), matched, fc.NumberReturned)
	out.WriteString("\n")

	for _, sc := range fc.Results {
		cur, err := sc.Iterate(ctx)
		if err != nil {
			writeTruncated(out, err)
			return out.Flush()
		}
		for cur.Next() {
			r.writeMember(out, sc, cur.Row())
			if err := out.MaybeFlush(); err != nil {
				cur.Close()
				return nil
			}
		}
		iterErr := cur.Err()
		cur.Close()
		if iterErr != nil {
			writeTruncated(out, iterErr)
			return out.Flush()
		}
	}

	out.WriteString("</wfs:ValueCollection>\n")
	return out.Flush()
}

func (r *ValueCollectionRenderer) writeMember(out *ChunkedWriter, sc *SimpleFeatureCollection, row backend.Row) {
	if r.Match.Attribute != nil {
		fmt.Fprintf(out, "  <wfs:member>%s</wfs:member>\n",
			escapeString(featureID(sc.FeatureType, row)))
		return
	}

	el := r.Match.Element
	value := row[r.Match.Path]
	switch {
	case value == nil:
		if el.Nillable {
			fmt.Fprintf(out, "  <wfs:member><%s xsi:nil=\"true\"/></wfs:member>\n", el.QName())
		} else {
			out.WriteString("  <wfs:member/>\n")
		}
	case el.IsGeometry():
		fmt.Fprintf(out, "  <wfs:member><%s>", el.QName())
		switch v := value.(type) {
		case string:
			out.WriteString(v)
		case geom.Geometry:
			g := sc.Projection.OutputGeometry(v)
			WriteGML(out, g, fmt.Sprintf("%s.%s", featureID(sc.FeatureType, row), el.Name), r.opts.Decimals)
		}
		fmt.Fprintf(out, "</%s></wfs:member>\n", el.QName())
	default:
		fmt.Fprintf(out, "  <wfs:member><%s>%s</%s></wfs:member>\n",
			el.QName(), escapeString(el.FormatRawValue(value)), el.QName())
	}
}
