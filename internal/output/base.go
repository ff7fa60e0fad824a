package output

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mapgrid/wfserver/internal/backend"
)

// UnlimitedPageSize allows any COUNT value for a format.
const UnlimitedPageSize = -1

// RenderOptions carries the per-request rendering knobs.
type RenderOptions struct {
	// Decimals bounds coordinate precision.
	Decimals int
	// BaseURL rebuilds pagination links.
	BaseURL string
	// RawQuery is the original query string, casing preserved.
	RawQuery string
	// UseDbRendering marks that geometry columns arrive pre-serialized.
	UseDbRendering bool
}

// Renderer streams one output format. Render must not write anything when
// it returns an error before the first flush; mid-stream failures emit a
// truncation marker instead of failing.
type Renderer interface {
	Render(ctx context.Context, w io.Writer, fc *FeatureCollection) error
}

// Format describes one registered output format.
type Format struct {
	// ContentType is the response media type; Subtype the short KVP alias
	// ("geojson", "csv", "gml/3.2.1").
	ContentType string
	Subtype     string

	// MaxPageSize caps COUNT; 0 falls back to the configured default cap,
	// UnlimitedPageSize lifts it.
	MaxPageSize int

	// Extension feeds the Content-Disposition filename.
	Extension string
	// Inline selects "inline" over "attachment" disposition.
	Inline bool

	// DbRender selects the in-database serialization for this format.
	DbRender backend.GeomRender

	New func(opts RenderOptions) Renderer
}

// Formats is the GetFeature output format registry, in advertisement
// order. The first entry is the default.
var Formats = []Format{
	{
		ContentType: "application/gml+xml; version=3.2",
		Subtype:     "gml/3.2.1",
		Extension:   "xml",
		Inline:      true,
		DbRender:    backend.RenderGML,
		New:         func(opts RenderOptions) Renderer { return &GML32Renderer{opts: opts} },
	},
	{
		ContentType: "application/geo+json; charset=utf-8",
		Subtype:     "geojson",
		MaxPageSize: UnlimitedPageSize,
		Extension:   "geojson",
		Inline:      true,
		DbRender:    backend.RenderGeoJSON,
		New:         func(opts RenderOptions) Renderer { return &GeoJSONRenderer{opts: opts} },
	},
	{
		ContentType: "text/csv; charset=utf-8",
		Subtype:     "csv",
		MaxPageSize: UnlimitedPageSize,
		Extension:   "csv",
		DbRender:    backend.RenderEWKT,
		New:         func(opts RenderOptions) Renderer { return &CSVRenderer{opts: opts} },
	},
}

// ResolveFormat matches an OUTPUTFORMAT value by content type or subtype.
// Empty picks the default.
func ResolveFormat(outputFormat string) (Format, bool) {
	if outputFormat == "" {
		return Formats[0], true
	}
	needle := strings.TrimSpace(outputFormat)
	for _, f := range Formats {
		if needle == f.Subtype || needle == f.ContentType ||
			needle == baseContentType(f.ContentType) {
			return f, true
		}
	}
	return Format{}, false
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		return strings.TrimSpace(ct[:i])
	}
	return ct
}

// ContentDisposition renders the download filename:
// "{typenames} {page} {date}.{ext}".
func (f Format) ContentDisposition(typeNames []string, startIndex int, now time.Time) string {
	kind := "attachment"
	if f.Inline {
		kind = "inline"
	}
	return fmt.Sprintf("%s; filename=\"%s %d %s.%s\"",
		kind,
		strings.Join(typeNames, " "),
		startIndex,
		now.Format("2006-01-02"),
		f.Extension,
	)
}

// xmlEscape writes character data with XML entities applied.
func xmlEscape(w io.Writer, s string) {
	_ = xml.EscapeText(w, []byte(s))
}

func escapeString(s string) string {
	var b strings.Builder
	xmlEscape(&b, s)
	return b.String()
}

// escapeAttr escapes an attribute value.
func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}
