// Package wfs defines the request AST for the WFS 2.0 operations, parsed
// from KVP query strings and from POSTed XML documents. KVP parsing is a
// lowering onto the XML form: both produce the same tree.
package wfs

import (
	"github.com/paulmach/orb"

	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/parser/fes"
)

// Request is any parsed top-level operation.
type Request interface {
	OperationName() string
}

// GetCapabilities requests the service metadata document.
type GetCapabilities struct {
	Service        string
	AcceptVersions []string
}

func (GetCapabilities) OperationName() string { return "GetCapabilities" }

// DescribeFeatureType requests the XSD of one or more feature types.
type DescribeFeatureType struct {
	TypeNames    []string
	OutputFormat string
	Namespaces   map[string]string
}

func (DescribeFeatureType) OperationName() string { return "DescribeFeatureType" }

// ResultType selects between returning members and returning counts only.
type ResultType int

const (
	ResultTypeResults ResultType = iota
	ResultTypeHits
)

// GetFeature requests feature members.
type GetFeature struct {
	Queries      []QueryExpression
	Count        int
	HasCount     bool
	StartIndex   int
	OutputFormat string
	ResultType   ResultType
	Namespaces   map[string]string
}

func (GetFeature) OperationName() string { return "GetFeature" }

// GetPropertyValue streams one property of the matched features.
type GetPropertyValue struct {
	GetFeature
	ValueReference string
}

func (GetPropertyValue) OperationName() string { return "GetPropertyValue" }

// ListStoredQueries lists the registered stored queries.
type ListStoredQueries struct{}

func (ListStoredQueries) OperationName() string { return "ListStoredQueries" }

// DescribeStoredQueries describes stored queries by id, or all of them.
type DescribeStoredQueries struct {
	IDs []string
}

func (DescribeStoredQueries) OperationName() string { return "DescribeStoredQueries" }

// QueryExpression is either an ad-hoc query or a stored query invocation.
type QueryExpression interface {
	isQuery()
}

// BBoxParam is a raw KVP BBOX: document-order corners plus the optional CRS
// notation. Axis interpretation waits until the target feature type is
// known, so the values stay untouched here.
type BBoxParam struct {
	Coords [4]float64
	CRS    string
}

// AdhocQuery is a parameterized <wfs:Query>.
type AdhocQuery struct {
	TypeNames     []string
	SrsName       string
	Filter        *fes.Filter
	BBox          *BBoxParam
	SortBy        []fes.SortProperty
	PropertyNames []string
	ResourceIDs   []fes.ResourceID

	// Locator names the parameter to blame in error reports: "filter",
	// "bbox", "resourceId" or "typeNames".
	Locator string
}

func (*AdhocQuery) isQuery() {}

// StoredQuery invokes a registered query by id.
type StoredQuery struct {
	ID     string
	Params map[string]string
}

func (*StoredQuery) isQuery() {}

// Envelope converts the KVP BBOX into a bounding box once the CRS is
// resolved. Lat-first systems give the corners in y,x order.
func (b *BBoxParam) Envelope(boxCRS crs.CRS) geom.BoundingBox {
	x1, y1, x2, y2 := b.Coords[0], b.Coords[1], b.Coords[2], b.Coords[3]
	if boxCRS.IsNorthEastOrder() {
		x1, y1, x2, y2 = y1, x1, y2, x2
	}
	box := geom.NewBoundingBox(boxCRS)
	box = box.ExtendToGeometry(orb.Point{x1, y1})
	box = box.ExtendToGeometry(orb.Point{x2, y2})
	return box
}
