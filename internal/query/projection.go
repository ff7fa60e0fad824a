package query

import (
	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
	"github.com/mapgrid/wfserver/internal/schema"
)

// Projection is the result plan for one query: which elements to select,
// which CRS to emit, whether rows need a reprojection, and which unbounded
// relations to prefetch.
type Projection struct {
	FeatureType *schema.FeatureType

	// OutputCRS is srsName when requested, the type default otherwise.
	OutputCRS crs.CRS
	// Transform reprojects row geometries; nil when none is needed.
	Transform *crs.Transform

	selected map[schema.ElementID]bool

	Columns  []backend.Column
	Prefetch []backend.Relation

	Decimals int
}

// Plan derives the projection for a query against this compiler's type.
func (c *Compiler) Plan(q *wfs.AdhocQuery) (*Projection, error) {
	ft := c.FeatureType
	proj := &Projection{
		FeatureType: ft,
		OutputCRS:   ft.DefaultCRS,
		selected:    map[schema.ElementID]bool{},
		Decimals:    c.Opts.Decimals,
	}

	switch {
	case c.Opts.ForceOutputCRS != nil:
		// GeoJSON always emits CRS84, whatever srsName asked for.
		proj.OutputCRS = *c.Opts.ForceOutputCRS
	case q.SrsName != "":
		out, err := crs.Parse(q.SrsName, c.Opts.Policy)
		if err != nil {
			return nil, err
		}
		if c.Opts.SupportedCrsOnly && !ft.SupportsCRS(out) {
			return nil, ows.NewInvalidParameterValue("srsName",
				"feature type %q does not advertise CRS %q", ft.Name, q.SrsName)
		}
		proj.OutputCRS = out
	}

	if !proj.OutputCRS.Equivalent(ft.DefaultCRS) {
		t, err := c.Transforms.Get(ft.DefaultCRS, proj.OutputCRS)
		if err != nil {
			return nil, err
		}
		proj.Transform = t
	}

	if err := proj.selectElements(q.PropertyNames, ft); err != nil {
		return nil, err
	}
	proj.buildColumns()
	return proj, nil
}

// selectElements computes the selected set, closed under ancestors.
// Geometry elements and the identity attribute are always included.
func (p *Projection) selectElements(propertyNames []string, ft *schema.FeatureType) error {
	if len(propertyNames) == 0 {
		for _, el := range ft.Arena().Elements() {
			p.selected[el.ID] = true
		}
		return nil
	}

	for _, name := range propertyNames {
		match, err := ft.ResolveXPath(name)
		if err != nil {
			return ows.AsError(err).WithLocator("propertyName")
		}
		if match.Element == nil {
			continue // gml:id is always present anyway
		}
		p.markWithAncestors(match.Element)
		p.markSubtree(match.Element)
	}

	for _, el := range ft.GeometryElements() {
		p.markWithAncestors(el)
	}
	return nil
}

func (p *Projection) markWithAncestors(el *schema.Element) {
	arena := p.FeatureType.Arena()
	for {
		p.selected[el.ID] = true
		if el.Parent == schema.NoElement {
			return
		}
		el = arena.Element(el.Parent)
	}
}

func (p *Projection) markSubtree(el *schema.Element) {
	if !el.IsComplex() {
		return
	}
	arena := p.FeatureType.Arena()
	for _, id := range arena.Type(el.Complex).Elements {
		child := arena.Element(id)
		p.selected[child.ID] = true
		p.markSubtree(child)
	}
}

// IsSelected tells whether an element is part of the response.
func (p *Projection) IsSelected(el *schema.Element) bool { return p.selected[el.ID] }

// RootElements lists the selected top-level members in schema order.
func (p *Projection) RootElements() []*schema.Element {
	var out []*schema.Element
	for _, el := range p.FeatureType.RootElements() {
		if p.selected[el.ID] {
			out = append(out, el)
		}
	}
	return out
}

// ChildElements lists the selected members of a complex element.
func (p *Projection) ChildElements(el *schema.Element) []*schema.Element {
	if !el.IsComplex() {
		return nil
	}
	arena := p.FeatureType.Arena()
	var out []*schema.Element
	for _, id := range arena.Type(el.Complex).Elements {
		child := arena.Element(id)
		if p.selected[child.ID] {
			out = append(out, child)
		}
	}
	return out
}

// NeedsReprojection tells whether row geometries leave in another CRS.
func (p *Projection) NeedsReprojection() bool { return p.Transform != nil }

// OutputGeometry converts a raw row geometry into the output CRS.
func (p *Projection) OutputGeometry(g geom.Geometry) geom.Geometry {
	if g.IsZero() || p.Transform == nil {
		return g
	}
	return geom.Geometry{Geom: p.Transform.Apply(g.Geom), CRS: p.OutputCRS}
}

// buildColumns turns the selected leaves into the select-only column set
// and the prefetch plan. The identity field always loads.
func (p *Projection) buildColumns() {
	ft := p.FeatureType
	arena := ft.Arena()

	p.Columns = append(p.Columns, backend.Column{Path: ft.IDField})

	seen := map[string]bool{ft.IDField: true}
	for i := range arena.Elements() {
		el := arena.Element(schema.ElementID(i))
		if !p.selected[el.ID] {
			continue
		}
		// members of an unbounded relation arrive via its prefetch
		if p.underManyRelation(el) {
			continue
		}
		switch {
		case el.Kind == schema.KindGmlBoundedBy:
			// computed from the geometry columns, nothing to select

		case el.IsMany() && el.RelationTable != "":
			relation := backend.Relation{
				Path:       el.Source,
				Table:      el.RelationTable,
				ForeignKey: el.RelationFK,
			}
			if el.IsComplex() {
				for _, childID := range arena.Type(el.Complex).Elements {
					relation.Fields = append(relation.Fields, arena.Element(childID).LocalSource)
				}
			} else {
				relation.Fields = []string{el.LocalSource}
			}
			p.Prefetch = append(p.Prefetch, relation)

		case el.IsComplex():
			// leaves carry the data; the wrapper itself selects nothing

		case el.IsGeometry():
			if !seen[el.Source] {
				seen[el.Source] = true
				col := backend.Column{
					Path:       el.Source,
					Geometry:   true,
					SourceSRID: ft.DefaultCRS.SRID,
					Decimals:   p.Decimals,
				}
				p.Columns = append(p.Columns, col)
			}

		default:
			if !seen[el.Source] {
				seen[el.Source] = true
				p.Columns = append(p.Columns, backend.Column{Path: el.Source})
			}
		}
	}
}

func (p *Projection) underManyRelation(el *schema.Element) bool {
	arena := p.FeatureType.Arena()
	for parent := el.Parent; parent != schema.NoElement; {
		pe := arena.Element(parent)
		if pe.IsMany() {
			return true
		}
		parent = pe.Parent
	}
	return false
}

// ApplyDbRendering pushes geometry serialization into the datastore for
// the given output flavor. Orthogonal to the rest of the plan.
func (p *Projection) ApplyDbRendering(render backend.GeomRender) {
	for i := range p.Columns {
		if !p.Columns[i].Geometry {
			continue
		}
		p.Columns[i].RenderAs = render
		if p.Transform != nil {
			p.Columns[i].TargetSRID = p.OutputCRS.SRID
		}
	}
}

// Value reads an element's raw value from a result row.
func (p *Projection) Value(row backend.Row, el *schema.Element) any {
	return row[el.Source]
}
