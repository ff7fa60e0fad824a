package query

import (
	"strconv"
	"strings"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser/fes"
	"github.com/mapgrid/wfserver/internal/parser/wfs"
	"github.com/mapgrid/wfserver/internal/schema"
)

// Options carries the configuration knobs the compiler honors.
type Options struct {
	Policy           crs.Policy
	SupportedCrsOnly bool
	StrictStandard   bool
	UseDbRendering   bool
	Decimals         int

	// ForceOutputCRS overrides srsName entirely (GeoJSON emits CRS84).
	ForceOutputCRS *crs.CRS
}

// Compiler turns one AdhocQuery into a backend query plus its projection.
// One compiler instance serves one query; nothing is shared.
type Compiler struct {
	FeatureType *schema.FeatureType
	Functions   *FunctionRegistry
	Transforms  *crs.Registry
	Opts        Options
}

// Compile walks the query's filter bottom-up and builds the backend query.
// Built exactly once per query.
func (c *Compiler) Compile(q *wfs.AdhocQuery) (*backend.Query, *Projection, error) {
	out := &backend.Query{
		Table:   c.FeatureType.Table,
		IDField: c.FeatureType.IDField,
	}

	proj, err := c.Plan(q)
	if err != nil {
		return nil, nil, err
	}
	out.Columns = proj.Columns
	out.Prefetch = proj.Prefetch

	var preds []backend.Predicate

	if q.Filter != nil {
		if q.Filter.Predicate != nil {
			p, err := c.compileOperator(q.Filter.Predicate)
			if err != nil {
				return nil, nil, locatorErr(err, q.Locator)
			}
			preds = append(preds, p)
		}
		if len(q.Filter.ResourceIDs) > 0 {
			p, err := c.compileResourceIDs(q.Filter.ResourceIDs)
			if err != nil {
				return nil, nil, err
			}
			preds = append(preds, p)
		}
	}

	if len(q.ResourceIDs) > 0 {
		p, err := c.compileResourceIDs(q.ResourceIDs)
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, p)
	}

	if q.BBox != nil {
		p, err := c.compileKVPBBox(q)
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, p)
	}

	switch len(preds) {
	case 0:
	case 1:
		out.Predicate = preds[0]
	default:
		out.Predicate = backend.And{Preds: preds}
	}

	orderings, err := c.compileSortBy(q.SortBy)
	if err != nil {
		return nil, nil, err
	}
	// Stable tiebreaker on the identity field keeps pagination
	// deterministic when the sort key has duplicates.
	orderings = append(orderings, backend.Ordering{Path: c.FeatureType.IDField})
	out.Orderings = orderings

	return out, proj, nil
}

func locatorErr(err error, locator string) error {
	if locator == "" {
		return err
	}
	owsErr := ows.AsError(err)
	if owsErr.Locator == "" || owsErr.Locator == "filter" {
		return owsErr.WithLocator(locator)
	}
	return err
}

// --- expressions ---

// compiledExpr pairs the backend term with the schema node it resolved to,
// when the term is a plain field reference.
type compiledExpr struct {
	expr  backend.Expr
	match *schema.XPathMatch
	// literal holds the raw value for coercion against the other operand.
	literal *fes.Literal
}

func (c *Compiler) compileExpression(e fes.Expression) (compiledExpr, error) {
	switch v := e.(type) {
	case fes.ValueReference:
		match, err := c.FeatureType.ResolveXPath(v.XPath)
		if err != nil {
			return compiledExpr{}, err
		}
		return compiledExpr{expr: backend.Field{Path: match.Path}, match: match}, nil

	case fes.Literal:
		lit := v
		return compiledExpr{expr: backend.Value{V: v.Value}, literal: &lit}, nil

	case fes.Function:
		def, err := c.Functions.Resolve(v.Name, len(v.Args))
		if err != nil {
			return compiledExpr{}, err
		}
		call := backend.FuncCall{Name: def.BackendFn}
		for i, arg := range v.Args {
			compiled, err := c.compileExpression(arg)
			if err != nil {
				return compiledExpr{}, err
			}
			if compiled.literal != nil {
				value, err := schema.CastValue(def.Args[i], compiled.literal.Value)
				if err != nil {
					return compiledExpr{}, ows.NewInvalidParameterValue("filter",
						"invalid argument %d for function %q: %s", i+1, v.Name, err)
				}
				compiled.expr = backend.Value{V: value}
			}
			call.Args = append(call.Args, compiled.expr)
		}
		return compiledExpr{expr: call}, nil

	case fes.Arithmetic:
		left, err := c.compileExpression(v.Left)
		if err != nil {
			return compiledExpr{}, err
		}
		right, err := c.compileExpression(v.Right)
		if err != nil {
			return compiledExpr{}, err
		}
		ops := map[fes.ArithmeticOp]string{
			fes.OpAdd: "+", fes.OpSub: "-", fes.OpMul: "*", fes.OpDiv: "/",
		}
		return compiledExpr{expr: backend.Arith{
			Op:    ops[v.Op],
			Left:  numericOperand(left),
			Right: numericOperand(right),
		}}, nil

	default:
		return compiledExpr{}, ows.NewOperationParsingFailed("filter",
			"unsupported expression type")
	}
}

// numericOperand coerces literal operands of arithmetic to numbers.
func numericOperand(ce compiledExpr) backend.Expr {
	if ce.literal == nil {
		return ce.expr
	}
	if f, err := strconv.ParseFloat(ce.literal.Value, 64); err == nil {
		return backend.Value{V: f}
	}
	return ce.expr
}

// --- operators ---

func (c *Compiler) compileOperator(op fes.Operator) (backend.Predicate, error) {
	switch v := op.(type) {
	case fes.Comparison:
		return c.compileComparison(v)
	case fes.Between:
		return c.compileBetween(v)
	case fes.Like:
		return c.compileLike(v)
	case fes.Nil:
		return c.compileIsNull(v.Expr)
	case fes.Null:
		// Identical to PropertyIsNil for scalar fields.
		return c.compileIsNull(v.Expr)
	case fes.Spatial:
		return c.compileSpatial(v)
	case fes.DistanceOp:
		return c.compileDistance(v)
	case fes.And:
		preds, err := c.compileAll(v.Ops)
		if err != nil {
			return nil, err
		}
		return backend.And{Preds: preds}, nil
	case fes.Or:
		preds, err := c.compileAll(v.Ops)
		if err != nil {
			return nil, err
		}
		return backend.Or{Preds: preds}, nil
	case fes.Not:
		inner, err := c.compileOperator(v.Op)
		if err != nil {
			return nil, err
		}
		return backend.Not{Pred: inner}, nil
	case fes.ResourceID:
		return c.compileResourceIDs([]fes.ResourceID{v})
	default:
		return nil, ows.NewOperationParsingFailed("filter", "unsupported filter operator")
	}
}

func (c *Compiler) compileAll(ops []fes.Operator) ([]backend.Predicate, error) {
	out := make([]backend.Predicate, 0, len(ops))
	for _, op := range ops {
		p, err := c.compileOperator(op)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

var comparisonOps = map[fes.ComparisonName]backend.CompareOp{
	fes.PropertyIsEqualTo:              backend.OpEq,
	fes.PropertyIsNotEqualTo:           backend.OpNe,
	fes.PropertyIsLessThan:             backend.OpLt,
	fes.PropertyIsGreaterThan:          backend.OpGt,
	fes.PropertyIsLessThanOrEqualTo:    backend.OpLte,
	fes.PropertyIsGreaterThanOrEqualTo: backend.OpGte,
}

func (c *Compiler) compileComparison(cmp fes.Comparison) (backend.Predicate, error) {
	op := comparisonOps[cmp.Name]

	left, err := c.compileExpression(cmp.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.compileExpression(cmp.Right)
	if err != nil {
		return nil, err
	}

	// Reversed operands (Literal OP ValueReference) swap and invert.
	if left.literal != nil && right.match != nil {
		left, right = right, left
		op = op.Inverse()
	}

	if right.literal != nil && left.match != nil && left.match.Element != nil {
		value, err := left.match.Element.ToValue(right.literal.Value)
		if err != nil {
			return nil, ows.NewInvalidParameterValue("filter", "%s", err)
		}
		right.expr = backend.Value{V: value}
	}

	return backend.Compare{
		Left:      left.expr,
		Op:        op,
		Right:     right.expr,
		MatchCase: cmp.MatchCase,
	}, nil
}

func (c *Compiler) compileBetween(b fes.Between) (backend.Predicate, error) {
	expr, err := c.compileExpression(b.Expr)
	if err != nil {
		return nil, err
	}
	lower, err := c.boundaryOperand(b.Lower, expr)
	if err != nil {
		return nil, err
	}
	upper, err := c.boundaryOperand(b.Upper, expr)
	if err != nil {
		return nil, err
	}
	return backend.Between{Expr: expr.expr, Lower: lower, Upper: upper}, nil
}

func (c *Compiler) boundaryOperand(e fes.Expression, target compiledExpr) (backend.Expr, error) {
	bound, err := c.compileExpression(e)
	if err != nil {
		return nil, err
	}
	if bound.literal != nil && target.match != nil && target.match.Element != nil {
		value, err := target.match.Element.ToValue(bound.literal.Value)
		if err != nil {
			return nil, ows.NewInvalidParameterValue("filter", "%s", err)
		}
		return backend.Value{V: value}, nil
	}
	return bound.expr, nil
}

func (c *Compiler) compileLike(like fes.Like) (backend.Predicate, error) {
	expr, err := c.compileExpression(like.Expr)
	if err != nil {
		return nil, err
	}
	pattern, err := translateLikePattern(like.Pattern, like.WildCard, like.SingleChar, like.EscapeChar)
	if err != nil {
		return nil, err
	}
	return backend.Like{
		Expr:      expr.expr,
		Pattern:   pattern,
		Escape:    `\`,
		MatchCase: like.MatchCase,
	}, nil
}

// translateLikePattern rewrites the FES wildcard alphabet to SQL LIKE,
// escaping literal '%' and '_' along the way.
func translateLikePattern(pattern, wild, single, escape string) (string, error) {
	if len(wild) != 1 || len(single) != 1 || (escape != "" && len(escape) != 1) {
		return "", ows.NewInvalidParameterValue("filter",
			"wildCard, singleChar and escapeChar must be single characters")
	}
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		ch := string(r)
		switch {
		case escaped:
			appendLikeLiteral(&b, ch)
			escaped = false
		case escape != "" && ch == escape:
			escaped = true
		case ch == wild:
			b.WriteByte('%')
		case ch == single:
			b.WriteByte('_')
		default:
			appendLikeLiteral(&b, ch)
		}
	}
	if escaped {
		return "", ows.NewInvalidParameterValue("filter",
			"pattern ends with a dangling escape character")
	}
	return b.String(), nil
}

func appendLikeLiteral(b *strings.Builder, ch string) {
	if ch == "%" || ch == "_" || ch == `\` {
		b.WriteByte('\\')
	}
	b.WriteString(ch)
}

func (c *Compiler) compileIsNull(e fes.Expression) (backend.Predicate, error) {
	expr, err := c.compileExpression(e)
	if err != nil {
		return nil, err
	}
	return backend.IsNull{Expr: expr.expr}, nil
}

var spatialOps = map[fes.SpatialName]backend.SpatialOp{
	// BBOX uses intersects semantics per the specification.
	fes.BBOX:       backend.SpIntersects,
	fes.Intersects: backend.SpIntersects,
	fes.Contains:   backend.SpContains,
	fes.Crosses:    backend.SpCrosses,
	fes.Disjoint:   backend.SpDisjoint,
	fes.Equals:     backend.SpEquals,
	fes.Overlaps:   backend.SpOverlaps,
	fes.Touches:    backend.SpTouches,
	fes.Within:     backend.SpWithin,
}

func (c *Compiler) compileSpatial(sp fes.Spatial) (backend.Predicate, error) {
	field, err := c.geometryOperand(sp.Ref)
	if err != nil {
		return nil, err
	}

	literal := sp.Geometry
	if sp.Envelope != nil {
		literal = geom.Geometry{Geom: sp.Envelope.Polygon(), CRS: sp.Envelope.CRS}
	}
	literal, err = c.toDefaultCRS(literal)
	if err != nil {
		return nil, err
	}

	return backend.SpatialPred{
		Field:    field,
		Op:       spatialOps[sp.Name],
		Geometry: literal,
	}, nil
}

func (c *Compiler) compileDistance(d fes.DistanceOp) (backend.Predicate, error) {
	field, err := c.geometryOperand(d.Ref)
	if err != nil {
		return nil, err
	}
	distance, err := c.distanceInCRSUnits(d.Distance, d.Units)
	if err != nil {
		return nil, err
	}
	literal, err := c.toDefaultCRS(d.Geometry)
	if err != nil {
		return nil, err
	}
	return backend.DistancePred{
		Field:    field,
		Geometry: literal,
		Distance: distance,
		Beyond:   d.Name == fes.Beyond,
	}, nil
}

// distanceInCRSUnits validates the uom against the feature's default CRS.
// A distance in a degree-unit CRS must be expressed in degrees; everything
// else requires a projected system.
func (c *Compiler) distanceInCRSUnits(value float64, uom string) (float64, error) {
	geographic := c.FeatureType.DefaultCRS.IsGeographic()
	switch strings.ToLower(uom) {
	case "deg", "degree", "degrees":
		if !geographic {
			return 0, ows.NewInvalidParameterValue("filter",
				"distance in degrees requires a geographic CRS")
		}
		return value, nil
	case "", "m", "meter", "meters", "metre", "metres":
		if geographic {
			return 0, ows.NewInvalidParameterValue("filter",
				"DWithin/Beyond on a geographic CRS needs the distance in degrees")
		}
		return value, nil
	case "km", "kilometer", "kilometers":
		if geographic {
			return 0, ows.NewInvalidParameterValue("filter",
				"DWithin/Beyond on a geographic CRS needs the distance in degrees")
		}
		return value * 1000, nil
	default:
		return 0, ows.NewInvalidParameterValue("filter",
			"unsupported distance unit %q", uom)
	}
}

// geometryOperand resolves the spatial operand, defaulting to the
// feature's own geometry element when the reference was omitted.
func (c *Compiler) geometryOperand(ref *fes.ValueReference) (backend.Field, error) {
	if ref == nil {
		el := c.FeatureType.DefaultGeometryElement()
		if el == nil {
			return backend.Field{}, ows.NewInvalidParameterValue("filter",
				"feature type %q has no geometry field", c.FeatureType.Name)
		}
		return backend.Field{Path: el.Source}, nil
	}
	match, err := c.FeatureType.ResolveXPath(ref.XPath)
	if err != nil {
		return backend.Field{}, err
	}
	if match.Element == nil || !match.Element.IsGeometry() {
		return backend.Field{}, ows.NewInvalidParameterValue(ref.XPath,
			"field %q is not a geometry", ref.XPath)
	}
	return backend.Field{Path: match.Path}, nil
}

// toDefaultCRS reprojects a literal geometry into the feature's default
// CRS before it enters the predicate.
func (c *Compiler) toDefaultCRS(g geom.Geometry) (geom.Geometry, error) {
	target := c.FeatureType.DefaultCRS
	if g.IsZero() || g.CRS.Equivalent(target) {
		g.CRS = target
		return g, nil
	}
	t, err := c.Transforms.Get(g.CRS, target)
	if err != nil {
		return geom.Geometry{}, err
	}
	return geom.Geometry{Geom: t.Apply(g.Geom), CRS: target}, nil
}

// --- resource ids ---

// compileResourceIDs combines all rids into one IN-set. Ids addressing a
// different type name match nothing; a malformed id yields an empty result
// unless strict-standard mode is on.
func (c *Compiler) compileResourceIDs(rids []fes.ResourceID) (backend.Predicate, error) {
	var values []any
	for _, rid := range rids {
		if tn := rid.TypeName(); tn != "" && localPart(tn) != c.FeatureType.Name {
			continue
		}
		id, err := c.castID(rid.ID())
		if err != nil {
			if c.Opts.StrictStandard {
				return nil, ows.NewInvalidParameterValue("resourceId",
					"invalid resource id %q", rid.Rid)
			}
			continue
		}
		values = append(values, id)
	}
	if len(values) == 0 {
		return backend.AlwaysFalse{}, nil
	}
	return backend.In{Expr: backend.Field{Path: c.FeatureType.IDField}, Values: values}, nil
}

func (c *Compiler) castID(raw string) (any, error) {
	switch c.FeatureType.IDFieldType {
	case schema.FTString, schema.FTText:
		return raw, nil
	default:
		return strconv.ParseInt(raw, 10, 64)
	}
}

func localPart(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

// --- kvp bbox ---

func (c *Compiler) compileKVPBBox(q *wfs.AdhocQuery) (backend.Predicate, error) {
	el := c.FeatureType.DefaultGeometryElement()
	if el == nil {
		return nil, ows.NewInvalidParameterValue("bbox",
			"feature type %q has no geometry field", c.FeatureType.Name)
	}

	boxCRS := c.FeatureType.DefaultCRS
	if q.BBox.CRS != "" {
		parsed, err := crs.Parse(q.BBox.CRS, c.Opts.Policy)
		if err != nil {
			return nil, ows.AsError(err).WithLocator("bbox")
		}
		boxCRS = parsed
	}
	box := q.BBox.Envelope(boxCRS)
	literal, err := c.toDefaultCRS(geom.Geometry{Geom: box.Polygon(), CRS: boxCRS})
	if err != nil {
		return nil, err
	}
	return backend.SpatialPred{
		Field:    backend.Field{Path: el.Source},
		Op:       backend.SpIntersects,
		Geometry: literal,
	}, nil
}

// --- sort by ---

func (c *Compiler) compileSortBy(sorts []fes.SortProperty) ([]backend.Ordering, error) {
	var out []backend.Ordering
	for _, s := range sorts {
		match, err := c.FeatureType.ResolveXPath(s.XPath)
		if err != nil {
			return nil, ows.AsError(err).WithLocator("sortBy")
		}
		out = append(out, backend.Ordering{
			Path:       match.Path,
			Descending: s.Descending,
		})
	}
	return out, nil
}
