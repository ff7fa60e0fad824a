package fes

import (
	"strconv"
	"strings"

	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/gml"
)

// Operator is a predicate node of the filter tree.
type Operator interface {
	isOperator()
}

// ComparisonName identifies a binary comparison operator.
type ComparisonName string

const (
	PropertyIsEqualTo              ComparisonName = "PropertyIsEqualTo"
	PropertyIsNotEqualTo           ComparisonName = "PropertyIsNotEqualTo"
	PropertyIsLessThan             ComparisonName = "PropertyIsLessThan"
	PropertyIsGreaterThan          ComparisonName = "PropertyIsGreaterThan"
	PropertyIsLessThanOrEqualTo    ComparisonName = "PropertyIsLessThanOrEqualTo"
	PropertyIsGreaterThanOrEqualTo ComparisonName = "PropertyIsGreaterThanOrEqualTo"
)

// Comparison is a two-operand comparison.
type Comparison struct {
	Name  ComparisonName
	Left  Expression
	Right Expression
	// MatchCase defaults to true per FES 2.0.
	MatchCase bool
}

// Between is PropertyIsBetween with inclusive boundaries.
type Between struct {
	Expr  Expression
	Lower Expression
	Upper Expression
}

// Like is PropertyIsLike with its wildcard alphabet.
type Like struct {
	Expr       Expression
	Pattern    string
	WildCard   string
	SingleChar string
	EscapeChar string
	MatchCase  bool
}

// Nil is PropertyIsNil; Null is PropertyIsNull. For scalar fields both
// compile to "IS NULL"; see DESIGN.md for the unbounded case.
type Nil struct{ Expr Expression }

// Null matches properties without a value.
type Null struct{ Expr Expression }

// SpatialName identifies a binary spatial operator.
type SpatialName string

const (
	BBOX       SpatialName = "BBOX"
	Intersects SpatialName = "Intersects"
	Contains   SpatialName = "Contains"
	Crosses    SpatialName = "Crosses"
	Disjoint   SpatialName = "Disjoint"
	Equals     SpatialName = "Equals"
	Overlaps   SpatialName = "Overlaps"
	Touches    SpatialName = "Touches"
	Within     SpatialName = "Within"
)

// Spatial is a binary spatial predicate against a literal geometry. Ref is
// nil when the operand defaulted to the feature's own geometry element
// (single-operand BBOX).
type Spatial struct {
	Name     SpatialName
	Ref      *ValueReference
	Geometry geom.Geometry
	// Envelope is set instead of Geometry for BBOX.
	Envelope *geom.BoundingBox
}

// DistanceName identifies a distance-based spatial operator.
type DistanceName string

const (
	DWithin DistanceName = "DWithin"
	Beyond  DistanceName = "Beyond"
)

// DistanceOp is DWithin/Beyond with a distance and its unit of measure.
type DistanceOp struct {
	Name     DistanceName
	Ref      *ValueReference
	Geometry geom.Geometry
	Distance float64
	Units    string
}

// And, Or and Not compose predicates.
type And struct{ Ops []Operator }
type Or struct{ Ops []Operator }
type Not struct{ Op Operator }

// ResourceID matches a feature by "<typename>.<id>" or a bare id.
type ResourceID struct{ Rid string }

// TypeName splits the type part of the rid, empty when absent.
func (r ResourceID) TypeName() string {
	if i := strings.LastIndexByte(r.Rid, '.'); i > 0 {
		return r.Rid[:i]
	}
	return ""
}

// ID returns the identifier part of the rid.
func (r ResourceID) ID() string {
	if i := strings.LastIndexByte(r.Rid, '.'); i > 0 {
		return r.Rid[i+1:]
	}
	return r.Rid
}

func (Comparison) isOperator() {}
func (Between) isOperator()    {}
func (Like) isOperator()       {}
func (Nil) isOperator()        {}
func (Null) isOperator()       {}
func (Spatial) isOperator()    {}
func (DistanceOp) isOperator() {}
func (And) isOperator()        {}
func (Or) isOperator()         {}
func (Not) isOperator()        {}
func (ResourceID) isOperator() {}

// ComparisonNames lists the advertised comparison operators for the
// filter capabilities section.
var ComparisonNames = []string{
	"PropertyIsEqualTo", "PropertyIsNotEqualTo",
	"PropertyIsLessThan", "PropertyIsGreaterThan",
	"PropertyIsLessThanOrEqualTo", "PropertyIsGreaterThanOrEqualTo",
	"PropertyIsBetween", "PropertyIsLike", "PropertyIsNil", "PropertyIsNull",
}

// SpatialNames lists the advertised spatial operators.
var SpatialNames = []string{
	"BBOX", "Intersects", "Contains", "Crosses", "Disjoint",
	"Equals", "Overlaps", "Touches", "Within", "DWithin", "Beyond",
}

// ParseOperator dispatches a predicate element on its tag.
func ParseOperator(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	if !fesSpace(el) {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"unexpected element <%s>, expected a filter operator", el.QName())
	}
	switch el.Name.Local {
	case "PropertyIsEqualTo", "PropertyIsNotEqualTo",
		"PropertyIsLessThan", "PropertyIsGreaterThan",
		"PropertyIsLessThanOrEqualTo", "PropertyIsGreaterThanOrEqualTo":
		return parseComparison(el, ctx)
	case "PropertyIsBetween":
		return parseBetween(el, ctx)
	case "PropertyIsLike":
		return parseLike(el, ctx)
	case "PropertyIsNil":
		return parseUnary(el, ctx, func(e Expression) Operator { return Nil{Expr: e} })
	case "PropertyIsNull":
		return parseUnary(el, ctx, func(e Expression) Operator { return Null{Expr: e} })
	case "BBOX", "Intersects", "Contains", "Crosses", "Disjoint",
		"Equals", "Overlaps", "Touches", "Within":
		return parseSpatial(el, ctx)
	case "DWithin", "Beyond":
		return parseDistance(el, ctx)
	case "And", "Or":
		return parseBinaryLogic(el, ctx)
	case "Not":
		return parseNot(el, ctx)
	case "ResourceId":
		return ParseResourceID(el)
	default:
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"unknown filter operator <%s>", el.QName())
	}
}

func parseComparison(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	if len(el.Children) != 2 {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs exactly two operands", el.Name.Local)
	}
	left, err := ParseExpression(el.Children[0], ctx)
	if err != nil {
		return nil, err
	}
	right, err := ParseExpression(el.Children[1], ctx)
	if err != nil {
		return nil, err
	}
	matchCase := true
	if mc := el.Attr("matchCase"); mc != "" {
		matchCase = mc != "false" && mc != "0"
	}
	return Comparison{
		Name:      ComparisonName(el.Name.Local),
		Left:      left,
		Right:     right,
		MatchCase: matchCase,
	}, nil
}

func parseBetween(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	var expr, lower, upper Expression
	for _, child := range el.Children {
		switch child.Name.Local {
		case "LowerBoundary", "UpperBoundary":
			if len(child.Children) != 1 {
				return nil, ows.NewOperationParsingFailed(child.Name.Local,
					"fes:%s needs one expression", child.Name.Local)
			}
			bound, err := ParseExpression(child.Children[0], ctx)
			if err != nil {
				return nil, err
			}
			if child.Name.Local == "LowerBoundary" {
				lower = bound
			} else {
				upper = bound
			}
		default:
			e, err := ParseExpression(child, ctx)
			if err != nil {
				return nil, err
			}
			expr = e
		}
	}
	if expr == nil || lower == nil || upper == nil {
		return nil, ows.NewOperationParsingFailed("PropertyIsBetween",
			"fes:PropertyIsBetween needs an expression, LowerBoundary and UpperBoundary")
	}
	return Between{Expr: expr, Lower: lower, Upper: upper}, nil
}

func parseLike(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	if len(el.Children) != 2 {
		return nil, ows.NewOperationParsingFailed("PropertyIsLike",
			"fes:PropertyIsLike needs exactly two operands")
	}
	expr, err := ParseExpression(el.Children[0], ctx)
	if err != nil {
		return nil, err
	}
	lit, err := ParseExpression(el.Children[1], ctx)
	if err != nil {
		return nil, err
	}
	pattern, ok := lit.(Literal)
	if !ok {
		return nil, ows.NewOperationParsingFailed("PropertyIsLike",
			"fes:PropertyIsLike needs a literal pattern")
	}
	like := Like{
		Expr:       expr,
		Pattern:    pattern.Value,
		WildCard:   el.Attr("wildCard"),
		SingleChar: el.Attr("singleChar"),
		EscapeChar: el.Attr("escapeChar"),
		MatchCase:  true,
	}
	if like.WildCard == "" || like.SingleChar == "" {
		return nil, ows.NewOperationParsingFailed("PropertyIsLike",
			"fes:PropertyIsLike needs wildCard and singleChar attributes")
	}
	if mc := el.Attr("matchCase"); mc != "" {
		like.MatchCase = mc != "false" && mc != "0"
	}
	return like, nil
}

func parseUnary(el *parser.XMLElement, ctx gml.Context, build func(Expression) Operator) (Operator, error) {
	if len(el.Children) != 1 {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs one expression", el.Name.Local)
	}
	expr, err := ParseExpression(el.Children[0], ctx)
	if err != nil {
		return nil, err
	}
	return build(expr), nil
}

// parseSpatial reads spatial operands: an optional ValueReference plus a
// geometry literal or envelope. A single-operand BBOX binds to the
// feature's default geometry element.
func parseSpatial(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	op := Spatial{Name: SpatialName(el.Name.Local)}
	for _, child := range el.Children {
		switch {
		case IsExpression(child):
			expr, err := ParseExpression(child, ctx)
			if err != nil {
				return nil, err
			}
			ref, ok := expr.(ValueReference)
			if !ok {
				return nil, ows.NewOperationParsingFailed(el.Name.Local,
					"fes:%s needs a property reference operand", el.Name.Local)
			}
			op.Ref = &ref
		case gml.IsEnvelope(child):
			box, err := gml.ParseEnvelope(child, ctx)
			if err != nil {
				return nil, err
			}
			op.Envelope = &box
		case gml.IsGeometry(child):
			g, err := gml.Parse(child, ctx)
			if err != nil {
				return nil, err
			}
			op.Geometry = g
		default:
			return nil, ows.NewOperationParsingFailed(el.Name.Local,
				"unexpected element <%s> in fes:%s", child.QName(), el.Name.Local)
		}
	}
	if op.Geometry.IsZero() && op.Envelope == nil {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs a geometry operand", el.Name.Local)
	}
	if op.Name != BBOX && op.Ref == nil {
		// Only BBOX may omit the property reference.
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs a property reference operand", el.Name.Local)
	}
	return op, nil
}

func parseDistance(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	op := DistanceOp{Name: DistanceName(el.Name.Local)}
	seenDistance := false
	for _, child := range el.Children {
		switch {
		case child.Name.Local == "Distance":
			uom := child.Attr("uom")
			value, err := strconv.ParseFloat(child.TrimmedText(), 64)
			if err != nil {
				return nil, ows.NewOperationParsingFailed("Distance",
					"invalid distance %q", child.TrimmedText())
			}
			op.Distance = value
			op.Units = uom
			seenDistance = true
		case IsExpression(child):
			expr, err := ParseExpression(child, ctx)
			if err != nil {
				return nil, err
			}
			ref, ok := expr.(ValueReference)
			if !ok {
				return nil, ows.NewOperationParsingFailed(el.Name.Local,
					"fes:%s needs a property reference operand", el.Name.Local)
			}
			op.Ref = &ref
		case gml.IsGeometry(child):
			g, err := gml.Parse(child, ctx)
			if err != nil {
				return nil, err
			}
			op.Geometry = g
		default:
			return nil, ows.NewOperationParsingFailed(el.Name.Local,
				"unexpected element <%s> in fes:%s", child.QName(), el.Name.Local)
		}
	}
	if op.Ref == nil || op.Geometry.IsZero() || !seenDistance {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs a property reference, a geometry and a Distance", el.Name.Local)
	}
	return op, nil
}

func parseBinaryLogic(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	if len(el.Children) < 2 {
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"fes:%s needs at least two operands", el.Name.Local)
	}
	var ops []Operator
	for _, child := range el.Children {
		op, err := ParseOperator(child, ctx)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if el.Name.Local == "And" {
		return And{Ops: ops}, nil
	}
	return Or{Ops: ops}, nil
}

func parseNot(el *parser.XMLElement, ctx gml.Context) (Operator, error) {
	if len(el.Children) != 1 {
		return nil, ows.NewOperationParsingFailed("Not",
			"fes:Not needs exactly one operand")
	}
	op, err := ParseOperator(el.Children[0], ctx)
	if err != nil {
		return nil, err
	}
	return Not{Op: op}, nil
}

// ParseResourceID reads a fes:ResourceId element.
func ParseResourceID(el *parser.XMLElement) (ResourceID, error) {
	if err := el.RequireLeaf(); err != nil {
		return ResourceID{}, err
	}
	rid := el.Attr("rid")
	if rid == "" {
		return ResourceID{}, ows.NewOperationParsingFailed("ResourceId",
			"fes:ResourceId needs a rid attribute")
	}
	return ResourceID{Rid: rid}, nil
}
