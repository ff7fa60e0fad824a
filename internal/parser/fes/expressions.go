// Package fes implements the FES 2.0 filter grammar: expressions, operators
// and the <fes:Filter> document, parsed from XML into a typed AST.
package fes

import (
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
	"github.com/mapgrid/wfserver/internal/parser"
	"github.com/mapgrid/wfserver/internal/parser/gml"
)

// Expression is a value-producing node: a property reference, a literal, a
// function call or a legacy arithmetic combination.
type Expression interface {
	isExpression()
}

// ValueReference points at a feature property by XPath.
type ValueReference struct {
	XPath string
}

// Literal is a constant, optionally tagged with an xs: type.
type Literal struct {
	Value string
	// Type holds the optional type attribute ("xs:double").
	Type string
}

// Function calls a registered filter function.
type Function struct {
	Name string
	Args []Expression
}

// ArithmeticOp names a legacy FES 1.0 arithmetic operator.
type ArithmeticOp string

const (
	OpAdd ArithmeticOp = "Add"
	OpSub ArithmeticOp = "Sub"
	OpMul ArithmeticOp = "Mul"
	OpDiv ArithmeticOp = "Div"
)

// Arithmetic combines two expressions with +,-,*,/ (legacy clients).
type Arithmetic struct {
	Op    ArithmeticOp
	Left  Expression
	Right Expression
}

func (ValueReference) isExpression() {}
func (Literal) isExpression()        {}
func (Function) isExpression()       {}
func (Arithmetic) isExpression()     {}

// IsExpression tells whether an element parses as an expression.
func IsExpression(el *parser.XMLElement) bool {
	switch el.Name.Local {
	case "ValueReference", "PropertyName", "Literal", "Function",
		"Add", "Sub", "Mul", "Div":
		return fesSpace(el)
	}
	return false
}

func fesSpace(el *parser.XMLElement) bool {
	switch el.Name.Space {
	case parser.NSFES, "":
		return true
	// FES 1.0 documents reuse the old OGC namespace.
	case "http://www.opengis.net/ogc":
		return true
	// An undeclared prefix survives namespace resolution verbatim.
	case "fes", "ogc":
		return true
	}
	return false
}

// ParseExpression dispatches on the element tag.
func ParseExpression(el *parser.XMLElement, ctx gml.Context) (Expression, error) {
	switch el.Name.Local {
	case "ValueReference", "PropertyName":
		// <PropertyName> is the WFS 1 spelling, accepted for compatibility.
		return parseValueReference(el)
	case "Literal":
		return parseLiteral(el)
	case "Function":
		return parseFunction(el, ctx)
	case "Add", "Sub", "Mul", "Div":
		return parseArithmetic(el, ctx)
	default:
		return nil, ows.NewOperationParsingFailed(el.Name.Local,
			"unexpected element <%s>, expected an expression", el.QName())
	}
}

func parseValueReference(el *parser.XMLElement) (Expression, error) {
	if err := el.RequireLeaf(); err != nil {
		return nil, err
	}
	xpath := el.TrimmedText()
	if xpath == "" {
		return nil, ows.NewOperationParsingFailed("ValueReference",
			"empty <%s>", el.Name.Local)
	}
	return ValueReference{XPath: xpath}, nil
}

func parseLiteral(el *parser.XMLElement) (Expression, error) {
	if err := el.RequireLeaf(); err != nil {
		return nil, err
	}
	typeAttr := el.Attr("type")
	return Literal{Value: el.TrimmedText(), Type: stripXSPrefix(typeAttr)}, nil
}

func parseFunction(el *parser.XMLElement, ctx gml.Context) (Expression, error) {
	name := el.Attr("name")
	if name == "" {
		return nil, ows.NewOperationParsingFailed("Function",
			"fes:Function needs a name attribute")
	}
	fn := Function{Name: name}
	for _, child := range el.Children {
		arg, err := ParseExpression(child, ctx)
		if err != nil {
			return nil, err
		}
		fn.Args = append(fn.Args, arg)
	}
	return fn, nil
}

func parseArithmetic(el *parser.XMLElement, ctx gml.Context) (Expression, error) {
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
	return Arithmetic{Op: ArithmeticOp(el.Name.Local), Left: left, Right: right}, nil
}

func stripXSPrefix(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, "xsd:")
	t = strings.TrimPrefix(t, "xs:")
	return t
}
