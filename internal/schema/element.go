package schema

import "strings"

// Unbounded marks maxOccurs="unbounded"; such elements are arrays, M2M or
// reverse relations in the datastore.
const Unbounded = -1

// ElementID indexes an element inside its arena. Elements refer to each
// other by index, never by pointer, so back references through relations
// cannot create ownership cycles.
type ElementID int

// AttributeID indexes an attribute inside its arena.
type AttributeID int

// TypeID indexes a complex type inside its arena.
type TypeID int

const (
	NoElement ElementID = -1
	NoType    TypeID    = -1
)

// NodeKind distinguishes the special GML members from plain elements.
type NodeKind int

const (
	KindElement NodeKind = iota
	// KindGmlID is the gml:id attribute carrying the feature identity.
	KindGmlID
	// KindGmlName is the <gml:name> display name element.
	KindGmlName
	// KindGmlBoundedBy is the computed <gml:boundedBy> extent.
	KindGmlBoundedBy
	// KindGeometry marks a geometry-valued element.
	KindGeometry
)

// Element is one <xs:element> in a feature type's schema graph.
type Element struct {
	ID     ElementID
	Parent ElementID

	// Name is the local XML name; Namespace + Prefix qualify it.
	Name      string
	Namespace string
	Prefix    string

	// Type is the atomic type; empty when Complex references a subtree.
	Type    XsdType
	Complex TypeID

	MinOccurs int
	MaxOccurs int
	Nillable  bool

	// Source is the absolute dotted data-source path ("city.name");
	// LocalSource is the path relative to the parent element.
	Source      string
	LocalSource string

	Kind NodeKind

	// FieldType records the declared datastore type for geometry elements
	// and literal coercion.
	FieldType FieldType

	// RelationTable and RelationFK describe the datastore relation behind
	// an unbounded element, so iteration can prefetch it per chunk.
	RelationTable string
	RelationFK    string
}

// QName renders the prefixed XML name.
func (e *Element) QName() string {
	if e.Prefix == "" {
		return e.Name
	}
	return e.Prefix + ":" + e.Name
}

// IsComplex tells whether the element nests a complex type.
func (e *Element) IsComplex() bool { return e.Complex != NoType }

// IsMany tells whether the element repeats (arrays and reverse relations).
func (e *Element) IsMany() bool { return e.MaxOccurs == Unbounded }

// IsGeometry tells whether the element carries a geometry value.
func (e *Element) IsGeometry() bool { return e.Kind == KindGeometry }

// CrossesRelation tells whether reading the value requires a relation walk.
func (e *Element) CrossesRelation() bool { return strings.Contains(e.Source, ".") }

// ToValue coerces a literal into the element's value space.
func (e *Element) ToValue(raw string) (any, error) {
	if e.IsComplex() {
		return raw, nil
	}
	return CastValue(e.Type, raw)
}

// FormatRawValue renders a datastore value for output.
func (e *Element) FormatRawValue(v any) string {
	return FormatValue(e.Type, v)
}

// Attribute is one <xs:attribute>, e.g. gml:id.
type Attribute struct {
	ID AttributeID

	Name      string
	Namespace string
	Prefix    string

	Type   XsdType
	Kind   NodeKind
	Source string
}

// QName renders the prefixed XML name.
func (a *Attribute) QName() string {
	if a.Prefix == "" {
		return a.Name
	}
	return a.Prefix + ":" + a.Name
}

// ComplexType is an <xs:complexType> with ordered members.
type ComplexType struct {
	ID TypeID

	// Name is the local type name, e.g. "RestaurantType".
	Name   string
	Prefix string
	// Base type; root feature types derive from gml:AbstractFeatureType.
	Base string

	Elements   []ElementID
	Attributes []AttributeID
}

// QName renders the prefixed type name.
func (t *ComplexType) QName() string {
	if t.Prefix == "" {
		return t.Name
	}
	return t.Prefix + ":" + t.Name
}

// Arena is the flat store owning every node of one feature type's graph.
type Arena struct {
	elements   []Element
	attributes []Attribute
	types      []ComplexType
}

// Element returns the node for an id. The id must come from this arena.
func (a *Arena) Element(id ElementID) *Element { return &a.elements[id] }

// Attribute returns the node for an id.
func (a *Arena) Attribute(id AttributeID) *Attribute { return &a.attributes[id] }

// Type returns the complex type for an id.
func (a *Arena) Type(id TypeID) *ComplexType { return &a.types[id] }

// Elements lists all element nodes in declaration order.
func (a *Arena) Elements() []Element { return a.elements }

func (a *Arena) addElement(e Element) ElementID {
	e.ID = ElementID(len(a.elements))
	a.elements = append(a.elements, e)
	return e.ID
}

func (a *Arena) addAttribute(at Attribute) AttributeID {
	at.ID = AttributeID(len(a.attributes))
	a.attributes = append(a.attributes, at)
	return at.ID
}

func (a *Arena) addType(t ComplexType) TypeID {
	t.ID = TypeID(len(a.types))
	a.types = append(a.types, t)
	return t.ID
}
