package schema

import (
	"fmt"
	"strings"

	"github.com/mapgrid/wfserver/internal/crs"
)

// FieldSpec declares one field of a feature type: either a scalar (name +
// data-source path + type) or a complex subtree.
type FieldSpec struct {
	// Name is the XML element name.
	Name string
	// Source is the datastore path; defaults to Name. Dotted paths walk
	// relations ("city.name").
	Source string
	// Type tags the datastore field type. Ignored when Fields nest.
	Type FieldType
	// Fields nests a complex subtree.
	Fields []FieldSpec
	// Many marks maxOccurs="unbounded" (arrays, M2M, reverse relations).
	Many     bool
	Nillable bool

	// RelTable and RelForeignKey describe the datastore side of an
	// unbounded relation, for per-chunk prefetching.
	RelTable      string
	RelForeignKey string
}

// FeatureTypeSpec is the declarative input for BuildFeatureType.
type FeatureTypeSpec struct {
	// Name is the feature's local XML name; Namespace qualifies it.
	Name      string
	Namespace string
	// Prefix is the advertised namespace prefix; defaults to "app".
	Prefix string

	Title    string
	Abstract string
	Keywords []string

	// Table is the datastore collection; IDField its identity column.
	Table       string
	IDField     string
	IDFieldType FieldType

	Fields []FieldSpec

	// GeometryField selects the default geometry element by name.
	// Defaults to the first declared geometry field.
	GeometryField string

	DefaultCRS crs.CRS
	OtherCRS   []crs.CRS

	// NameField feeds <gml:name> when set.
	NameField string
	// ShowBoundedBy includes a computed <gml:boundedBy> on each feature.
	ShowBoundedBy bool
	// NoCapabilitiesBBox skips the per-type extent in GetCapabilities.
	NoCapabilitiesBBox bool
}

// FeatureType is a named exposure of a datastore collection.
type FeatureType struct {
	Name      string
	Namespace string
	Prefix    string

	Title    string
	Abstract string
	Keywords []string

	Table       string
	IDField     string
	IDFieldType FieldType

	DefaultCRS crs.CRS
	OtherCRS   []crs.CRS

	NameField          string
	ShowBoundedBy      bool
	NoCapabilitiesBBox bool

	arena *Arena
	Root  TypeID

	geometryElements []ElementID
	defaultGeometry  ElementID
	gmlID            AttributeID
}

// QName renders the prefixed feature name ("app:restaurant").
func (ft *FeatureType) QName() string { return ft.Prefix + ":" + ft.Name }

// TypeName renders the prefixed complex type name ("app:RestaurantType").
func (ft *FeatureType) TypeName() string {
	return ft.arena.Type(ft.Root).QName()
}

// Arena exposes the node store for traversal.
func (ft *FeatureType) Arena() *Arena { return ft.arena }

// RootType returns the feature's complex type.
func (ft *FeatureType) RootType() *ComplexType { return ft.arena.Type(ft.Root) }

// RootElements lists the direct members of the feature element.
func (ft *FeatureType) RootElements() []*Element {
	ids := ft.arena.Type(ft.Root).Elements
	out := make([]*Element, len(ids))
	for i, id := range ids {
		out[i] = ft.arena.Element(id)
	}
	return out
}

// GmlIDAttribute returns the identity attribute.
func (ft *FeatureType) GmlIDAttribute() *Attribute { return ft.arena.Attribute(ft.gmlID) }

// DefaultGeometryElement returns the element spatial operators bind to when
// no ValueReference is given. Nil when the type has no geometry.
func (ft *FeatureType) DefaultGeometryElement() *Element {
	if ft.defaultGeometry == NoElement {
		return nil
	}
	return ft.arena.Element(ft.defaultGeometry)
}

// GeometryElements lists every geometry-valued element.
func (ft *FeatureType) GeometryElements() []*Element {
	out := make([]*Element, len(ft.geometryElements))
	for i, id := range ft.geometryElements {
		out[i] = ft.arena.Element(id)
	}
	return out
}

// SupportsCRS tells whether an output CRS is advertised for this type.
func (ft *FeatureType) SupportsCRS(c crs.CRS) bool {
	if c.Equivalent(ft.DefaultCRS) {
		return true
	}
	for _, other := range ft.OtherCRS {
		if c.Equivalent(other) {
			return true
		}
	}
	return false
}

// BuildFeatureType constructs the schema graph for a declarative spec.
func BuildFeatureType(spec FeatureTypeSpec) (*FeatureType, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("feature type needs a name")
	}
	if spec.Prefix == "" {
		spec.Prefix = "app"
	}
	if spec.Table == "" {
		spec.Table = spec.Name
	}
	if spec.IDField == "" {
		spec.IDField = "id"
	}
	if spec.IDFieldType == FTUnknown {
		spec.IDFieldType = FTBigInt
	}

	ft := &FeatureType{
		Name:               spec.Name,
		Namespace:          spec.Namespace,
		Prefix:             spec.Prefix,
		Title:              spec.Title,
		Abstract:           spec.Abstract,
		Keywords:           spec.Keywords,
		Table:              spec.Table,
		IDField:            spec.IDField,
		IDFieldType:        spec.IDFieldType,
		DefaultCRS:         spec.DefaultCRS,
		OtherCRS:           spec.OtherCRS,
		NameField:          spec.NameField,
		ShowBoundedBy:      spec.ShowBoundedBy,
		NoCapabilitiesBBox: spec.NoCapabilitiesBBox,
		arena:              &Arena{},
		defaultGeometry:    NoElement,
	}

	root := ComplexType{
		Name:   typeNameFor(spec.Name),
		Prefix: spec.Prefix,
		Base:   GmlAbstractFeatureTypeName,
	}
	ft.Root = ft.arena.addType(root)

	ft.gmlID = ft.arena.addAttribute(Attribute{
		Name:      "id",
		Namespace: XMLNamespaceGML,
		Prefix:    "gml",
		Type:      XsID,
		Kind:      KindGmlID,
		Source:    spec.IDField,
	})
	rootType := ft.arena.Type(ft.Root)
	rootType.Attributes = append(rootType.Attributes, ft.gmlID)

	if spec.NameField != "" {
		id := ft.arena.addElement(Element{
			Parent:    NoElement,
			Name:      "name",
			Namespace: XMLNamespaceGML,
			Prefix:    "gml",
			Type:      GmlCodeType,
			Complex:   NoType,
			MinOccurs: 0,
			MaxOccurs: 1,
			Kind:      KindGmlName,
			Source:    spec.NameField,
			LocalSource: spec.NameField,
		})
		ft.appendRootElement(id)
	}
	if spec.ShowBoundedBy {
		id := ft.arena.addElement(Element{
			Parent:    NoElement,
			Name:      "boundedBy",
			Namespace: XMLNamespaceGML,
			Prefix:    "gml",
			Type:      GmlBoundingShape,
			Complex:   NoType,
			MinOccurs: 0,
			MaxOccurs: 1,
			Kind:      KindGmlBoundedBy,
		})
		ft.appendRootElement(id)
	}

	for _, field := range spec.Fields {
		if _, err := ft.addField(ft.Root, NoElement, "", field); err != nil {
			return nil, err
		}
	}

	if err := ft.pickDefaultGeometry(spec.GeometryField); err != nil {
		return nil, err
	}
	if err := ft.validateGeometryPaths(); err != nil {
		return nil, err
	}
	return ft, nil
}

func (ft *FeatureType) appendRootElement(id ElementID) {
	t := ft.arena.Type(ft.Root)
	t.Elements = append(t.Elements, id)
}

func (ft *FeatureType) addField(owner TypeID, parent ElementID, basePath string, field FieldSpec) (ElementID, error) {
	if field.Name == "" {
		return NoElement, fmt.Errorf("feature type %s: field without a name", ft.Name)
	}
	source := field.Source
	if source == "" {
		source = field.Name
	}
	absPath := source
	if basePath != "" {
		absPath = basePath + "." + source
	}

	el := Element{
		Parent:        parent,
		Name:          field.Name,
		Namespace:     ft.Namespace,
		Prefix:        ft.Prefix,
		Complex:       NoType,
		MinOccurs:     1,
		MaxOccurs:     1,
		Nillable:      field.Nillable,
		Source:        absPath,
		LocalSource:   source,
		FieldType:     field.Type,
		RelationTable: field.RelTable,
		RelationFK:    field.RelForeignKey,
	}
	if field.Nillable {
		el.MinOccurs = 0
	}
	if field.Many {
		el.MinOccurs = 0
		el.MaxOccurs = Unbounded
	}

	switch {
	case len(field.Fields) > 0:
		sub := ComplexType{
			Name:   typeNameFor(field.Name),
			Prefix: ft.Prefix,
		}
		subID := ft.arena.addType(sub)
		el.Complex = subID
		id := ft.arena.addElement(el)
		for _, child := range field.Fields {
			childID, err := ft.addField(subID, id, absPath, child)
			if err != nil {
				return NoElement, err
			}
			t := ft.arena.Type(subID)
			t.Elements = append(t.Elements, childID)
		}
		if owner == ft.Root {
			ft.appendRootElement(id)
		}
		return id, nil

	case field.Type.IsGeometry():
		el.Type = xsdTypeOf(field.Type)
		el.Kind = KindGeometry
		id := ft.arena.addElement(el)
		ft.geometryElements = append(ft.geometryElements, id)
		if owner == ft.Root {
			ft.appendRootElement(id)
		}
		return id, nil

	default:
		el.Type = xsdTypeOf(field.Type)
		id := ft.arena.addElement(el)
		if owner == ft.Root {
			ft.appendRootElement(id)
		}
		return id, nil
	}
}

func (ft *FeatureType) pickDefaultGeometry(name string) error {
	if name == "" {
		if len(ft.geometryElements) > 0 {
			ft.defaultGeometry = ft.geometryElements[0]
		}
		return nil
	}
	for _, id := range ft.geometryElements {
		if ft.arena.Element(id).Name == name {
			ft.defaultGeometry = id
			return nil
		}
	}
	return fmt.Errorf("feature type %s: geometry field %q is not declared", ft.Name, name)
}

// validateGeometryPaths rejects geometry elements reached through an
// unbounded relation, unless the element itself repeats.
func (ft *FeatureType) validateGeometryPaths() error {
	for _, id := range ft.geometryElements {
		el := ft.arena.Element(id)
		if el.IsMany() {
			continue
		}
		for parent := el.Parent; parent != NoElement; {
			p := ft.arena.Element(parent)
			if p.IsMany() {
				return fmt.Errorf(
					"feature type %s: geometry %q crosses unbounded relation %q",
					ft.Name, el.Name, p.Name)
			}
			parent = p.Parent
		}
	}
	return nil
}

func typeNameFor(name string) string {
	if name == "" {
		return "Type"
	}
	return strings.ToUpper(name[:1]) + name[1:] + "Type"
}
