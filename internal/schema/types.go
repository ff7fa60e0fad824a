// Package schema models each exposed feature type as a typed tree of XML
// elements and attributes with explicit data-source paths into the datastore.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known XML namespaces.
const (
	XMLNamespaceGML = "http://www.opengis.net/gml/3.2"
	XMLNamespaceXS  = "http://www.w3.org/2001/XMLSchema"
)

// XsdType names an atomic schema type, prefixed ("xs:string",
// "gml:PointPropertyType"). Complex types are modelled separately.
type XsdType string

const (
	XsString   XsdType = "xs:string"
	XsInt      XsdType = "xs:int"
	XsLong     XsdType = "xs:long"
	XsInteger  XsdType = "xs:integer"
	XsDouble   XsdType = "xs:double"
	XsDecimal  XsdType = "xs:decimal"
	XsBoolean  XsdType = "xs:boolean"
	XsDate     XsdType = "xs:date"
	XsTime     XsdType = "xs:time"
	XsDateTime XsdType = "xs:dateTime"
	XsAnyType  XsdType = "xs:anyType"
	XsID       XsdType = "xs:ID"

	GmlGeometryProperty        XsdType = "gml:GeometryPropertyType"
	GmlPointProperty           XsdType = "gml:PointPropertyType"
	GmlCurveProperty           XsdType = "gml:CurvePropertyType"
	GmlSurfaceProperty         XsdType = "gml:SurfacePropertyType"
	GmlMultiPointProperty      XsdType = "gml:MultiPointPropertyType"
	GmlMultiCurveProperty      XsdType = "gml:MultiCurvePropertyType"
	GmlMultiSurfaceProperty    XsdType = "gml:MultiSurfacePropertyType"
	GmlMultiGeometryProperty   XsdType = "gml:MultiGeometryPropertyType"
	GmlCodeType                XsdType = "gml:CodeType"
	GmlBoundingShape           XsdType = "gml:BoundingShapeType"
	GmlAbstractFeatureTypeName         = "gml:AbstractFeatureType"
)

// IsGeometry tells whether the type is a GML geometry property.
func (t XsdType) IsGeometry() bool {
	return strings.HasPrefix(string(t), "gml:") &&
		strings.HasSuffix(string(t), "PropertyType")
}

// Prefix returns the namespace prefix part.
func (t XsdType) Prefix() string {
	if i := strings.IndexByte(string(t), ':'); i >= 0 {
		return string(t)[:i]
	}
	return ""
}

// FieldType tags the datastore type of a declared field.
type FieldType int

const (
	FTUnknown FieldType = iota
	FTString
	FTText
	FTInt
	FTBigInt
	FTFloat
	FTDecimal
	FTBool
	FTDate
	FTTime
	FTDateTime
	FTPoint
	FTLineString
	FTPolygon
	FTMultiPoint
	FTMultiLineString
	FTMultiPolygon
	FTGeometryCollection
	FTGeometry
	FTRelation
)

// IsGeometry tells whether the field stores a geometry.
func (ft FieldType) IsGeometry() bool {
	switch ft {
	case FTPoint, FTLineString, FTPolygon, FTMultiPoint,
		FTMultiLineString, FTMultiPolygon, FTGeometryCollection, FTGeometry:
		return true
	}
	return false
}

// xsdTypeOf maps a datastore field type to the advertised atomic type.
func xsdTypeOf(ft FieldType) XsdType {
	switch ft {
	case FTString, FTText:
		return XsString
	case FTInt:
		return XsInt
	case FTBigInt:
		return XsLong
	case FTFloat:
		return XsDouble
	case FTDecimal:
		return XsDecimal
	case FTBool:
		return XsBoolean
	case FTDate:
		return XsDate
	case FTTime:
		return XsTime
	case FTDateTime:
		return XsDateTime
	case FTPoint:
		return GmlPointProperty
	case FTLineString:
		return GmlCurveProperty
	case FTPolygon:
		return GmlSurfaceProperty
	case FTMultiPoint:
		return GmlMultiPointProperty
	case FTMultiLineString:
		return GmlMultiCurveProperty
	case FTMultiPolygon:
		return GmlMultiSurfaceProperty
	case FTGeometryCollection:
		return GmlMultiGeometryProperty
	case FTGeometry:
		return GmlGeometryProperty
	default:
		return XsAnyType
	}
}

// CastValue converts a literal string into the Go value of an atomic type.
// Used when compiling filter comparisons.
func CastValue(t XsdType, raw string) (any, error) {
	switch t {
	case XsString, XsAnyType, XsID, GmlCodeType:
		return raw, nil
	case XsInt, XsLong, XsInteger:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value %q", raw)
		}
		return v, nil
	case XsDouble, XsDecimal:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric value %q", raw)
		}
		return v, nil
	case XsBoolean:
		switch strings.TrimSpace(raw) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value %q", raw)
	case XsDate:
		v, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid date value %q", raw)
		}
		return v, nil
	case XsTime:
		v, err := time.Parse("15:04:05", strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid time value %q", raw)
		}
		return v, nil
	case XsDateTime:
		raw = strings.TrimSpace(raw)
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if v, err := time.Parse(layout, raw); err == nil {
				return v, nil
			}
		}
		return nil, fmt.Errorf("invalid dateTime value %q", raw)
	default:
		return raw, nil
	}
}

// FormatValue renders a Go value the way the XML/CSV output expects it.
func FormatValue(t XsdType, v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t == XsDate {
			return val.Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case string:
		return val
	default:
		return fmt.Sprint(v)
	}
}
