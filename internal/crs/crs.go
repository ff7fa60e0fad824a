// Package crs represents coordinate reference systems, their axis ordering
// and the transforms between them.
package crs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
)

var urnRegex = regexp.MustCompile(
	`^urn:(?i)(ogc|opengis):def:crs:([a-zA-Z]+):([0-9]+(?:\.[0-9]+(?:\.[0-9]+)?)?)?:([0-9]+|[cC][rR][sS]84|84)$`)

const (
	oldCrsPrefix = "http://www.opengis.net/gml/srs/epsg.xml#"
	urlCrsPrefix = "http://www.opengis.net/def/crs/epsg/0/"
	epsgPrefix   = "EPSG:"
)

// Policy controls the legacy axis-order coercions of §6.
type Policy struct {
	ForceXyEpsg4326 bool
	ForceXyOldCrs   bool
}

// CRS identifies a coordinate reference system. Immutable once constructed.
type CRS struct {
	// Domain is "ogc" or "opengis"; "ogc" is canonical.
	Domain string
	// Authority is "EPSG" or "OGC".
	Authority string
	// Version of the authority registry, usually empty for WFS 2.0.
	Version string
	// CRSID is the identifier within the authority ("4326", "CRS84").
	CRSID string
	// SRID is the numeric spatial reference id used by the datastore.
	SRID int
	// ForceXY marks a legacy notation coerced to x/y axis order.
	ForceXY bool

	origin string
}

// Parse accepts the four recognized CRS string forms plus a bare SRID.
func Parse(uri string, policy Policy) (CRS, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return CRS{}, ows.NewInvalidParameterValue("srsName", "empty CRS")
	}
	if isDigits(uri) {
		srid, _ := strconv.Atoi(uri)
		return FromSRID(srid), nil
	}
	if strings.HasPrefix(uri, "urn:") {
		return fromURN(uri)
	}
	return fromPrefix(uri, policy)
}

// MustParse is a test helper; it panics on malformed input.
func MustParse(uri string) CRS {
	c, err := Parse(uri, Policy{})
	if err != nil {
		panic(err)
	}
	return c
}

// FromSRID builds the canonical EPSG CRS for a numeric id.
func FromSRID(srid int) CRS {
	return CRS{
		Domain:    "ogc",
		Authority: "EPSG",
		CRSID:     strconv.Itoa(srid),
		SRID:      srid,
		origin:    strconv.Itoa(srid),
	}
}

// FromAuthority builds a CRS from an (authority, code) pair.
func FromAuthority(authority, code string) (CRS, error) {
	switch strings.ToUpper(authority) {
	case "EPSG":
		srid, err := strconv.Atoi(code)
		if err != nil {
			return CRS{}, ows.NewInvalidParameterValue("srsName",
				"EPSG code %q is not numeric", code)
		}
		return FromSRID(srid), nil
	case "OGC":
		if !strings.EqualFold(code, "CRS84") && code != "84" {
			return CRS{}, ows.NewInvalidParameterValue("srsName",
				"unknown OGC CRS id %q", code)
		}
		return CRS{Domain: "ogc", Authority: "OGC", CRSID: "CRS84", SRID: 4326}, nil
	default:
		return CRS{}, ows.NewInvalidParameterValue("srsName",
			"unknown CRS authority %q", authority)
	}
}

func fromURN(urn string) (CRS, error) {
	m := urnRegex.FindStringSubmatch(urn)
	if m == nil {
		return CRS{}, ows.NewInvalidParameterValue("srsName", "unknown CRS URN %q", urn)
	}
	domain := strings.ToLower(m[1])
	authority := strings.ToUpper(m[2])
	version := m[3]

	c, err := FromAuthority(authority, m[4])
	if err != nil {
		return CRS{}, err
	}
	c.Domain = domain
	c.Version = version
	c.origin = urn
	return c, nil
}

func fromPrefix(uri string, policy Policy) (CRS, error) {
	// Prefixed notations have conventional casing; normalize before matching.
	origin := uri
	if strings.Contains(uri, "://") {
		origin = strings.ToLower(uri)
	} else {
		origin = strings.ToUpper(uri)
	}

	type prefixForm struct {
		prefix  string
		forceXY func(rest string) bool
	}
	forms := []prefixForm{
		{epsgPrefix, func(rest string) bool {
			return policy.ForceXyEpsg4326 && rest == "4326"
		}},
		{oldCrsPrefix, func(string) bool { return policy.ForceXyOldCrs }},
		{urlCrsPrefix, func(string) bool { return false }},
	}
	for _, form := range forms {
		if !strings.HasPrefix(origin, form.prefix) {
			continue
		}
		rest := origin[len(form.prefix):]
		srid, err := strconv.Atoi(rest)
		if err != nil {
			return CRS{}, ows.NewInvalidParameterValue("srsName",
				"CRS URI %q should contain a numeric SRID", uri)
		}
		c := FromSRID(srid)
		c.ForceXY = form.forceXY(rest)
		c.origin = origin
		return c, nil
	}
	return CRS{}, ows.NewInvalidParameterValue("srsName", "unknown CRS URI %q", uri)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// URN renders the OGC URN notation.
func (c CRS) URN() string {
	domain := c.Domain
	if domain == "" {
		domain = "ogc"
	}
	return fmt.Sprintf("urn:%s:def:crs:%s:%s:%s", domain, c.Authority, c.Version, c.CRSID)
}

// Legacy renders the epsg.xml notation, which always implies x/y ordering.
func (c CRS) Legacy() string {
	return fmt.Sprintf("%s%d", oldCrsPrefix, c.SRID)
}

// String renders the notation that preserves this CRS's axis interpretation.
func (c CRS) String() string {
	if c.ForceXY {
		return c.Legacy()
	}
	return c.URN()
}

// Matches tells whether two CRS values identify the same system, including
// the legacy axis-order interpretation.
func (c CRS) Matches(other CRS) bool {
	return c.SRID == other.SRID && c.Authority == other.Authority && c.ForceXY == other.ForceXY
}

// Equivalent ignores the legacy notation and compares authority + srid only.
func (c CRS) Equivalent(other CRS) bool {
	return c.SRID == other.SRID && c.Authority == other.Authority
}

// IsGeographic tells whether coordinates are angular degrees.
func (c CRS) IsGeographic() bool {
	if c.Authority == "OGC" {
		return true
	}
	return geographicSRIDs[c.SRID] || (c.SRID >= 4000 && c.SRID <= 4999)
}

// IsNorthEastOrder tells whether the authority defines latitude-first axes.
// OGC CRS84 is always east/north, projected systems are east/north, and the
// legacy notations are coerced to east/north when ForceXY is set.
func (c CRS) IsNorthEastOrder() bool {
	if c.ForceXY || c.Authority == "OGC" {
		return false
	}
	return c.IsGeographic()
}

// Known geographic systems, listed explicitly; IsGeographic also treats the
// whole 4xxx block as geographic.
var geographicSRIDs = map[int]bool{
	4326: true, // WGS 84
	4258: true, // ETRS89
	4269: true, // NAD83
	4283: true, // GDA94
}

// Common instances.
var (
	WGS84       = MustParse("urn:ogc:def:crs:EPSG::4326")
	CRS84       = MustParse("urn:ogc:def:crs:OGC::CRS84")
	WebMercator = MustParse("urn:ogc:def:crs:EPSG::3857")
	RDNew       = MustParse("urn:ogc:def:crs:EPSG::28992")
)
