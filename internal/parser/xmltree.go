// Package parser implements the shared plumbing for reading WFS 2.0
// requests: a namespace-resolved XML element tree and the KVP conventions.
// The request types themselves live in the wfs, fes and gml subpackages.
package parser

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/mapgrid/wfserver/internal/ows"
)

// Well-known namespaces.
const (
	NSWFS   = "http://www.opengis.net/wfs/2.0"
	NSFES   = "http://www.opengis.net/fes/2.0"
	NSGML   = "http://www.opengis.net/gml/3.2"
	NSGML31 = "http://www.opengis.net/gml"
	NSOWS   = "http://www.opengis.net/ows/1.1"
	NSXLink = "http://www.w3.org/1999/xlink"
)

// XMLElement is one node of a parsed request document. Namespace prefixes
// are already resolved: Name.Space holds the URI.
type XMLElement struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*XMLElement
	Text     string
}

// ParseXML reads a complete XML document into an element tree.
func ParseXML(data []byte) (*XMLElement, error) {
	return parseXMLReader(bytes.NewReader(data))
}

func parseXMLReader(r io.Reader) (*XMLElement, error) {
	dec := xml.NewDecoder(r)
	var root *XMLElement
	var stack []*XMLElement

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ows.NewOperationParsingFailed("", "malformed XML: %s", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &XMLElement{Name: t.Name, Attrs: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) == 0 {
				if root != nil {
					return nil, ows.NewOperationParsingFailed("", "multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, ows.NewOperationParsingFailed("", "unbalanced XML document")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, ows.NewOperationParsingFailed("", "empty XML document")
	}
	return root, nil
}

// conventionalPrefix lets elements with an undeclared prefix ("gml:pos"
// without xmlns:gml) match their intended namespace; the decoder keeps
// such prefixes verbatim in Name.Space.
var conventionalPrefix = map[string]string{
	NSWFS:   "wfs",
	NSFES:   "fes",
	NSGML:   "gml",
	NSGML31: "gml",
	NSOWS:   "ows",
}

// Is matches namespace + local name. An element carrying no namespace also
// matches: documents without an xmlns on <Filter> are accepted and assumed
// to mean the expected namespace.
func (e *XMLElement) Is(space, local string) bool {
	if e.Name.Local != local {
		return false
	}
	if e.Name.Space == space || e.Name.Space == "" {
		return true
	}
	return conventionalPrefix[space] == e.Name.Space
}

// Attr returns the value of an attribute by local name, any namespace.
func (e *XMLElement) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// TrimmedText returns the element text with surrounding whitespace removed.
func (e *XMLElement) TrimmedText() string {
	return strings.TrimSpace(e.Text)
}

// FirstChild returns the first child element matching the local name.
func (e *XMLElement) FirstChild(space, local string) *XMLElement {
	for _, c := range e.Children {
		if c.Is(space, local) {
			return c
		}
	}
	return nil
}

// QName renders a debug name for error locators.
func (e *XMLElement) QName() string {
	if e.Name.Space == "" {
		return e.Name.Local
	}
	return "{" + e.Name.Space + "}" + e.Name.Local
}

// RequireLeaf fails when an element that must only hold text has children.
// ValueReference, Literal and ResourceId are strict leaves.
func (e *XMLElement) RequireLeaf() error {
	if len(e.Children) > 0 {
		return ows.NewOperationParsingFailed(e.Name.Local,
			"unexpected child element <%s> inside <%s>",
			e.Children[0].Name.Local, e.Name.Local)
	}
	return nil
}
