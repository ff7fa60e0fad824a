// Package ows implements the OWS exception model shared by all WFS operations.
//
// Every client-facing failure is an *Error carrying the OGC exception code,
// the locator (parameter name or XPath that caused it) and the HTTP status to
// use when the error surfaces before streaming starts.
package ows

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

// Code is an OGC exceptionCode value.
type Code string

const (
	OperationParsingFailed   Code = "OperationParsingFailed"
	InvalidParameterValue    Code = "InvalidParameterValue"
	MissingParameterValue    Code = "MissingParameterValue"
	OptionNotSupported       Code = "OptionNotSupported"
	OperationNotSupported    Code = "OperationNotSupported"
	VersionNegotiationFailed Code = "VersionNegotiationFailed"
	NoApplicableCode         Code = "NoApplicableCode"
	ProcessingFailed         Code = "OperationProcessingFailed"
)

// Error is a WFS/OWS protocol error.
type Error struct {
	Code    Code
	Locator string
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s (locator=%s): %s", e.Code, e.Locator, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithStatus returns a copy using the given HTTP status.
func (e *Error) WithStatus(status int) *Error {
	dup := *e
	dup.Status = status
	return &dup
}

// WithLocator returns a copy using the given locator.
func (e *Error) WithLocator(locator string) *Error {
	dup := *e
	dup.Locator = locator
	return &dup
}

func newError(code Code, status int, locator, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Locator: locator,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
	}
}

func NewOperationParsingFailed(locator, format string, args ...any) *Error {
	return newError(OperationParsingFailed, http.StatusBadRequest, locator, format, args...)
}

func NewInvalidParameterValue(locator, format string, args ...any) *Error {
	return newError(InvalidParameterValue, http.StatusBadRequest, locator, format, args...)
}

func NewMissingParameterValue(locator string) *Error {
	return newError(MissingParameterValue, http.StatusBadRequest, locator,
		"Missing required %q parameter", locator)
}

func NewOptionNotSupported(locator, format string, args ...any) *Error {
	return newError(OptionNotSupported, http.StatusBadRequest, locator, format, args...)
}

func NewOperationNotSupported(locator, format string, args ...any) *Error {
	return newError(OperationNotSupported, http.StatusBadRequest, locator, format, args...)
}

func NewVersionNegotiationFailed(format string, args ...any) *Error {
	return newError(VersionNegotiationFailed, http.StatusBadRequest, "version", format, args...)
}

func NewNoApplicableCode(format string, args ...any) *Error {
	return newError(NoApplicableCode, http.StatusInternalServerError, "", format, args...)
}

// NewProcessingFailed wraps a datastore or transform failure.
func NewProcessingFailed(cause error, format string, args ...any) *Error {
	e := newError(ProcessingFailed, http.StatusInternalServerError, "", format, args...)
	e.cause = cause
	return e
}

// AsError extracts an *Error from err, or wraps err as NoApplicableCode.
func AsError(err error) *Error {
	var owsErr *Error
	if errors.As(err, &owsErr) {
		return owsErr
	}
	e := NewNoApplicableCode("%s", err.Error())
	e.cause = err
	return e
}

// ExceptionReport is the XML document returned for pre-stream failures.
type ExceptionReport struct {
	XMLName   xml.Name    `xml:"http://www.opengis.net/ows/1.1 ExceptionReport"`
	Version   string      `xml:"version,attr"`
	XmlnsXsi  string      `xml:"xmlns:xsi,attr"`
	SchemaLoc string      `xml:"xsi:schemaLocation,attr"`
	Exception []Exception `xml:"Exception"`
}

type Exception struct {
	Code    Code     `xml:"exceptionCode,attr"`
	Locator string   `xml:"locator,attr,omitempty"`
	Text    []string `xml:"ExceptionText"`
}

// Report renders err as an ows:ExceptionReport document.
func Report(err error) ([]byte, int) {
	e := AsError(err)
	doc := ExceptionReport{
		Version:  "2.0.0",
		XmlnsXsi: "http://www.w3.org/2001/XMLSchema-instance",
		SchemaLoc: "http://www.opengis.net/ows/1.1 " +
			"http://schemas.opengis.net/ows/1.1.0/owsExceptionReport.xsd",
		Exception: []Exception{{
			Code:    e.Code,
			Locator: e.Locator,
			Text:    []string{e.Message},
		}},
	}
	body, marshalErr := xml.MarshalIndent(doc, "", "  ")
	if marshalErr != nil {
		body = []byte(`<ows:ExceptionReport version="2.0.0"/>`)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	return append([]byte(xml.Header), body...), status
}
