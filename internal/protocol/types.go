// Package protocol defines the framed response format exchanged with a
// rendering backend.
//
// A response on the wire is:
//
//	code (uint32, big-endian) | len(data) (uint32, big-endian) | data
//
// The code is a closed enumeration shared with the backend process. Values
// must not be renumbered without bumping the protocol version.
package protocol

import (
	"errors"
	"fmt"
)

// Version identifies the wire format described in this package. Both ends log
// it at startup.
const Version = 1

// Handshake fragments. The gateway writes Preamble as soon as a backend
// connection is established and Postamble after the document body.
const (
	Preamble  = "\\begin{document}\n"
	Postamble = "\n\\end{document}\n"
)

// Code is the outcome reported by a backend.
type Code uint32

const (
	CodeOK          Code = 0 // data is the PNG image
	CodeErrDocument Code = 1 // typesetting failed; data is the TeX transcript
	CodeErrRaster   Code = 2 // rasterization failed; data is rasterizer stderr
	CodeErrInternal Code = 3 // unexpected backend failure; data is free-form text
)

// ErrUnknownCode is returned when a code read off the wire is outside the
// known enumeration.
var ErrUnknownCode = errors.New("unknown response code")

// ParseCode converts a raw wire value into a Code.
func ParseCode(n uint32) (Code, error) {
	switch c := Code(n); c {
	case CodeOK, CodeErrDocument, CodeErrRaster, CodeErrInternal:
		return c, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCode, n)
	}
}

// Valid reports whether c is part of the enumeration.
func (c Code) Valid() bool {
	_, err := ParseCode(uint32(c))
	return err == nil
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeErrDocument:
		return "err_document"
	case CodeErrRaster:
		return "err_raster"
	case CodeErrInternal:
		return "err_internal"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Response is a single framed backend reply.
type Response struct {
	Code Code
	Data []byte
}

// NewErrorResponse builds a response carrying diagnostic text.
func NewErrorResponse(code Code, msg string) *Response {
	return &Response{Code: code, Data: []byte(msg)}
}
