package pool

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/texgw/internal/protocol"
)

var (
	// ErrTimeout means the round trip did not finish within the pool's
	// timeout. It is terminal: the backend is assumed stuck.
	ErrTimeout = errors.New("render timed out")

	// ErrTooManyTries means every attempt failed with a retryable error.
	ErrTooManyTries = errors.New("too many tries")

	// ErrClosed is returned by Render after Close.
	ErrClosed = errors.New("pool closed")
)

// DocumentError reports that the backend could not typeset the document.
// Diagnostic is the typesetter transcript, meant for the document author.
type DocumentError struct {
	Diagnostic string
}

func (e *DocumentError) Error() string {
	return "document error: " + e.Diagnostic
}

// BackendError reports a backend failure after the document was accepted,
// such as a rasterizer crash. Diagnostic is for operators only.
type BackendError struct {
	Code       protocol.Code
	Diagnostic string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%s)", e.Code)
}
