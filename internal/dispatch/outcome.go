package dispatch

import (
	"errors"
	"net/http"

	"github.com/mattjoyce/texgw/internal/admission"
	"github.com/mattjoyce/texgw/internal/pool"
)

// Outcome is the closed set of results visible outside the dispatcher.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBadInput
	OutcomeUnauthorized
	OutcomeInternal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBadInput:
		return "bad_input"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// HTTPStatus maps the outcome to a response status.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeOK:
		return http.StatusOK
	case OutcomeBadInput:
		return http.StatusBadRequest
	case OutcomeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// TimeoutMessage is the client-facing text for a render that ran out of time.
const TimeoutMessage = "timeout"

// Classify maps an error from Render to an Outcome. nil is OutcomeOK.
func Classify(err error) Outcome {
	var docErr *pool.DocumentError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &docErr), isTimeout(err):
		return OutcomeBadInput
	case errors.Is(err, admission.ErrUnauthorized):
		return OutcomeUnauthorized
	default:
		return OutcomeInternal
	}
}

// Message returns the text a client may see for err. Only bad input carries
// detail: the typesetter diagnostic or TimeoutMessage.
func Message(err error) string {
	var docErr *pool.DocumentError
	switch {
	case errors.As(err, &docErr):
		return docErr.Diagnostic
	case isTimeout(err):
		return TimeoutMessage
	default:
		return ""
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, pool.ErrTimeout)
}
