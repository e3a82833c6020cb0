// Package dispatch routes render requests to one of two pools and maps the
// outcome to the small set of results clients are allowed to see.
//
// Pool selection:
//   - No token → public pool
//   - Token valid for the body → priority pool
//   - Token present but malformed or mismatched → rejected, no pool is touched
//
// A rejected token is never downgraded to the public pool.
//
// Outcomes (see Classify):
//   - Image bytes → OutcomeOK
//   - Document error or timeout → OutcomeBadInput, message returned to client
//   - Admission failure → OutcomeUnauthorized, no detail
//   - Anything else → OutcomeInternal, no detail
//
// Document bodies are untrusted and never logged. Log lines carry a BLAKE3
// fingerprint of the body and the request id instead.
package dispatch
