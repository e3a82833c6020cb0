// Package pool maintains warm connections to rendering backends and runs one
// render job per connection.
//
// Each pool keeps Size slots. A slot is a connection that is either still
// being established or ready: connected, with the protocol preamble already
// written, waiting for a document. Slots are handed out oldest first and are
// never reused. Taking a slot immediately schedules its replacement, so the
// connect and backend warm-up latency overlaps with request processing.
//
// Render flow:
//  1. Schedule a replacement slot, pop the oldest slot
//  2. Within Timeout: wait for the slot, write body + postamble, read one frame
//  3. Interpret the frame code
//
// Error handling:
//   - Slot never connected, write failed, stream closed, malformed frame → retry with the next slot
//   - Timeout elapsed → ErrTimeout, no retry
//   - Backend reports a document error → *DocumentError, no retry
//   - Backend reports any other failure → *BackendError, no retry
//   - Size+1 retryable failures → ErrTooManyTries
//
// Connect failures inside a slot are retried ConnectAttempts times with a fixed
// ConnectBackoff. That retry never blocks a request beyond the request's own
// Timeout.
//
// Locking: the slot queue is guarded by a single mutex held only for push and
// pop. Dialing, writing and reading happen outside the lock.
package pool
