package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mattjoyce/texgw/internal/events"
	"github.com/mattjoyce/texgw/internal/protocol"
)

// DialFunc opens a stream to a backend. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// slot is one pooled connection, pending until ready is closed. conn and err
// are written once by establish before ready is closed and are read-only after.
type slot struct {
	id    uint64
	ready chan struct{}
	conn  net.Conn
	err   error
}

func newSlot(id uint64) *slot {
	return &slot{id: id, ready: make(chan struct{})}
}

// isReady reports whether the slot finished connecting successfully. It never
// blocks.
func (s *slot) isReady() bool {
	select {
	case <-s.ready:
		return s.err == nil
	default:
		return false
	}
}

// discard waits for the slot to resolve and closes its connection. Used for
// slots abandoned by a timed out request or drained by Close.
func (s *slot) discard() {
	<-s.ready
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// establish dials the backend and sends the preamble. Dial failures are
// retried with a fixed backoff; a failed preamble write is not, since the
// backend accepted and then dropped us.
func (p *Pool) establish(s *slot) {
	defer close(s.ready)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		conn, err := p.dial(p.ctx, "tcp", p.cfg.Addr)
		if err == nil {
			if err := handshake(conn, p.cfg.Timeout); err != nil {
				_ = conn.Close()
				s.err = err
				p.slotFailed(s, err)
				return
			}
			s.conn = conn
			p.logger.Debug("slot ready", "slot", s.id, "attempt", attempt)
			return
		}

		lastErr = err
		p.logger.Debug("backend dial failed", "slot", s.id, "attempt", attempt, "error", err)
		if attempt == p.cfg.ConnectAttempts {
			break
		}

		backoff := time.NewTimer(p.cfg.ConnectBackoff)
		select {
		case <-p.ctx.Done():
			backoff.Stop()
			s.err = ErrClosed
			return
		case <-backoff.C:
		}
	}

	s.err = fmt.Errorf("connect %s after %d attempts: %w", p.cfg.Addr, p.cfg.ConnectAttempts, lastErr)
	p.slotFailed(s, s.err)
}

func (p *Pool) slotFailed(s *slot, err error) {
	if p.ctx.Err() != nil {
		return
	}
	p.stats.slotFailures.Add(1)
	p.logger.Warn("slot failed to connect", "slot", s.id, "error", err)
	p.publish(events.TypeSlotFailed, map[string]any{
		"pool":  p.Name(),
		"slot":  s.id,
		"error": err.Error(),
	})
}

// handshake writes the preamble. The write deadline is cleared again so the
// connection can sit idle until a job arrives.
func handshake(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	if _, err := io.WriteString(conn, protocol.Preamble); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}
