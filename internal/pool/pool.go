package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/texgw/internal/events"
	"github.com/mattjoyce/texgw/internal/log"
	"github.com/mattjoyce/texgw/internal/protocol"
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = 1 * time.Second
	DefaultMaxResponseSize = 64 << 20

	// maxLoggedDiagnostic caps backend diagnostics copied into log lines.
	maxLoggedDiagnostic = 4 * 1024
)

// Config holds pool settings. Zero values fall back to the defaults above.
type Config struct {
	// Name labels logs, events and stats (e.g. "priority", "public").
	Name string

	// Size is the number of slots kept warm.
	Size int

	// Addr is the backend host:port.
	Addr string

	// Timeout bounds one attempt: waiting for the slot, writing the job and
	// reading the response.
	Timeout time.Duration

	ConnectAttempts int
	ConnectBackoff  time.Duration

	// MaxResponseSize caps the announced frame length accepted from a backend.
	MaxResponseSize uint32

	// Dial overrides how backend connections are opened.
	Dial DialFunc

	// Events receives slot and retry events. Optional.
	Events events.Publisher
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}
	return c
}

// Pool hands out one fresh backend connection per render attempt.
type Pool struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu     sync.Mutex
	slots  []*slot
	nextID uint64

	stats counters
}

type counters struct {
	renders        atomic.Int64
	completed      atomic.Int64
	retries        atomic.Int64
	timeouts       atomic.Int64
	documentErrors atomic.Int64
	backendErrors  atomic.Int64
	exhausted      atomic.Int64
	slotFailures   atomic.Int64
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name           string `json:"name"`
	Size           int    `json:"size"`
	Depth          int    `json:"depth"`
	Ready          int    `json:"ready"`
	Renders        int64  `json:"renders"`
	Completed      int64  `json:"completed"`
	Retries        int64  `json:"retries"`
	Timeouts       int64  `json:"timeouts"`
	DocumentErrors int64  `json:"document_errors"`
	BackendErrors  int64  `json:"backend_errors"`
	Exhausted      int64  `json:"exhausted"`
	SlotFailures   int64  `json:"slot_failures"`
}

// New validates cfg and schedules Size connections. It does not wait for them.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool %q: size must be at least 1, got %d", cfg.Name, cfg.Size)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("pool %q: backend address is empty", cfg.Name)
	}

	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.Timeout}
		dial = d.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: log.WithPool(cfg.Name).With("component", "pool"),
		ctx:    ctx,
		cancel: cancel,
		slots:  make([]*slot, 0, cfg.Size+1),
	}

	for range cfg.Size {
		p.connect()
	}
	p.logger.Info("pool started", "size", cfg.Size, "backend", cfg.Addr, "timeout", cfg.Timeout)
	return p, nil
}

// Name returns the pool label.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// connect appends a new pending slot and starts establishing it.
func (p *Pool) connect() {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	p.nextID++
	s := newSlot(p.nextID)
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	go p.establish(s)
}

// pop removes the oldest slot. Returns nil only when the pool is closed.
func (p *Pool) pop() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return nil
	}
	s := p.slots[0]
	p.slots[0] = nil
	p.slots = p.slots[1:]
	return s
}

// Render sends body to a backend and returns the rendered image.
func (p *Pool) Render(ctx context.Context, body []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.stats.renders.Add(1)

	maxAttempts := p.cfg.Size + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.connect()
		s := p.pop()
		if s == nil {
			return nil, ErrClosed
		}

		resp, err := p.roundTrip(ctx, s, body)
		if err == nil {
			return p.interpret(resp)
		}

		if errors.Is(err, ErrTimeout) {
			p.stats.timeouts.Add(1)
			p.logger.Warn("render timed out", "slot", s.id, "attempt", attempt, "timeout", p.cfg.Timeout)
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if p.closed.Load() {
			return nil, ErrClosed
		}

		lastErr = err
		p.stats.retries.Add(1)
		p.logger.Debug("render attempt failed, retrying", "slot", s.id, "attempt", attempt, "error", err)
		p.publish(events.TypeRenderRetry, map[string]any{
			"pool":    p.Name(),
			"attempt": attempt,
			"error":   err.Error(),
		})
	}

	p.stats.exhausted.Add(1)
	p.logger.Error("render attempts exhausted", "attempts", maxAttempts, "error", lastErr)
	return nil, fmt.Errorf("%w (%d attempts): %v", ErrTooManyTries, maxAttempts, lastErr)
}

// roundTrip runs one attempt on s. The slot is consumed whatever happens.
func (p *Pool) roundTrip(ctx context.Context, s *slot, body []byte) (*protocol.Response, error) {
	deadline := time.Now().Add(p.cfg.Timeout)
	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-timer.C:
		go s.discard()
		return nil, ErrTimeout
	case <-ctx.Done():
		go s.discard()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}

	conn := s.conn
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	// Unblock in-flight I/O when the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	job := net.Buffers{body, []byte(protocol.Postamble)}
	if _, err := job.WriteTo(conn); err != nil {
		return nil, p.ioError(ctx, "write job", err)
	}

	resp, err := protocol.DecodeResponseLimit(conn, p.cfg.MaxResponseSize)
	if err != nil {
		return nil, p.ioError(ctx, "read response", err)
	}
	return resp, nil
}

// ioError separates caller cancellation and deadline expiry from ordinary
// transport failures.
func (p *Pool) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Pool) interpret(resp *protocol.Response) ([]byte, error) {
	switch resp.Code {
	case protocol.CodeOK:
		p.stats.completed.Add(1)
		return resp.Data, nil
	case protocol.CodeErrDocument:
		p.stats.documentErrors.Add(1)
		return nil, &DocumentError{Diagnostic: strings.ToValidUTF8(string(resp.Data), "\uFFFD")}
	default:
		p.stats.backendErrors.Add(1)
		diag := strings.ToValidUTF8(string(resp.Data), "\uFFFD")
		p.logger.Error("backend reported failure", "code", resp.Code.String(), "diagnostic", truncate(diag, maxLoggedDiagnostic))
		return nil, &BackendError{Code: resp.Code, Diagnostic: diag}
	}
}

// Depth returns the number of pending or ready slots.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Stats returns counters and the current slot picture.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	depth := len(p.slots)
	ready := 0
	for _, s := range p.slots {
		if s.isReady() {
			ready++
		}
	}
	p.mu.Unlock()

	return Stats{
		Name:           p.cfg.Name,
		Size:           p.cfg.Size,
		Depth:          depth,
		Ready:          ready,
		Renders:        p.stats.renders.Load(),
		Completed:      p.stats.completed.Load(),
		Retries:        p.stats.retries.Load(),
		Timeouts:       p.stats.timeouts.Load(),
		DocumentErrors: p.stats.documentErrors.Load(),
		BackendErrors:  p.stats.backendErrors.Load(),
		Exhausted:      p.stats.exhausted.Load(),
		SlotFailures:   p.stats.slotFailures.Load(),
	}
}

// Close stops connecting, closes every pooled connection and fails later
// Render calls with ErrClosed. In-flight renders finish on their own slot.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	drained := p.slots
	p.slots = nil
	p.mu.Unlock()

	p.cancel()
	for _, s := range drained {
		s.discard()
	}
	p.logger.Info("pool closed", "drained", len(drained))
	return nil
}

func (p *Pool) publish(eventType string, data map[string]any) {
	if p.cfg.Events == nil {
		return
	}
	p.cfg.Events.Publish(eventType, data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
