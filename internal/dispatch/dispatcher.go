package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/texgw/internal/admission"
	"github.com/mattjoyce/texgw/internal/events"
	"github.com/mattjoyce/texgw/internal/log"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/texgw/internal/dispatch Renderer,Verifier

// Renderer turns a document body into image bytes. *pool.Pool satisfies it.
type Renderer interface {
	Render(ctx context.Context, body []byte) ([]byte, error)
}

// Verifier checks an admission token. *admission.Signer satisfies it.
type Verifier interface {
	Verify(body []byte, token string) error
}

const (
	PoolPriority = "priority"
	PoolPublic   = "public"
)

// Request is one render request.
type Request struct {
	// ID correlates logs and events. Generated when empty.
	ID string

	Body []byte

	// Token is nil when the client sent none. An empty string is a token
	// that was sent empty, which is rejected.
	Token *string
}

// Config wires a Dispatcher.
type Config struct {
	Priority Renderer
	Public   Renderer
	Verifier Verifier

	// Events is optional.
	Events events.Publisher

	// Logger defaults to the "dispatch" component logger.
	Logger *slog.Logger
}

// Dispatcher owns the pool pair. It is safe for concurrent use.
type Dispatcher struct {
	priority Renderer
	public   Renderer
	verifier Verifier
	events   events.Publisher
	logger   *slog.Logger
}

// New validates cfg and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Priority == nil || cfg.Public == nil {
		return nil, errors.New("dispatch: both priority and public pools are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("dispatch: verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{
		priority: cfg.Priority,
		public:   cfg.Public,
		verifier: cfg.Verifier,
		events:   cfg.Events,
		logger:   logger,
	}, nil
}

// Render admits req, runs it on the selected pool and returns the image.
// Errors are the pool's or admission's own; pass them to Classify and
// Message before showing anything to a client.
func (d *Dispatcher) Render(ctx context.Context, req Request) ([]byte, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := log.WithRequest(d.logger, req.ID).With(
		"doc", Fingerprint(req.Body),
		"size", len(req.Body),
	)

	poolName, renderer := PoolPublic, d.public
	if req.Token != nil {
		if err := d.verifier.Verify(req.Body, *req.Token); err != nil {
			reason := admission.Reason(err)
			logger.Warn("admission rejected", "reason", reason)
			d.publish(events.TypeRenderRejected, map[string]any{
				"request_id": req.ID,
				"reason":     reason,
			})
			return nil, err
		}
		poolName, renderer = PoolPriority, d.priority
	}
	logger = logger.With("pool", poolName)

	start := time.Now()
	img, err := renderer.Render(ctx, req.Body)
	elapsed := time.Since(start)

	data := map[string]any{
		"request_id":  req.ID,
		"pool":        poolName,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err == nil {
		logger.Info("render completed", "duration_ms", elapsed.Milliseconds(), "bytes", len(img))
		data["bytes"] = len(img)
		d.publish(events.TypeRenderCompleted, data)
		return img, nil
	}

	outcome := Classify(err)
	data["outcome"] = outcome.String()
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away", "duration_ms", elapsed.Milliseconds())
		d.publish(events.TypeRenderFailed, data)
	case isTimeout(err):
		logger.Warn("render timed out", "duration_ms", elapsed.Milliseconds())
		d.publish(events.TypeRenderTimedOut, data)
	case outcome == OutcomeBadInput:
		logger.Info("document rejected by backend", "duration_ms", elapsed.Milliseconds())
		d.publish(events.TypeRenderFailed, data)
	default:
		logger.Error("render failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		d.publish(events.TypeRenderFailed, data)
	}
	return nil, err
}

func (d *Dispatcher) publish(eventType string, data map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Publish(eventType, data)
}

// Fingerprint returns a short BLAKE3 digest of body for logs.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
