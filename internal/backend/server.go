package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/texgw/internal/protocol"
)

const (
	DefaultMaxDocumentSize = 1 << 20
	defaultWriteTimeout    = 30 * time.Second
)

// ErrDocumentTooLarge is returned by ReadDocument when the postamble does not
// arrive within the limit.
var ErrDocumentTooLarge = errors.New("document too large")

// Renderer renders one document. It always returns a response; failures are
// encoded in the response code.
type Renderer interface {
	Render(ctx context.Context, doc []byte) *protocol.Response
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, doc []byte) *protocol.Response

func (f RendererFunc) Render(ctx context.Context, doc []byte) *protocol.Response {
	return f(ctx, doc)
}

// Config holds backend server settings.
type Config struct {
	Listen          string
	MaxDocumentSize int64
	MaxConcurrent   int
	// WriteTimeout bounds writing the response frame.
	WriteTimeout time.Duration
}

// Server accepts gateway connections and renders one job per connection.
type Server struct {
	config   Config
	renderer Renderer
	logger   *slog.Logger
	sem      chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a backend server.
func NewServer(config Config, renderer Renderer, logger *slog.Logger) (*Server, error) {
	if renderer == nil {
		return nil, errors.New("backend: renderer is required")
	}
	if config.MaxDocumentSize <= 0 {
		config.MaxDocumentSize = DefaultMaxDocumentSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		config:   config,
		renderer: renderer,
		logger:   logger,
		sem:      make(chan struct{}, config.MaxConcurrent),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on config.Listen and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for handlers to return.
// In-flight renders are cancelled through ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("backend server starting", "listen", ln.Addr().String(), "max_concurrent", s.config.MaxConcurrent, "protocol", protocol.Version)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeConns()
	})
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}

	_ = ln.Close()
	s.closeConns()
	s.wg.Wait()
	s.logger.Info("backend server stopped")
	return acceptErr
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

// closeConns closes every tracked connection and stops tracking new ones.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	jobID := uuid.NewString()
	logger := s.logger.With("job_id", jobID, "remote", conn.RemoteAddr().String())

	r := bufio.NewReader(conn)
	if err := ReadPreamble(r); err != nil {
		if !errors.Is(err, io.EOF) && ctx.Err() == nil {
			logger.Warn("rejecting connection", "error", err)
			s.respond(logger, conn, protocol.NewErrorResponse(protocol.CodeErrInternal, "protocol error"))
		}
		return
	}

	doc, err := ReadDocument(r, s.config.MaxDocumentSize)
	if err != nil {
		switch {
		case errors.Is(err, ErrDocumentTooLarge):
			logger.Info("document too large", "limit", s.config.MaxDocumentSize)
			s.respond(logger, conn, protocol.NewErrorResponse(protocol.CodeErrDocument,
				fmt.Sprintf("document exceeds %d bytes", s.config.MaxDocumentSize)))
		case ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
			logger.Warn("failed to read document", "error", err)
		}
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	start := time.Now()
	resp := s.renderer.Render(ctx, doc)
	<-s.sem

	if resp == nil {
		resp = protocol.NewErrorResponse(protocol.CodeErrInternal, "renderer returned no response")
	}
	logger.Info("job finished",
		"code", resp.Code.String(),
		"doc_bytes", len(doc),
		"response_bytes", len(resp.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.respond(logger, conn, resp)
}

func (s *Server) respond(logger *slog.Logger, conn net.Conn, resp *protocol.Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		logger.Warn("failed to set write deadline", "error", err)
		return
	}
	w := bufio.NewWriter(conn)
	if err := protocol.EncodeResponse(w, resp); err != nil {
		logger.Warn("failed to write response", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

// ReadPreamble consumes the preamble the gateway sends on connect.
func ReadPreamble(r io.Reader) error {
	buf := make([]byte, len(protocol.Preamble))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read preamble: %w", err)
	}
	if string(buf) != protocol.Preamble {
		return fmt.Errorf("unexpected preamble %q", buf)
	}
	return nil
}

// ReadDocument reads up to and including the postamble and returns the body
// before it. A body containing the postamble ends at its first occurrence,
// as it would for the typesetter.
func ReadDocument(r *bufio.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	postamble := []byte(protocol.Postamble)
	for {
		line, err := r.ReadSlice('\n')
		buf.Write(line)
		if int64(buf.Len()) > limit+int64(len(postamble)) {
			return nil, ErrDocumentTooLarge
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			if err == nil && bytes.HasSuffix(buf.Bytes(), postamble) {
				return buf.Bytes()[:buf.Len()-len(postamble)], nil
			}
			continue
		}
		if errors.Is(err, io.EOF) && buf.Len() > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}
