package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/texgw/internal/log"
	"github.com/mattjoyce/texgw/internal/pool"
	"github.com/mattjoyce/texgw/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a backend on a loopback port until the test ends.
func startServer(t *testing.T, cfg Config, renderer Renderer) string {
	t.Helper()

	srv, err := NewServer(cfg, renderer, discardLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("backend server did not stop")
		}
	})
	return ln.Addr().String()
}

// sendJob writes a complete job on a fresh connection and reads the reply.
func sendJob(t *testing.T, addr string, doc string) *protocol.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, protocol.Preamble+doc+protocol.Postamble)
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(conn)
	require.NoError(t, err)
	return resp
}

func echoRenderer() Renderer {
	return RendererFunc(func(_ context.Context, doc []byte) *protocol.Response {
		return &protocol.Response{Code: protocol.CodeOK, Data: append([]byte("png:"), doc...)}
	})
}

func TestNewServerRequiresRenderer(t *testing.T) {
	_, err := NewServer(Config{}, nil, discardLogger())
	assert.Error(t, err)
}

func TestServerRendersThroughPool(t *testing.T) {
	renderer := RendererFunc(func(_ context.Context, doc []byte) *protocol.Response {
		if bytes.Contains(doc, []byte(`\undefined`)) {
			return protocol.NewErrorResponse(protocol.CodeErrDocument, "! Undefined control sequence.")
		}
		return &protocol.Response{Code: protocol.CodeOK, Data: append([]byte("png:"), doc...)}
	})
	addr := startServer(t, Config{MaxConcurrent: 2}, renderer)

	p, err := pool.New(pool.Config{Name: "public", Size: 2, Addr: addr, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer p.Close()

	doc := "line one\n\\[ x^2 \\]\nline three"
	img, err := p.Render(context.Background(), []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "png:"+doc, string(img))

	_, err = p.Render(context.Background(), []byte(`\undefined`))
	var docErr *pool.DocumentError
	require.ErrorAs(t, err, &docErr)
	assert.Equal(t, "! Undefined control sequence.", docErr.Diagnostic)

	assert.Equal(t, 2, p.Depth())
}

func TestServerRejectsBadPreamble(t *testing.T) {
	addr := startServer(t, Config{}, echoRenderer())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "\\begin{documenx}\n")
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeErrInternal, resp.Code)
}

func TestServerDocumentTooLarge(t *testing.T) {
	var calls atomic.Int32
	renderer := RendererFunc(func(context.Context, []byte) *protocol.Response {
		calls.Add(1)
		return &protocol.Response{Code: protocol.CodeOK}
	})
	addr := startServer(t, Config{MaxDocumentSize: 8}, renderer)

	resp := sendJob(t, addr, strings.Repeat("x", 100))
	assert.Equal(t, protocol.CodeErrDocument, resp.Code)
	assert.Contains(t, string(resp.Data), "exceeds 8 bytes")
	assert.Zero(t, calls.Load())

	resp = sendJob(t, addr, "12345678")
	assert.Equal(t, protocol.CodeOK, resp.Code)
}

func TestServerNilResponseIsInternal(t *testing.T) {
	addr := startServer(t, Config{}, RendererFunc(func(context.Context, []byte) *protocol.Response { return nil }))

	resp := sendJob(t, addr, "x")
	assert.Equal(t, protocol.CodeErrInternal, resp.Code)
}

func TestServerLimitsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	renderer := RendererFunc(func(_ context.Context, doc []byte) *protocol.Response {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return &protocol.Response{Code: protocol.CodeOK, Data: doc}
	})
	addr := startServer(t, Config{MaxConcurrent: 1}, renderer)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := sendJob(t, addr, strings.Repeat("a", i+1))
			assert.Equal(t, protocol.CodeOK, resp.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestServerShutdownClosesIdleConnections(t *testing.T) {
	srv, err := NewServer(Config{}, echoRenderer(), discardLogger())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, protocol.Preamble)
	require.NoError(t, err)

	// Give the server a moment to pick the connection up.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestReadPreamble(t *testing.T) {
	assert.NoError(t, ReadPreamble(strings.NewReader(protocol.Preamble+"rest")))
	assert.Error(t, ReadPreamble(strings.NewReader("\\begin{documenx}\n")))

	err := ReadPreamble(strings.NewReader(""))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		limit   int64
		want    string
		wantErr error
	}{
		{name: "single line", input: "x^2" + protocol.Postamble, limit: 64, want: "x^2"},
		{name: "multi line", input: "a\nb\n\nc" + protocol.Postamble, limit: 64, want: "a\nb\n\nc"},
		{name: "empty body", input: protocol.Postamble, limit: 64, want: ""},
		{name: "first postamble wins", input: "a" + protocol.Postamble + "b" + protocol.Postamble, limit: 64, want: "a"},
		{name: "exact limit", input: "12345678" + protocol.Postamble, limit: 8, want: "12345678"},
		{name: "too large", input: "123456789" + protocol.Postamble, limit: 8, wantErr: ErrDocumentTooLarge},
		{name: "long line", input: strings.Repeat("z", 10000), limit: 64, wantErr: ErrDocumentTooLarge},
		{name: "stream ends early", input: "abc\n", limit: 64, wantErr: io.ErrUnexpectedEOF},
		{name: "nothing sent", input: "", limit: 64, wantErr: io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadDocument(bufio.NewReader(strings.NewReader(tt.input)), tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
