package pool

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mattjoyce/texgw/internal/protocol"
)

// replyFunc decides what a fake backend sends for job n (1-based). It may
// write anything, or nothing, to conn.
type replyFunc func(t *testing.T, n int32, conn net.Conn, doc []byte)

// fakeBackend is an in-process backend speaking the wire protocol.
type fakeBackend struct {
	t     *testing.T
	ln    net.Listener
	reply replyFunc

	accepted    atomic.Int32
	jobs        atomic.Int32
	badPreamble atomic.Int32

	mu     sync.Mutex
	closed bool
	conns  []net.Conn
	docs   [][]byte
	wg     sync.WaitGroup
}

func newFakeBackend(t *testing.T, reply replyFunc) *fakeBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	b := &fakeBackend{t: t, ln: ln, reply: reply}
	b.wg.Add(1)
	go b.serve()
	t.Cleanup(b.close)
	return b
}

func (b *fakeBackend) addr() string {
	return b.ln.Addr().String()
}

func (b *fakeBackend) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(conn)
		}()
	}
}

func (b *fakeBackend) handle(conn net.Conn) {
	defer conn.Close()

	preamble := make([]byte, len(protocol.Preamble))
	if _, err := io.ReadFull(conn, preamble); err != nil {
		return
	}
	if string(preamble) != protocol.Preamble {
		b.badPreamble.Add(1)
		return
	}

	doc, err := readJob(bufio.NewReader(conn))
	if err != nil {
		return
	}

	n := b.jobs.Add(1)
	b.mu.Lock()
	b.docs = append(b.docs, doc)
	b.mu.Unlock()

	b.reply(b.t, n, conn, doc)
}

// readJob reads until the postamble and returns the body before it.
func readJob(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(c)
		if bytes.HasSuffix(buf.Bytes(), []byte(protocol.Postamble)) {
			return buf.Bytes()[:buf.Len()-len(protocol.Postamble)], nil
		}
	}
}

func (b *fakeBackend) receivedDocs() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.docs...)
}

func (b *fakeBackend) close() {
	_ = b.ln.Close()
	b.mu.Lock()
	b.closed = true
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func replyWith(code protocol.Code, data string) replyFunc {
	return func(t *testing.T, _ int32, conn net.Conn, _ []byte) {
		if err := protocol.EncodeResponse(conn, &protocol.Response{Code: code, Data: []byte(data)}); err != nil {
			t.Logf("fake backend write: %v", err)
		}
	}
}

// replyNever holds the connection open without answering until the peer
// hangs up or the backend is closed.
func replyNever(_ *testing.T, _ int32, conn net.Conn, _ []byte) {
	_, _ = io.Copy(io.Discard, conn)
}
