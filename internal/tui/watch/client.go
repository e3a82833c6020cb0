package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/texgw/internal/api"
	"github.com/mattjoyce/texgw/internal/events"
)

// Client talks to a running gateway.
type Client struct {
	baseURL string
	token   string
	poll    *http.Client
	stream  *http.Client
}

// NewClient returns a client for the gateway at baseURL. token is the
// operator bearer token and may be empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		poll:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	req, err := c.newRequest(ctx, "/healthz")
	if err != nil {
		return h, err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("healthz: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("healthz: decode: %w", err)
	}
	return h, nil
}

// Stream follows /events from lastID and sends each event to ch until the
// stream ends or ctx is cancelled. A stream closed by the server returns nil.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, "/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: unexpected status %s", resp.Status)
	}
	return readSSE(ctx, resp.Body, ch)
}

// readSSE parses an event stream. Comment lines are keep-alives and are
// skipped; multiple data lines are joined with newlines.
func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		current events.Event
		data    []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				current.At = time.Now()
				current.Data = json.RawMessage(strings.Join(data, "\n"))
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(field(line, "id:"), 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			current.Type = field(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, field(line, "data:"))
		}
	}
	return scanner.Err()
}

func field(line, name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, name), " ")
}
