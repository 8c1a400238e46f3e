package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// Target describes one debuggable page reported by the /json endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the /json/version payload.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client talks to one browser's remote-debugging HTTP endpoint.
type Client struct {
	port int
	http *resty.Client
}

// NewClient creates a client for the browser listening on port.
func NewClient(port int) *Client {
	return &Client{
		port: port,
		http: resty.New().
			SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)).
			SetTimeout(5 * time.Second).
			SetRetryCount(0),
	}
}

// Port returns the debugging port this client targets.
func (c *Client) Port() int { return c.port }

// Version fetches /json/version; a response proves the DevTools endpoint
// is up.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	resp, err := c.http.R().SetContext(ctx).SetResult(&info).Get("/json/version")
	if err != nil {
		return nil, &TransportError{Op: "version", Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{Op: "version", Err: fmt.Errorf("status %s", resp.Status())}
	}
	return &info, nil
}

// ListTargets fetches the open pages.
func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	var targets []Target
	resp, err := c.http.R().SetContext(ctx).SetResult(&targets).Get("/json/list")
	if err != nil {
		return nil, &TransportError{Op: "list_targets", Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{Op: "list_targets", Err: fmt.Errorf("status %s", resp.Status())}
	}
	return targets, nil
}

// NewTarget opens a new page at the given URL.
func (c *Client) NewTarget(ctx context.Context, pageURL string) (*Target, error) {
	var target Target
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&target).
		Put("/json/new?" + url.QueryEscape(pageURL))
	if err != nil {
		return nil, &TransportError{Op: "new_target", Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{Op: "new_target", Err: fmt.Errorf("status %s", resp.Status())}
	}
	return &target, nil
}

// PageTarget returns the first page-type target whose URL is on the given
// host, or the first page target when host is empty.
func (c *Client) PageTarget(ctx context.Context, host string) (*Target, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	var fallback *Target
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if fallback == nil {
			fallback = t
		}
		if host != "" && hostOf(t.URL) == host {
			return t, nil
		}
	}
	if host == "" && fallback != nil {
		return fallback, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, &TransportError{Op: "page_target", Err: fmt.Errorf("no page target on port %d", c.port)}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Tab is an attached DevTools page: a websocket connection speaking the
// protocol. Requests are serialized; the protocol socket carries one
// command at a time per tab.
type Tab struct {
	ID        string
	TargetURL string

	conn   *websocket.Conn
	connMu sync.Mutex
	nextID int64

	lastSeen time.Time
	seenMu   sync.Mutex

	// InjectedVersion tracks which page-script bundle is live in this
	// tab. The tab is attached iff it equals the current bundle version.
	InjectedVersion string
}

// Attach dials the target's debugger websocket.
func (c *Client) Attach(ctx context.Context, target *Target) (*Tab, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Eval responses for account table reads can be large.
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "attach", Err: err}
	}
	return &Tab{
		ID:        target.ID,
		TargetURL: target.URL,
		conn:      conn,
		lastSeen:  time.Now(),
	}, nil
}

// Close tears down the websocket.
func (t *Tab) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// LastSeen returns the time of the last successful protocol exchange.
func (t *Tab) LastSeen() time.Time {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	return t.lastSeen
}

func (t *Tab) touch() {
	t.seenMu.Lock()
	t.lastSeen = time.Now()
	t.seenMu.Unlock()
}

type cdpRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Evaluate sends Runtime.evaluate and waits for the matching response.
// The timeout bounds the whole exchange; protocol events interleaved on
// the socket are skipped.
func (t *Tab) Evaluate(ctx context.Context, expression string, timeout time.Duration) (*EvalEnvelope, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil, &TransportError{Op: "evaluate", Err: net.ErrClosed}
	}

	t.nextID++
	req := cdpRequest{
		ID:     t.nextID,
		Method: "Runtime.evaluate",
		Params: map[string]any{
			"expression":    expression,
			"returnByValue": true,
			"awaitPromise":  true,
			"timeout":       timeout.Milliseconds(),
		},
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return nil, &TransportError{Op: "evaluate", Err: err}
	}
	if err := t.conn.WriteJSON(req); err != nil {
		return nil, &TransportError{Op: "evaluate", Err: err}
	}

	for {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, &TransportError{Op: "evaluate", Err: err}
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, &TransportError{Op: "evaluate", Err: err}
		}

		var resp cdpResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &TransportError{Op: "evaluate", Err: err}
		}
		if resp.ID != req.ID {
			// Event or stale response; keep reading until ours arrives.
			continue
		}

		if resp.Error != nil {
			return nil, &TransportError{
				Op:  "evaluate",
				Err: fmt.Errorf("protocol error %d: %s", resp.Error.Code, resp.Error.Message),
			}
		}

		var env EvalEnvelope
		if err := json.Unmarshal(resp.Result, &env); err != nil {
			return nil, &TransportError{Op: "evaluate", Err: err}
		}
		t.touch()
		return &env, nil
	}
}

// isBusyError reports protocol-level pushback (target busy, too many
// in-flight commands) that warrants the exponential busy backoff rather
// than the flat transport delay.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "too many") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "target crashed")
}
