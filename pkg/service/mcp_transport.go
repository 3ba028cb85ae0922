package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// MCPHandler serves the methods of an internal:// MCP.
type MCPHandler interface {
	Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
}

// MCPHandlerFunc adapts a function to MCPHandler.
type MCPHandlerFunc func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)

func (f MCPHandlerFunc) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, method, params)
}

// Pinger is implemented by handlers that can report their own liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// mcpTransport carries calls to one registered MCP.
type mcpTransport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

type internalTransport struct {
	name   string
	lookup func(name string) (MCPHandler, bool)
}

func (t *internalTransport) handler() (MCPHandler, error) {
	h, ok := t.lookup(t.name)
	if !ok {
		return nil, errors.Wrapf(ErrUnavailable, "no handler registered for internal://%s", t.name)
	}
	return h, nil
}

func (t *internalTransport) Connect(_ context.Context) error {
	_, err := t.handler()
	return err
}

func (t *internalTransport) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	h, err := t.handler()
	if err != nil {
		return nil, err
	}
	return h.Call(ctx, method, params)
}

func (t *internalTransport) Ping(ctx context.Context) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	if p, ok := h.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (t *internalTransport) Close() error { return nil }

const jsonRPCVersion = "2.0"

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      uint64                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by a remote JSON-RPC MCP.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMethodNotFound is the JSON-RPC 2.0 code for an unknown method.
const rpcMethodNotFound = -32601

// pingResult treats a server that answers "method not found" to ping as
// reachable.
func pingResult(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcMethodNotFound {
		return nil
	}
	return err
}

func (r rpcResponse) decode() (interface{}, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	if len(r.Result) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(r.Result, &out); err != nil {
		return nil, errors.Wrap(err, "decode rpc result")
	}
	return out, nil
}

// remoteGuard combines the rate limiter and circuit breaker shared by the
// remote transports.
type remoteGuard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newRemoteGuard(name string, cfg MCPConfig, logger Logger) remoteGuard {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	settings := gobreaker.Settings{
		Name:        "mcp-" + name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
		// an error answered by the remote side proves the transport works
		IsSuccessful: func(err error) bool {
			var rpcErr *RPCError
			return err == nil || errors.As(err, &rpcErr)
		},
	}
	return remoteGuard{
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps*2)),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g remoteGuard) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(ErrUnavailable, "circuit breaker %s: %v", g.breaker.Name(), err)
	}
	return out, err
}

// httpTransport speaks JSON-RPC 2.0 over HTTP POST.
type httpTransport struct {
	endpoint string
	client   *http.Client
	guard    remoteGuard
	nextID   atomic.Uint64
}

func newHTTPTransport(id, endpoint string, cfg MCPConfig, logger Logger) *httpTransport {
	return &httpTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: cfg.CallTimeout},
		guard:    newRemoteGuard(id, cfg, logger),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	return t.Ping(ctx)
}

func (t *httpTransport) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	return t.guard.do(ctx, func() (interface{}, error) {
		return t.roundTrip(ctx, method, params)
	})
}

func (t *httpTransport) roundTrip(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: t.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrap(err, "encode rpc request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "post %s", t.endpoint)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read rpc response")
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("%s returned HTTP %d", t.endpoint, resp.StatusCode)
	}
	var out rpcResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrap(err, "decode rpc response")
	}
	return out.decode()
}

func (t *httpTransport) Ping(ctx context.Context) error {
	_, err := t.Call(ctx, "ping", nil)
	return pingResult(err)
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

const wsWriteWait = 10 * time.Second

// wsTransport speaks JSON-RPC 2.0 over a persistent websocket. Responses are
// matched to callers by request id.
type wsTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	guard    remoteGuard
	logger   Logger
	nextID   atomic.Uint64

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcResponse
}

func newWSTransport(id, endpoint string, cfg MCPConfig, logger Logger) *wsTransport {
	return &wsTransport{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.CallTimeout},
		guard:    newRemoteGuard(id, cfg, logger),
		logger:   logger,
		pending:  make(map[uint64]chan rpcResponse),
	}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "dial %s: %v", t.endpoint, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readPump(conn)
	return nil
}

func (t *wsTransport) readPump(conn *websocket.Conn) {
	defer t.dropConn(conn)
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debugf("Websocket %s read ended: %v", t.endpoint, err)
			}
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// dropConn forgets conn and fails every call still waiting on it.
func (t *wsTransport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	conn.Close()
	t.conn = nil
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *wsTransport) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	return t.guard.do(ctx, func() (interface{}, error) {
		return t.roundTrip(ctx, method, params)
	})
}

func (t *wsTransport) roundTrip(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	id := t.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrUnavailable, "websocket %s not connected", t.endpoint)
	}
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := conn.WriteJSON(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	t.writeMu.Unlock()
	if err != nil {
		t.forget(id)
		t.dropConn(conn)
		return nil, errors.Wrapf(err, "write to %s", t.endpoint)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.Wrapf(ErrUnavailable, "websocket %s closed", t.endpoint)
		}
		return resp.decode()
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}

func (t *wsTransport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *wsTransport) Ping(ctx context.Context) error {
	_, err := t.Call(ctx, "ping", nil)
	return pingResult(err)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.dropConn(conn)
	return nil
}
