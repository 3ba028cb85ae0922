package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T, cfg service.MCPConfig) (*service.MCPCoordinator, *service.EventBus) {
	t.Helper()
	bus := service.NewEventBus(nil)
	c := service.NewMCPCoordinator(bus, service.NopLogger(), cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, bus
}

type rpcMessage struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      uint64                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

// answerRPC implements a tiny JSON-RPC MCP with ping, sum and fail methods.
func answerRPC(req rpcMessage) map[string]interface{} {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "ping":
		resp["result"] = "pong"
	case "sum":
		a, _ := req.Params["a"].(float64)
		b, _ := req.Params["b"].(float64)
		resp["result"] = a + b
	default:
		resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found: " + req.Method}
	}
	return resp
}

func TestMCPCoordinatorInternal(t *testing.T) {
	ctx := context.Background()

	t.Run("EchoRoundTrip", func(t *testing.T) {
		c, bus := newCoordinator(t, service.DefaultMCPConfig())
		var successes int32
		bus.On(service.EventMCPCallSuccess, func(service.Event) { atomic.AddInt32(&successes, 1) })

		c.RegisterHandler("echo", service.MCPHandlerFunc(func(_ context.Context, method string, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"method": method, "text": params["text"]}, nil
		}))
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "echo", Name: "Echo", Endpoint: "internal://echo", Capabilities: []string{"echo"},
		}))

		info, err := c.GetMCP("echo")
		require.NoError(t, err)
		assert.Equal(t, models.ConnectedMCPStatus, info.Status)
		assert.NotNil(t, info.LastHeartbeat)

		out, err := c.CallMCP(ctx, "echo", "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"method": "echo", "text": "hi"}, out)
		assert.Equal(t, int32(1), atomic.LoadInt32(&successes))

		history := c.GetCallHistory(10)
		require.Len(t, history, 1)
		assert.Equal(t, "echo", history[0].MCPID)
		assert.Equal(t, "echo", history[0].Method)
		assert.True(t, history[0].Success)
		assert.Equal(t, "hi", history[0].Params["text"])
	})

	t.Run("UnsupportedMethodIsRecorded", func(t *testing.T) {
		c, bus := newCoordinator(t, service.DefaultMCPConfig())
		var failures int32
		bus.On(service.EventMCPCallError, func(service.Event) { atomic.AddInt32(&failures, 1) })
		c.RegisterHandler("echo", echoHandler())
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "echo", Name: "Echo", Endpoint: "internal://echo", Capabilities: []string{"echo"},
		}))

		_, err := c.CallMCP(ctx, "echo", "delete_everything", nil)
		assert.True(t, errors.Is(err, service.ErrUnsupportedOperation), "got %v", err)

		history := c.GetCallHistory(0)
		require.Len(t, history, 1)
		assert.False(t, history[0].Success)
		assert.Contains(t, history[0].Error, "delete_everything")
		assert.Equal(t, int32(1), atomic.LoadInt32(&failures))
	})

	t.Run("UnknownMCP", func(t *testing.T) {
		c, _ := newCoordinator(t, service.DefaultMCPConfig())
		_, err := c.CallMCP(ctx, "ghost", "anything", nil)
		assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
		_, err = c.GetMCP("ghost")
		assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
		assert.False(t, c.UnregisterMCP(ctx, "ghost"))
	})

	t.Run("RegistrationValidation", func(t *testing.T) {
		c, _ := newCoordinator(t, service.DefaultMCPConfig())
		cases := map[string]models.MCPInfo{
			"MissingID":       {Name: "x", Endpoint: "internal://x"},
			"MissingName":     {ID: "x", Endpoint: "internal://x"},
			"MissingEndpoint": {ID: "x", Name: "x"},
			"BadScheme":       {ID: "x", Name: "x", Endpoint: "ftp://x"},
			"NoHandlerName":   {ID: "x", Name: "x", Endpoint: "internal:"},
		}
		for name, info := range cases {
			t.Run(name, func(t *testing.T) {
				err := c.RegisterMCP(ctx, info)
				assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
			})
		}
		assert.Empty(t, c.ListMCPs())
	})

	t.Run("DuplicateID", func(t *testing.T) {
		c, _ := newCoordinator(t, service.DefaultMCPConfig())
		c.RegisterHandler("echo", echoHandler())
		info := models.MCPInfo{ID: "echo", Name: "Echo", Endpoint: "internal://echo"}
		require.NoError(t, c.RegisterMCP(ctx, info))
		err := c.RegisterMCP(ctx, info)
		assert.True(t, errors.Is(err, service.ErrAlreadyExists), "got %v", err)
	})

	t.Run("HandlerRegisteredLater", func(t *testing.T) {
		c, _ := newCoordinator(t, service.DefaultMCPConfig())
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "late", Name: "Late", Endpoint: "internal://late", Capabilities: []string{"echo"},
		}))
		info, _ := c.GetMCP("late")
		assert.Equal(t, models.DisconnectedMCPStatus, info.Status)

		_, err := c.CallMCP(ctx, "late", "echo", nil)
		assert.True(t, errors.Is(err, service.ErrUnavailable), "got %v", err)

		c.RegisterHandler("late", echoHandler())
		info, _ = c.GetMCP("late")
		assert.Equal(t, models.ConnectedMCPStatus, info.Status)
		_, err = c.CallMCP(ctx, "late", "echo", nil)
		assert.NoError(t, err)
	})

	t.Run("HandlerErrors", func(t *testing.T) {
		c, _ := newCoordinator(t, service.DefaultMCPConfig())
		c.RegisterHandler("flaky", service.MCPHandlerFunc(func(_ context.Context, method string, _ map[string]interface{}) (interface{}, error) {
			if method == "missing" {
				return nil, errors.Wrap(service.ErrNotFound, "record 7")
			}
			return nil, errors.New("disk on fire")
		}))
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "flaky", Name: "Flaky", Endpoint: "internal://flaky", Capabilities: []string{"boom", "missing"},
		}))

		_, err := c.CallMCP(ctx, "flaky", "boom", nil)
		assert.True(t, errors.Is(err, service.ErrExecution), "got %v", err)
		assert.Contains(t, err.Error(), "disk on fire")

		_, err = c.CallMCP(ctx, "flaky", "missing", nil)
		assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
	})

	t.Run("CallTimeout", func(t *testing.T) {
		cfg := service.DefaultMCPConfig()
		cfg.CallTimeout = 50 * time.Millisecond
		c, _ := newCoordinator(t, cfg)
		c.RegisterHandler("slow", service.MCPHandlerFunc(func(ctx context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "slow", Name: "Slow", Endpoint: "internal://slow", Capabilities: []string{"wait"},
		}))
		_, err := c.CallMCP(ctx, "slow", "wait", nil)
		assert.True(t, errors.Is(err, service.ErrTimeout), "got %v", err)
	})

	t.Run("HistoryIsBounded", func(t *testing.T) {
		cfg := service.DefaultMCPConfig()
		cfg.HistorySize = 3
		c, _ := newCoordinator(t, cfg)
		c.RegisterHandler("echo", echoHandler())
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
			ID: "echo", Name: "Echo", Endpoint: "internal://echo", Capabilities: []string{"echo"},
		}))
		for i := 0; i < 5; i++ {
			_, err := c.CallMCP(ctx, "echo", "echo", map[string]interface{}{"i": i})
			require.NoError(t, err)
		}
		history := c.GetCallHistory(0)
		require.Len(t, history, 3)
		assert.Equal(t, 2, history[0].Params["i"])
		assert.Equal(t, 4, history[2].Params["i"])
		assert.Len(t, c.GetCallHistory(1), 1)
	})

	t.Run("Unregister", func(t *testing.T) {
		c, bus := newCoordinator(t, service.DefaultMCPConfig())
		var removed int32
		bus.On(service.EventMCPUnregistered, func(service.Event) { atomic.AddInt32(&removed, 1) })
		c.RegisterHandler("echo", echoHandler())
		require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{ID: "echo", Name: "Echo", Endpoint: "internal://echo"}))
		assert.Len(t, c.ListMCPs(), 1)
		assert.True(t, c.UnregisterMCP(ctx, "echo"))
		assert.Empty(t, c.ListMCPs())
		assert.Equal(t, int32(1), atomic.LoadInt32(&removed))
	})
}

func TestMCPCoordinatorHTTP(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answerRPC(req))
	}))
	defer srv.Close()

	c, _ := newCoordinator(t, service.DefaultMCPConfig())
	require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
		ID: "calc", Name: "Calculator", Endpoint: srv.URL, Capabilities: []string{"sum", "explode"},
	}))
	info, err := c.GetMCP("calc")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectedMCPStatus, info.Status)

	out, err := c.CallMCP(ctx, "calc", "sum", map[string]interface{}{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)

	_, err = c.CallMCP(ctx, "calc", "explode", nil)
	assert.True(t, errors.Is(err, service.ErrExecution), "got %v", err)
	assert.Contains(t, err.Error(), "method not found: explode")
}

func TestMCPCoordinatorHTTPWithoutPingMethod(t *testing.T) {
	ctx := context.Background()
	var pingCode atomic.Int32
	pingCode.Store(-32601)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := answerRPC(req)
		if req.Method == "ping" {
			delete(resp, "result")
			resp["error"] = map[string]interface{}{"code": pingCode.Load(), "message": "no ping here"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, _ := newCoordinator(t, service.DefaultMCPConfig())
	require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
		ID: "quiet", Name: "No ping", Endpoint: srv.URL, Capabilities: []string{"sum"},
	}))
	info, err := c.GetMCP("quiet")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectedMCPStatus, info.Status)

	out, err := c.CallMCP(ctx, "quiet", "sum", map[string]interface{}{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out)

	// any other error from ping still means the server is not usable
	pingCode.Store(-32000)
	require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
		ID: "broken", Name: "Broken ping", Endpoint: srv.URL, Capabilities: []string{"sum"},
	}))
	info, err = c.GetMCP("broken")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorMCPStatus, info.Status)
}

func TestMCPCoordinatorHTTPUnreachable(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	c, _ := newCoordinator(t, service.DefaultMCPConfig())
	require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{ID: "gone", Name: "Gone", Endpoint: endpoint}))
	info, err := c.GetMCP("gone")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorMCPStatus, info.Status)
}

func TestMCPCoordinatorWebsocket(t *testing.T) {
	ctx := context.Background()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req rpcMessage
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if err := conn.WriteJSON(answerRPC(req)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, _ := newCoordinator(t, service.DefaultMCPConfig())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, c.RegisterMCP(ctx, models.MCPInfo{
		ID: "ws-calc", Name: "WS Calculator", Endpoint: endpoint, Capabilities: []string{"sum"},
	}))
	info, err := c.GetMCP("ws-calc")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectedMCPStatus, info.Status)

	for i := 0; i < 3; i++ {
		out, err := c.CallMCP(ctx, "ws-calc", "sum", map[string]interface{}{"a": i, "b": 10})
		require.NoError(t, err)
		assert.Equal(t, float64(i+10), out)
	}
	assert.True(t, c.UnregisterMCP(ctx, "ws-calc"))
}
