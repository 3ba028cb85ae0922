package service

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type MCPConfig struct {
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	HistorySize       int
	RateLimitRPS      float64
	BreakerTimeout    time.Duration
}

func DefaultMCPConfig() MCPConfig {
	return MCPConfig{
		HeartbeatInterval: 30 * time.Second,
		CallTimeout:       30 * time.Second,
		HistorySize:       1000,
		RateLimitRPS:      10,
		BreakerTimeout:    60 * time.Second,
	}
}

type mcpEntry struct {
	info      models.MCPInfo
	transport mcpTransport
}

// MCPCoordinator keeps the MCP registry and dispatches calls to the
// transport selected by each endpoint's scheme.
type MCPCoordinator struct {
	cfg    MCPConfig
	logger Logger
	events *EventBus
	now    func() time.Time

	mu       sync.RWMutex
	mcps     map[string]*mcpEntry
	handlers map[string]MCPHandler
	history  *ring[models.MCPCallRecord]

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMCPCoordinator(events *EventBus, logger Logger, cfg MCPConfig) *MCPCoordinator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultMCPConfig().CallTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultMCPConfig().HeartbeatInterval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultMCPConfig().BreakerTimeout
	}
	return &MCPCoordinator{
		cfg:      cfg,
		logger:   orNop(logger),
		events:   events,
		now:      time.Now,
		mcps:     make(map[string]*mcpEntry),
		handlers: make(map[string]MCPHandler),
		history:  newRing[models.MCPCallRecord](cfg.HistorySize),
	}
}

func (c *MCPCoordinator) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.heartbeatLoop(loopCtx)
	c.logger.Infof("MCP coordinator started (heartbeat every %s)", c.cfg.HeartbeatInterval)
	return nil
}

// Stop halts the heartbeat loop and closes every remote connection.
func (c *MCPCoordinator) Stop(_ context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.RLock()
	entries := make([]*mcpEntry, 0, len(c.mcps))
	for _, e := range c.mcps {
		entries = append(entries, e)
	}
	c.mu.RUnlock()
	for _, e := range entries {
		if err := e.transport.Close(); err != nil {
			c.logger.Warnf("Failed to close MCP %s: %v", e.info.ID, err)
		}
	}
	c.logger.Infof("MCP coordinator stopped")
	return nil
}

// RegisterHandler installs the in-process handler behind internal://name.
// Internal MCPs already registered under that name become connected.
func (c *MCPCoordinator) RegisterHandler(name string, handler MCPHandler) {
	now := c.now()
	c.mu.Lock()
	c.handlers[name] = handler
	for _, e := range c.mcps {
		if t, ok := e.transport.(*internalTransport); ok && t.name == name {
			e.info.Status = models.ConnectedMCPStatus
			e.info.LastHeartbeat = &now
		}
	}
	c.mu.Unlock()
	c.logger.Debugf("Registered internal MCP handler %s", name)
}

func (c *MCPCoordinator) lookupHandler(name string) (MCPHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

func (c *MCPCoordinator) newTransport(info models.MCPInfo) (mcpTransport, error) {
	u, err := url.Parse(info.Endpoint)
	if err != nil {
		return nil, validationErrorf("invalid endpoint %q: %v", info.Endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "internal":
		name := u.Host
		if name == "" {
			name = strings.TrimPrefix(u.Opaque, "//")
		}
		if name == "" {
			return nil, validationErrorf("internal endpoint %q has no handler name", info.Endpoint)
		}
		return &internalTransport{name: name, lookup: c.lookupHandler}, nil
	case "http", "https":
		return newHTTPTransport(info.ID, info.Endpoint, c.cfg, c.logger), nil
	case "ws", "wss":
		return newWSTransport(info.ID, info.Endpoint, c.cfg, c.logger), nil
	default:
		return nil, validationErrorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// RegisterMCP adds an MCP to the registry and connects it. A failed
// connection leaves the MCP registered in the error state for the heartbeat
// loop to retry.
func (c *MCPCoordinator) RegisterMCP(ctx context.Context, info models.MCPInfo) error {
	if err := validateStruct("mcp", info); err != nil {
		return err
	}
	transport, err := c.newTransport(info)
	if err != nil {
		return err
	}
	info.Capabilities = append([]string(nil), info.Capabilities...)
	info.Status = models.ConnectingMCPStatus
	info.LastHeartbeat = nil

	c.mu.Lock()
	if _, exists := c.mcps[info.ID]; exists {
		c.mu.Unlock()
		return errors.Wrapf(ErrAlreadyExists, "mcp %s", info.ID)
	}
	entry := &mcpEntry{info: info, transport: transport}
	c.mcps[info.ID] = entry
	c.mu.Unlock()

	connectErr := c.connect(ctx, entry)
	if connectErr != nil {
		c.logger.Warnf("MCP %s registered but not connected: %v", info.ID, connectErr)
	} else {
		c.logger.Infof("Registered MCP %s (%s) at %s", info.ID, info.Name, info.Endpoint)
	}
	c.events.Emit(EventMCPRegistered, map[string]interface{}{
		"mcp_id":   info.ID,
		"name":     info.Name,
		"endpoint": info.Endpoint,
	})
	return nil
}

func (c *MCPCoordinator) connect(ctx context.Context, entry *mcpEntry) error {
	connCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	err := entry.transport.Connect(connCtx)

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if _, internal := entry.transport.(*internalTransport); internal {
			entry.info.Status = models.DisconnectedMCPStatus
		} else {
			entry.info.Status = models.ErrorMCPStatus
		}
		return err
	}
	entry.info.Status = models.ConnectedMCPStatus
	entry.info.LastHeartbeat = &now
	return nil
}

// UnregisterMCP removes the MCP and closes its transport.
func (c *MCPCoordinator) UnregisterMCP(_ context.Context, id string) bool {
	c.mu.Lock()
	entry, ok := c.mcps[id]
	if ok {
		delete(c.mcps, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := entry.transport.Close(); err != nil {
		c.logger.Warnf("Failed to close MCP %s: %v", id, err)
	}
	c.logger.Infof("Unregistered MCP %s", id)
	c.events.Emit(EventMCPUnregistered, map[string]interface{}{"mcp_id": id})
	return true
}

func (c *MCPCoordinator) GetMCP(id string) (models.MCPInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.mcps[id]
	if !ok {
		return models.MCPInfo{}, notFoundErrorf("mcp %s", id)
	}
	return copyMCPInfo(entry.info), nil
}

// ListMCPs returns every registered MCP ordered by id.
func (c *MCPCoordinator) ListMCPs() []models.MCPInfo {
	c.mu.RLock()
	out := make([]models.MCPInfo, 0, len(c.mcps))
	for _, e := range c.mcps {
		out = append(out, copyMCPInfo(e.info))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyMCPInfo(info models.MCPInfo) models.MCPInfo {
	info.Capabilities = append([]string(nil), info.Capabilities...)
	if info.LastHeartbeat != nil {
		hb := *info.LastHeartbeat
		info.LastHeartbeat = &hb
	}
	return info
}

// CallMCP invokes method on the MCP. Every invocation, including the ones
// rejected before dispatch, lands in the call history.
func (c *MCPCoordinator) CallMCP(ctx context.Context, id, method string, params map[string]interface{}) (result interface{}, err error) {
	start := c.now()
	defer func() {
		c.recordCall(id, method, params, start, err)
	}()

	c.mu.RLock()
	entry, ok := c.mcps[id]
	var info models.MCPInfo
	var transport mcpTransport
	if ok {
		info = entry.info
		transport = entry.transport
	}
	c.mu.RUnlock()

	if !ok {
		return nil, notFoundErrorf("mcp %s", id)
	}
	if info.Status != models.ConnectedMCPStatus {
		return nil, errors.Wrapf(ErrUnavailable, "mcp %s is %s", id, info.Status)
	}
	if !info.HasCapability(method) {
		return nil, errors.Wrapf(ErrUnsupportedOperation, "mcp %s does not support %q", id, method)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	result, err = transport.Call(callCtx, method, params)
	if err != nil {
		return nil, classifyCallErr(callCtx, err, "call %s.%s", id, method)
	}
	return result, nil
}

// classifyCallErr keeps taxonomy errors as they are and files everything
// else under ErrTimeout or ErrExecution.
func classifyCallErr(ctx context.Context, err error, format string, args ...interface{}) error {
	for _, sentinel := range []error{ErrTimeout, ErrUnavailable, ErrUnsupportedOperation, ErrNotFound, ErrValidation, ErrResourceExhausted, ErrExecution} {
		if errors.Is(err, sentinel) {
			return errors.Wrapf(err, format, args...)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, format+": %v", append(args, err)...)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(ErrExecution, format+": %v", append(args, err)...)
}

func (c *MCPCoordinator) recordCall(id, method string, params map[string]interface{}, start time.Time, err error) {
	elapsed := c.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	record := models.MCPCallRecord{
		ID:        uuid.NewString(),
		MCPID:     id,
		Method:    method,
		Params:    copyParams(params),
		Duration:  elapsed,
		Success:   err == nil,
		Timestamp: start,
	}
	if err != nil {
		record.Error = err.Error()
	}

	c.mu.Lock()
	c.history.push(record)
	c.mu.Unlock()

	data := map[string]interface{}{
		"mcp_id":      id,
		"method":      method,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		data["error"] = record.Error
		c.events.Emit(EventMCPCallError, data)
		return
	}
	c.events.Emit(EventMCPCallSuccess, data)
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// GetCallHistory returns up to limit of the most recent calls, oldest first.
func (c *MCPCoordinator) GetCallHistory(limit int) []models.MCPCallRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.last(limit)
}

func (c *MCPCoordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat pings every MCP. One whose last heartbeat is older than three
// intervals is marked disconnected and reconnected.
func (c *MCPCoordinator) heartbeat(ctx context.Context) {
	c.mu.RLock()
	entries := make([]*mcpEntry, 0, len(c.mcps))
	for _, e := range c.mcps {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	staleAfter := 3 * c.cfg.HeartbeatInterval
	for _, entry := range entries {
		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err := entry.transport.Ping(pingCtx)
		cancel()

		now := c.now()
		c.mu.Lock()
		id := entry.info.ID
		if err == nil && entry.info.Status == models.ConnectedMCPStatus {
			entry.info.LastHeartbeat = &now
			c.mu.Unlock()
			continue
		}
		last := entry.info.LastHeartbeat
		stale := last == nil || now.Sub(*last) > staleAfter
		if stale && entry.info.Status == models.ConnectedMCPStatus {
			entry.info.Status = models.DisconnectedMCPStatus
			c.logger.Warnf("MCP %s missed heartbeats, marked disconnected", id)
		}
		needsReconnect := entry.info.Status != models.ConnectedMCPStatus
		c.mu.Unlock()

		if err != nil {
			c.logger.Debugf("Heartbeat to MCP %s failed: %v", id, err)
		}
		if needsReconnect {
			if err := c.connect(ctx, entry); err != nil {
				c.logger.Debugf("Reconnect to MCP %s failed: %v", id, err)
			} else {
				c.logger.Infof("Reconnected MCP %s", id)
			}
		}
	}
}
