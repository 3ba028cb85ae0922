package models

import "time"

type MCPStatus string

const (
	UnknownMCPStatus      MCPStatus = "unknown"
	ConnectingMCPStatus   MCPStatus = "connecting"
	ConnectedMCPStatus    MCPStatus = "connected"
	DisconnectedMCPStatus MCPStatus = "disconnected"
	ErrorMCPStatus        MCPStatus = "error"
)

// MCPInfo describes a registered capability provider.
type MCPInfo struct {
	ID            string                 `json:"id" yaml:"id" validate:"required"`
	Name          string                 `json:"name" yaml:"name" validate:"required"`
	Version       string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Capabilities  []string               `json:"capabilities" yaml:"capabilities"`
	Endpoint      string                 `json:"endpoint" yaml:"endpoint" validate:"required"` // internal://, http(s)://, ws(s)://
	Status        MCPStatus              `json:"status"`
	LastHeartbeat *time.Time             `json:"last_heartbeat,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether method is advertised by the MCP.
func (m MCPInfo) HasCapability(method string) bool {
	for _, c := range m.Capabilities {
		if c == method {
			return true
		}
	}
	return false
}

// MCPCallRecord is one entry of the call history.
type MCPCallRecord struct {
	ID        string                 `json:"id"`
	MCPID     string                 `json:"mcp_id"`
	Method    string                 `json:"method"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
