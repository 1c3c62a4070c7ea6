package host

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jg-phare/mcphost/pkg/mcp"
)

// Status is a server's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Tool is one entry in a server's discovered catalog, tagged with the server
// that owns it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Server      string          `json:"server"`
}

// ServerInstance is the host's record of one registered server. All mutable
// fields are guarded by mu; callers outside this package only ever see
// snapshots.
type ServerInstance struct {
	id     string
	config ServerConfig

	mu           sync.Mutex
	status       Status
	transport    mcp.Transport
	capabilities map[string]json.RawMessage
	tools        []Tool
	lastErr      string
	pid          int
	startedAt    time.Time

	// startDone is non-nil while a handshake is in flight and closed when
	// it settles, letting concurrent starters wait for the outcome.
	startDone chan struct{}
}

// ServerState is a point-in-time snapshot of a server, safe to retain.
type ServerState struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name,omitempty"`
	Description  string                     `json:"description,omitempty"`
	Status       Status                     `json:"status"`
	Capabilities map[string]json.RawMessage `json:"capabilities,omitempty"`
	Tools        []Tool                     `json:"tools,omitempty"`
	Error        string                     `json:"error,omitempty"`
	PID          int                        `json:"pid,omitempty"`
	StartedAt    time.Time                  `json:"startedAt,omitzero"`
}

func newServerInstance(cfg ServerConfig) *ServerInstance {
	return &ServerInstance{
		id:     cfg.ID,
		config: cfg,
		status: StatusStopped,
	}
}

// snapshot copies the instance state under its lock.
func (s *ServerInstance) snapshot() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServerState{
		ID:          s.id,
		Name:        s.config.Name,
		Description: s.config.Description,
		Status:      s.status,
		Error:       s.lastErr,
		PID:         s.pid,
		StartedAt:   s.startedAt,
	}
	if len(s.capabilities) > 0 {
		st.Capabilities = make(map[string]json.RawMessage, len(s.capabilities))
		for k, v := range s.capabilities {
			st.Capabilities[k] = v
		}
	}
	if len(s.tools) > 0 {
		st.Tools = append([]Tool(nil), s.tools...)
	}
	return st
}

// visibleTools filters a discovered catalog through the config's allow and
// deny patterns. Safe without the lock: config is immutable after creation.
func (s *ServerInstance) visibleTools(discovered []mcp.ToolInfo) []Tool {
	tools := make([]Tool, 0, len(discovered))
	for _, t := range discovered {
		if !s.config.toolVisible(t.Name) {
			continue
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Server:      s.id,
		})
	}
	return tools
}

// endStartWait releases anyone blocked on an in-flight start. Caller holds
// s.mu.
func (s *ServerInstance) endStartWait() {
	if s.startDone != nil {
		close(s.startDone)
		s.startDone = nil
	}
}

// clearProcessState resets every field derived from a live process. Caller
// holds s.mu.
func (s *ServerInstance) clearProcessState() {
	s.transport = nil
	s.capabilities = nil
	s.tools = nil
	s.pid = 0
	s.startedAt = time.Time{}
}
