package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jg-phare/mcphost/pkg/mcp"
)

// Defaults for hosts created without the corresponding options.
const (
	DefaultMaxRunning    = 8
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
)

// TransportFactory creates the transport for one server start. Tests swap
// this out to avoid spawning real processes.
type TransportFactory func(cfg mcp.StdioConfig, corr *mcp.Correlator, hooks mcp.TransportHooks) (mcp.Transport, error)

// Host manages a set of tool servers: registration, lifecycle, tool
// discovery, and dispatch. All request identifiers across all servers come
// from one shared correlator, so the pending table is host-wide.
type Host struct {
	mu      sync.RWMutex
	servers map[string]*ServerInstance

	corr *mcp.Correlator
	bus  *Bus
	info mcp.ClientInfo

	maxRunning     int
	requestTimeout time.Duration
	graceWindow    time.Duration
	retryAttempts  int
	retryDelay     time.Duration

	// active counts servers that are starting or running. Kept as its own
	// atomic so the capacity check never needs more than one lock.
	active atomic.Int64

	factory TransportFactory
}

// Option configures a Host.
type Option func(*Host)

// WithMaxRunning caps how many servers may run at once.
func WithMaxRunning(n int) Option {
	return func(h *Host) { h.maxRunning = n }
}

// WithRequestTimeout bounds each JSON-RPC request.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Host) { h.requestTimeout = d }
}

// WithGraceWindow sets how long a stop waits after SIGTERM before SIGKILL.
func WithGraceWindow(d time.Duration) Option {
	return func(h *Host) { h.graceWindow = d }
}

// WithRetry sets the tool-call retry budget and the base backoff delay.
// The delay before retry n is n times the base.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(h *Host) {
		h.retryAttempts = attempts
		h.retryDelay = delay
	}
}

// WithClientInfo sets the identity announced during the initialize handshake.
func WithClientInfo(info mcp.ClientInfo) Option {
	return func(h *Host) { h.info = info }
}

// WithTransportFactory replaces the stdio transport constructor.
func WithTransportFactory(f TransportFactory) Option {
	return func(h *Host) { h.factory = f }
}

// New creates a Host with its own event bus and correlator.
func New(opts ...Option) *Host {
	h := &Host{
		servers:        make(map[string]*ServerInstance),
		corr:           mcp.NewCorrelator(),
		bus:            NewBus(),
		info:           mcp.ClientInfo{Name: "mcphost", Version: "0.1.0"},
		maxRunning:     DefaultMaxRunning,
		requestTimeout: mcp.DefaultRequestTimeout,
		graceWindow:    mcp.DefaultGraceWindow,
		retryAttempts:  DefaultRetryAttempts,
		retryDelay:     DefaultRetryDelay,
	}
	h.factory = func(cfg mcp.StdioConfig, corr *mcp.Correlator, hooks mcp.TransportHooks) (mcp.Transport, error) {
		return mcp.NewStdioTransport(cfg, corr, hooks)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Events exposes the host's event bus for subscribers.
func (h *Host) Events() *Bus { return h.bus }

func (h *Host) lookup(id string) (*ServerInstance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.servers[id]
	return inst, ok
}

// AddServer registers a server. When the config asks for auto-start the
// server is started immediately and any start failure is returned, with the
// registration kept either way.
func (h *Host) AddServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	inst := newServerInstance(cfg)

	h.mu.Lock()
	if _, exists := h.servers[cfg.ID]; exists {
		h.mu.Unlock()
		return &DuplicateServerError{ID: cfg.ID}
	}
	h.servers[cfg.ID] = inst
	h.mu.Unlock()

	h.bus.Publish(Event{Type: EventServerAdded, Server: cfg.ID})

	if cfg.AutoStart {
		return h.StartServer(ctx, cfg.ID)
	}
	return nil
}

// StartServer spawns a registered server and runs the startup handshake:
// initialize, the initialized notification, then tool discovery. Discovery
// failure is tolerated; the server runs with an empty catalog. Starting a
// running server is a no-op; starting one whose handshake is already in
// flight waits for that handshake's outcome.
func (h *Host) StartServer(ctx context.Context, id string) error {
	inst, ok := h.lookup(id)
	if !ok {
		return &NotFoundError{Server: id}
	}

	inst.mu.Lock()
	if inst.status == StatusRunning {
		inst.mu.Unlock()
		return nil
	}
	if inst.status == StatusStarting {
		done := inst.startDone
		inst.mu.Unlock()
		return h.awaitStart(ctx, inst, done)
	}
	if !h.tryReserveSlot() {
		inst.mu.Unlock()
		return &CapacityError{Limit: h.maxRunning}
	}
	old := inst.transport
	inst.transport = nil
	inst.status = StatusStarting
	inst.lastErr = ""
	inst.startDone = make(chan struct{})
	cfg := inst.config
	inst.mu.Unlock()

	h.bus.Publish(Event{Type: EventServerStarting, Server: id})

	// An errored server can still hold a live process; reap it before
	// spawning the replacement.
	if old != nil {
		_ = old.Close()
	}

	tr, err := h.factory(mcp.StdioConfig{
		ServerID:       id,
		Command:        cfg.Command,
		Args:           cfg.Args,
		Env:            cfg.Env,
		Dir:            cfg.Dir,
		RequestTimeout: h.requestTimeout,
		GraceWindow:    h.graceWindow,
	}, h.corr, h.hooksFor(inst))
	if err != nil {
		return h.startFailed(inst, nil, "spawn", err)
	}

	inst.mu.Lock()
	if inst.status != StatusStarting {
		// Stopped while spawning; the stop's state wins.
		inst.mu.Unlock()
		_ = tr.Close()
		return &HandshakeError{Server: id, Step: "startup", Err: mcp.ErrTransportClosed}
	}
	inst.transport = tr
	inst.pid = tr.PID()
	inst.startedAt = time.Now()
	inst.mu.Unlock()

	res, err := tr.Send(ctx, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      h.info,
	})
	if err != nil {
		return h.startFailed(inst, tr, "initialize", err)
	}
	if res.Error != nil {
		return h.startFailed(inst, tr, "initialize", res.Error)
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &init); err != nil {
		return h.startFailed(inst, tr, "initialize", fmt.Errorf("decode result: %w", err))
	}

	if err := tr.Notify(ctx, mcp.MethodInitialized, nil); err != nil {
		return h.startFailed(inst, tr, "initialized", err)
	}

	// Discovery is best effort: a server that cannot list tools still runs.
	var tools []Tool
	if listRes, err := tr.Send(ctx, mcp.MethodToolsList, nil); err != nil {
		log.Printf("host %s: tool discovery failed: %v", id, err)
	} else if listRes.Error != nil {
		log.Printf("host %s: tool discovery failed: %v", id, listRes.Error)
	} else {
		var list mcp.ToolsListResult
		if err := json.Unmarshal(listRes.Result, &list); err != nil {
			log.Printf("host %s: tool discovery failed: %v", id, err)
		} else {
			tools = inst.visibleTools(list.Tools)
		}
	}

	inst.mu.Lock()
	if inst.transport != tr {
		// Stopped out from under the handshake.
		inst.mu.Unlock()
		return &HandshakeError{Server: id, Step: "startup", Err: mcp.ErrTransportClosed}
	}
	select {
	case <-tr.Done():
		// The process died after answering; it must not be reported
		// running with a dead handle.
		inst.mu.Unlock()
		return h.startFailed(inst, tr, "startup", errors.New("process exited during startup"))
	default:
	}
	inst.status = StatusRunning
	inst.capabilities = init.Capabilities
	inst.tools = tools
	inst.endStartWait()
	inst.mu.Unlock()

	h.bus.Publish(Event{Type: EventServerStarted, Server: id})
	h.bus.Publish(Event{Type: EventToolsDiscovered, Server: id, Tools: tools})
	return nil
}

// awaitStart blocks until an in-flight handshake settles and reports its
// outcome, so concurrent callers see success only once the server runs.
func (h *Host) awaitStart(ctx context.Context, inst *ServerInstance, done <-chan struct{}) error {
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst.mu.Lock()
	status := inst.status
	lastErr := inst.lastErr
	inst.mu.Unlock()

	switch status {
	case StatusRunning:
		return nil
	case StatusError:
		return &HandshakeError{Server: inst.id, Step: "startup", Err: errors.New(lastErr)}
	default:
		return &HandshakeError{Server: inst.id, Step: "startup", Err: errors.New("stopped before running")}
	}
}

// startFailed tears down a partially started server and records the error.
// If a deliberate stop already finalized the instance, its state wins and
// only the error is reported back.
func (h *Host) startFailed(inst *ServerInstance, tr mcp.Transport, step string, cause error) error {
	if tr != nil {
		_ = tr.Close()
	}

	err := &HandshakeError{Server: inst.id, Step: step, Err: cause}

	inst.mu.Lock()
	if inst.status != StatusStarting {
		inst.mu.Unlock()
		return err
	}
	inst.status = StatusError
	inst.lastErr = cause.Error()
	inst.clearProcessState()
	inst.endStartWait()
	h.releaseSlot()
	inst.mu.Unlock()

	h.bus.Publish(Event{Type: EventServerError, Server: inst.id, Error: err.Error()})
	return err
}

// tryReserveSlot claims one capacity slot, failing when maxRunning servers
// are already starting or running.
func (h *Host) tryReserveSlot() bool {
	for {
		n := h.active.Load()
		if int(n) >= h.maxRunning {
			return false
		}
		if h.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// releaseSlot frees a slot when an instance leaves starting or running.
func (h *Host) releaseSlot() { h.active.Add(-1) }

func (h *Host) hooksFor(inst *ServerInstance) mcp.TransportHooks {
	return mcp.TransportHooks{
		OnText: func(line string) {
			h.bus.Publish(Event{Type: EventServerMessage, Server: inst.id, Message: line})
		},
		OnStderr: func(line string) {
			h.handleStderr(inst, line)
		},
		OnNotification: func(msg mcp.JSONRPCMessage) {
			h.bus.Publish(Event{Type: EventServerMessage, Server: inst.id, Message: msg.Method})
		},
		OnExit: func(err error) {
			h.handleExit(inst, err)
		},
	}
}

// handleExit finalizes an unexpected process exit. Deliberate stops clear
// the transport before closing it, and a failed handshake cleans up itself,
// so those paths leave nothing for this to do.
func (h *Host) handleExit(inst *ServerInstance, waitErr error) {
	inst.mu.Lock()
	if inst.transport == nil || inst.status == StatusStarting {
		inst.mu.Unlock()
		return
	}
	prev := inst.status
	inst.clearProcessState()
	if prev == StatusRunning {
		inst.status = StatusStopped
		h.releaseSlot()
		if waitErr != nil {
			inst.lastErr = waitErr.Error()
		}
	}
	inst.mu.Unlock()

	if prev == StatusRunning {
		h.bus.Publish(Event{Type: EventServerStopped, Server: inst.id})
	}
}

func (h *Host) handleStderr(inst *ServerInstance, line string) {
	h.bus.Publish(Event{Type: EventServerStderr, Server: inst.id, Message: line})

	if !fatalStderr(line) {
		return
	}

	inst.mu.Lock()
	marked := inst.status == StatusRunning
	if marked {
		inst.status = StatusError
		inst.lastErr = line
		h.releaseSlot()
	}
	inst.mu.Unlock()

	if marked {
		h.bus.Publish(Event{Type: EventServerError, Server: inst.id, Error: line})
	}
}

// fatalStderr is a substring heuristic and nothing more: servers log benign
// lines containing "Error", and real failures can avoid every marker. It
// only influences the reported status; the process is left alone.
func fatalStderr(line string) bool {
	for _, marker := range []string{"Error", "ENOENT", "command not found"} {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// StopServer terminates a server's process and resets it to stopped. The
// transport is detached before the kill so the exit handler knows the stop
// was deliberate. Stopping a stopped or unregistered server is a no-op.
func (h *Host) StopServer(id string) error {
	inst, ok := h.lookup(id)
	if !ok {
		return nil
	}
	h.stopInstance(inst)
	return nil
}

func (h *Host) stopInstance(inst *ServerInstance) {
	inst.mu.Lock()
	tr := inst.transport
	prev := inst.status
	inst.clearProcessState()
	inst.status = StatusStopped
	if prev == StatusStarting || prev == StatusRunning {
		h.releaseSlot()
	}
	inst.endStartWait()
	inst.mu.Unlock()

	if tr != nil {
		// Blocks until the process is reaped; pending requests for this
		// server fail as part of the transport shutdown.
		_ = tr.Close()
	}
	if prev != StatusStopped {
		h.bus.Publish(Event{Type: EventServerStopped, Server: inst.id})
	}
}

// RemoveServer stops a server if needed and drops its registration. Removing
// an unknown ID is a no-op.
func (h *Host) RemoveServer(id string) {
	h.mu.Lock()
	inst, ok := h.servers[id]
	if ok {
		delete(h.servers, id)
	}
	h.mu.Unlock()

	if ok {
		h.stopInstance(inst)
	}
}

// ToolCall names a tool on a specific server together with its arguments.
type ToolCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
}

// ExecuteTool dispatches a tool call to a running server, retrying failed
// attempts with linearly growing backoff. It never starts a server; calls
// against anything but a running server fail immediately. The returned bytes
// are the server's result object, verbatim.
func (h *Host) ExecuteTool(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	inst, ok := h.lookup(call.Server)
	if !ok {
		return nil, &NotFoundError{Server: call.Server}
	}

	inst.mu.Lock()
	if inst.status != StatusRunning {
		status := inst.status
		inst.mu.Unlock()
		return nil, &NotRunningError{Server: call.Server, Status: status}
	}
	known := false
	for _, t := range inst.tools {
		if t.Name == call.Tool {
			known = true
			break
		}
	}
	tr := inst.transport
	inst.mu.Unlock()

	if !known {
		return nil, &NotFoundError{Server: call.Server, Tool: call.Tool}
	}

	params := mcp.ToolCallParams{Name: call.Tool, Arguments: call.Arguments}
	var lastErr error
	for attempt := 1; attempt <= h.retryAttempts; attempt++ {
		res, err := tr.Send(ctx, mcp.MethodToolsCall, params)
		switch {
		case err != nil:
			lastErr = err
		case res.Error != nil:
			lastErr = res.Error
		default:
			return res.Result, nil
		}

		if attempt == h.retryAttempts {
			break
		}
		log.Printf("host %s: tool %s attempt %d failed: %v", call.Server, call.Tool, attempt, lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * h.retryDelay):
		}
	}
	return nil, &ToolExecutionError{
		Tool:     call.Tool,
		Server:   call.Server,
		Attempts: h.retryAttempts,
		Err:      lastErr,
	}
}

// GetServers returns a snapshot of every registered server, sorted by ID.
func (h *Host) GetServers() []ServerState {
	h.mu.RLock()
	insts := make([]*ServerInstance, 0, len(h.servers))
	for _, inst := range h.servers {
		insts = append(insts, inst)
	}
	h.mu.RUnlock()

	states := make([]ServerState, 0, len(insts))
	for _, inst := range insts {
		states = append(states, inst.snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// ServerStatus returns the snapshot for one server.
func (h *Host) ServerStatus(id string) (ServerState, bool) {
	inst, ok := h.lookup(id)
	if !ok {
		return ServerState{}, false
	}
	return inst.snapshot(), true
}

// AllTools returns the tools of every running server, sorted by server then
// tool name.
func (h *Host) AllTools() []Tool {
	var tools []Tool
	for _, st := range h.GetServers() {
		if st.Status != StatusRunning {
			continue
		}
		tools = append(tools, st.Tools...)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// FindTool locates a tool by name across running servers. A non-empty
// serverID restricts the search to that server.
func (h *Host) FindTool(name, serverID string) (Tool, bool) {
	for _, t := range h.AllTools() {
		if t.Name != name {
			continue
		}
		if serverID != "" && t.Server != serverID {
			continue
		}
		return t, true
	}
	return Tool{}, false
}

// SetServersResult summarizes one reconciliation pass.
type SetServersResult struct {
	Added   []string
	Removed []string
	Failed  map[string]error
}

// SetServers reconciles the registration set against a desired config map:
// servers absent from the map are removed, unknown IDs are added. Existing
// registrations keep their current config. Map keys override config IDs.
func (h *Host) SetServers(ctx context.Context, configs map[string]ServerConfig) *SetServersResult {
	res := &SetServersResult{Failed: make(map[string]error)}

	h.mu.RLock()
	existing := make([]string, 0, len(h.servers))
	for id := range h.servers {
		existing = append(existing, id)
	}
	h.mu.RUnlock()

	for _, id := range existing {
		if _, keep := configs[id]; !keep {
			h.RemoveServer(id)
			res.Removed = append(res.Removed, id)
		}
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, exists := h.lookup(id); exists {
			continue
		}
		cfg := configs[id]
		cfg.ID = id
		if err := h.AddServer(ctx, cfg); err != nil {
			res.Failed[id] = err
			continue
		}
		res.Added = append(res.Added, id)
	}
	return res
}

// Cleanup stops every registered server in parallel and drops all
// registrations. The host remains usable afterwards.
func (h *Host) Cleanup() {
	h.mu.Lock()
	insts := make([]*ServerInstance, 0, len(h.servers))
	for _, inst := range h.servers {
		insts = append(insts, inst)
	}
	h.servers = make(map[string]*ServerInstance)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *ServerInstance) {
			defer wg.Done()
			h.stopInstance(inst)
		}(inst)
	}
	wg.Wait()
}
