package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jg-phare/mcphost/pkg/mcp"
)

// mockTransport implements mcp.Transport with pre-programmed responses.
type mockTransport struct {
	mu       sync.Mutex
	results  map[string]json.RawMessage // method → result JSON
	rpcErrs  map[string]*mcp.JSONRPCError
	sendErrs map[string]error
	notified []string
	sent     []string

	// failCalls makes that many leading tools/call attempts return a
	// transient JSON-RPC error before the configured result applies.
	failCalls    int
	callAttempts int

	// initGate, when set, blocks the initialize response until the gate
	// closes or the transport dies. exitAfter simulates the process dying
	// right after answering the named method. Both are set before the
	// transport is handed out and read-only afterwards.
	initGate  chan struct{}
	exitAfter string

	hooks  mcp.TransportHooks
	done   chan struct{}
	closed sync.Once
}

func newMockTransport() *mockTransport {
	m := &mockTransport{
		results:  make(map[string]json.RawMessage),
		rpcErrs:  make(map[string]*mcp.JSONRPCError),
		sendErrs: make(map[string]error),
		done:     make(chan struct{}),
	}
	return m.withInitialize()
}

// withInitialize configures a standard initialize response.
func (m *mockTransport) withInitialize() *mockTransport {
	m.results[mcp.MethodInitialize] = json.RawMessage(
		`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"mock-server","version":"1.0"}}`)
	return m
}

// withTools configures the tools/list response.
func (m *mockTransport) withTools(tools ...mcp.ToolInfo) *mockTransport {
	data, _ := json.Marshal(mcp.ToolsListResult{Tools: tools})
	m.results[mcp.MethodToolsList] = data
	return m
}

// withToolResult configures the tools/call result object.
func (m *mockTransport) withToolResult(raw string) *mockTransport {
	m.results[mcp.MethodToolsCall] = json.RawMessage(raw)
	return m
}

// withRPCError makes a method answer with a JSON-RPC error.
func (m *mockTransport) withRPCError(method string, code int, msg string) *mockTransport {
	m.rpcErrs[method] = &mcp.JSONRPCError{Code: code, Message: msg}
	return m
}

// withSendError makes a method fail at the transport layer.
func (m *mockTransport) withSendError(method string, err error) *mockTransport {
	m.sendErrs[method] = err
	return m
}

// withFlakyCalls makes the first n tools/call attempts fail.
func (m *mockTransport) withFlakyCalls(n int) *mockTransport {
	m.failCalls = n
	return m
}

// withInitGate holds the initialize response until the gate closes.
func (m *mockTransport) withInitGate(gate chan struct{}) *mockTransport {
	m.initGate = gate
	return m
}

// withExitAfter makes the transport die right after answering method.
func (m *mockTransport) withExitAfter(method string) *mockTransport {
	m.exitAfter = method
	return m
}

func (m *mockTransport) Send(_ context.Context, method string, _ any) (mcp.JSONRPCResponse, error) {
	if method == mcp.MethodInitialize && m.initGate != nil {
		select {
		case <-m.initGate:
		case <-m.done:
			return mcp.JSONRPCResponse{}, mcp.ErrTransportClosed
		}
	}

	select {
	case <-m.done:
		return mcp.JSONRPCResponse{}, mcp.ErrTransportClosed
	default:
	}

	resp, err := m.respond(method)
	if m.exitAfter != "" && method == m.exitAfter {
		m.exit(errors.New("process exited"))
	}
	return resp, err
}

func (m *mockTransport) respond(method string) (mcp.JSONRPCResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, method)

	if err, ok := m.sendErrs[method]; ok {
		return mcp.JSONRPCResponse{}, err
	}
	if method == mcp.MethodToolsCall && m.callAttempts < m.failCalls {
		m.callAttempts++
		return mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &mcp.JSONRPCError{Code: -32000, Message: "transient failure"},
		}, nil
	}
	if rpcErr, ok := m.rpcErrs[method]; ok {
		return mcp.JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr}, nil
	}
	result, ok := m.results[method]
	if !ok {
		return mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &mcp.JSONRPCError{Code: -32601, Message: "Method not found: " + method},
		}, nil
	}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", Result: result}, nil
}

func (m *mockTransport) Notify(_ context.Context, method string, _ any) error {
	select {
	case <-m.done:
		return mcp.ErrTransportClosed
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, method)
	return nil
}

func (m *mockTransport) PID() int { return 4242 }

func (m *mockTransport) Done() <-chan struct{} { return m.done }

func (m *mockTransport) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

// exit simulates the subprocess dying on its own.
func (m *mockTransport) exit(err error) {
	m.closed.Do(func() { close(m.done) })
	if m.hooks.OnExit != nil {
		m.hooks.OnExit(err)
	}
}

// stderr simulates a line on the subprocess's stderr.
func (m *mockTransport) stderr(line string) {
	if m.hooks.OnStderr != nil {
		m.hooks.OnStderr(line)
	}
}

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// mockFactory hands out one prepared transport per server ID.
func mockFactory(mocks map[string]*mockTransport) TransportFactory {
	return func(cfg mcp.StdioConfig, _ *mcp.Correlator, hooks mcp.TransportHooks) (mcp.Transport, error) {
		m, ok := mocks[cfg.ServerID]
		if !ok {
			return nil, fmt.Errorf("no mock for server %q", cfg.ServerID)
		}
		m.hooks = hooks
		return m, nil
	}
}

// newTestHost wires a host to mock transports with fast retries.
func newTestHost(mocks map[string]*mockTransport, opts ...Option) *Host {
	base := []Option{
		WithRetry(3, 0),
		WithTransportFactory(mockFactory(mocks)),
	}
	return New(append(base, opts...)...)
}

func testServerConfig(id string) ServerConfig {
	return ServerConfig{ID: id, Command: "/bin/true"}
}
