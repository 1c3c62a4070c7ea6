package mcp

import "context"

// Transport abstracts bidirectional JSON-RPC communication with a tool server.
type Transport interface {
	// Send sends a JSON-RPC request and returns the correlated response.
	Send(ctx context.Context, method string, params any) (JSONRPCResponse, error)
	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
	// PID returns the subprocess identifier, or 0 if none is attached.
	PID() int
	// Done is closed once the subprocess has exited.
	Done() <-chan struct{}
	// Close terminates the transport, ending the subprocess if needed.
	Close() error
}

// TransportHooks carry subprocess observations out of a transport. All hooks
// are optional and are invoked from the transport's reader goroutines.
type TransportHooks struct {
	// OnText receives non-protocol lines printed to the server's stdout.
	OnText func(line string)
	// OnStderr receives lines printed to the server's stderr.
	OnStderr func(line string)
	// OnNotification receives server-initiated notifications.
	OnNotification func(msg JSONRPCMessage)
	// OnExit fires once when the subprocess exits, with its Wait error.
	OnExit func(err error)
}
