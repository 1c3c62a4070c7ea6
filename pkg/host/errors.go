package host

import "fmt"

// DuplicateServerError reports a registration under an ID that is already taken.
type DuplicateServerError struct {
	ID string
}

func (e *DuplicateServerError) Error() string {
	return fmt.Sprintf("server %q is already registered", e.ID)
}

// NotFoundError reports an unknown server, or an unknown tool on a known server.
type NotFoundError struct {
	Server string
	Tool   string
}

func (e *NotFoundError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %q not found on server %q", e.Tool, e.Server)
	}
	return fmt.Sprintf("server %q not found", e.Server)
}

// CapacityError reports that the running-server limit has been reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("server limit reached (%d running)", e.Limit)
}

// NotRunningError reports a tool call against a server that is not running.
type NotRunningError struct {
	Server string
	Status Status
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("server %q is not running (status %s)", e.Server, e.Status)
}

// HandshakeError reports a failed startup handshake, carrying the step that
// failed and the underlying cause.
type HandshakeError struct {
	Server string
	Step   string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("server %q handshake failed at %s: %v", e.Server, e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ToolExecutionError reports a tool call that exhausted its retry budget,
// wrapping the last attempt's failure.
type ToolExecutionError struct {
	Tool     string
	Server   string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q on server %q failed after %d attempts: %v", e.Tool, e.Server, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
