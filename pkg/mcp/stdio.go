package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrTransportClosed is returned by Send/Notify after the subprocess has
// exited or Close was called.
var ErrTransportClosed = errors.New("transport closed")

// Default timing for stdio transports.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultGraceWindow    = 5 * time.Second
)

// StdioConfig describes how to spawn a tool-server subprocess.
type StdioConfig struct {
	ServerID string
	Command  string
	Args     []string
	Env      map[string]string
	Dir      string

	// RequestTimeout bounds each Send; zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// GraceWindow is how long Close waits after SIGTERM before SIGKILL;
	// zero means DefaultGraceWindow.
	GraceWindow time.Duration
}

// StdioTransport spawns a child process and speaks newline-delimited
// JSON-RPC over its stdin/stdout. Request identifiers come from a correlator
// shared across all of a host's transports, so responses are matched in one
// table no matter which server produced them.
type StdioTransport struct {
	cfg   StdioConfig
	corr  *Correlator
	hooks TransportHooks

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	writeMu sync.Mutex // serializes writes to stdin

	done      chan struct{} // closed when the process has exited
	closeOnce sync.Once
}

// NewStdioTransport spawns the configured command and starts its reader
// goroutines. The subprocess environment is the host's own environment
// overlaid with cfg.Env.
func NewStdioTransport(cfg StdioConfig, corr *Correlator, hooks TransportHooks) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, errors.New("stdio transport requires a command")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = launchEnv(cfg.Env)
	cmd.Dir = cfg.Dir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	t := &StdioTransport{
		cfg:   cfg,
		corr:  corr,
		hooks: hooks,
		cmd:   cmd,
		stdin: stdinPipe,
		pid:   cmd.Process.Pid,
		done:  make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go t.readLoop(stdoutPipe, &readers)
	go t.stderrLoop(stderrPipe, &readers)
	go t.waitLoop(&readers)

	return t, nil
}

// readLoop feeds raw stdout chunks into the framer until the pipe closes.
func (t *StdioTransport) readLoop(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	framer := NewFramer(t.dispatch, t.hooks.OnText)
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one framed protocol message.
func (t *StdioTransport) dispatch(msg JSONRPCMessage) {
	switch {
	case msg.IsResponse():
		if !t.corr.Resolve(msg.Response()) {
			// Late or unsolicited response; drop without effect.
			log.Printf("mcp %s: dropping response for unknown request id %d", t.cfg.ServerID, *msg.ID)
		}
	case msg.IsNotification():
		if t.hooks.OnNotification != nil {
			t.hooks.OnNotification(msg)
		}
	default:
		// Server-to-host requests are not part of the host contract.
		log.Printf("mcp %s: ignoring server request %q", t.cfg.ServerID, msg.Method)
	}
}

func (t *StdioTransport) stderrLoop(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if t.hooks.OnStderr != nil {
			t.hooks.OnStderr(scanner.Text())
		}
	}
}

// waitLoop reaps the process, fails any requests still pending for this
// server, and reports the exit upward.
func (t *StdioTransport) waitLoop(readers *sync.WaitGroup) {
	readers.Wait()
	err := t.cmd.Wait()

	// Fail in-flight requests before the done channel unblocks Close, so a
	// restart never races old failures against a fresh handshake.
	t.corr.FailServer(t.cfg.ServerID, fmt.Errorf("server %q: %w", t.cfg.ServerID, ErrTransportClosed))
	close(t.done)

	if t.hooks.OnExit != nil {
		t.hooks.OnExit(err)
	}
}

// Send writes a request to the server's stdin and waits for the correlated
// response, the request timeout, or context cancellation — whichever comes
// first. A timed-out identifier is removed from the pending table before the
// error is returned, so a late response cannot resolve this caller.
func (t *StdioTransport) Send(ctx context.Context, method string, params any) (JSONRPCResponse, error) {
	select {
	case <-t.done:
		return JSONRPCResponse{}, fmt.Errorf("send %s: %w", method, ErrTransportClosed)
	default:
	}

	id, ch := t.corr.Register(t.cfg.ServerID)

	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		t.corr.Remove(id)
		return JSONRPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if err := t.write(data); err != nil {
		t.corr.Remove(id)
		return JSONRPCResponse{}, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return JSONRPCResponse{}, res.err
		}
		return res.resp, nil
	case <-timer.C:
		if t.corr.Remove(id) {
			return JSONRPCResponse{}, &TimeoutError{Method: method, After: t.cfg.RequestTimeout}
		}
		// A response won the race; it is already buffered.
		res := <-ch
		if res.err != nil {
			return JSONRPCResponse{}, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		if t.corr.Remove(id) {
			return JSONRPCResponse{}, ctx.Err()
		}
		res := <-ch
		if res.err != nil {
			return JSONRPCResponse{}, res.err
		}
		return res.resp, nil
	}
}

// Notify writes a JSON-RPC notification (no ID, no response expected).
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	select {
	case <-t.done:
		return fmt.Errorf("notify %s: %w", method, ErrTransportClosed)
	default:
	}

	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := t.write(data); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

// PID returns the subprocess identifier.
func (t *StdioTransport) PID() int { return t.pid }

// Done is closed once the subprocess has exited.
func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// Close terminates the child process: close stdin, SIGTERM, wait out the
// grace window, SIGKILL. It blocks until the process has been reaped.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()

		select {
		case <-t.done:
			return
		default:
		}

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-t.done:
		case <-time.After(t.cfg.GraceWindow):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.done
		}
	})

	<-t.done
	return nil
}
