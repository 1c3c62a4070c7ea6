// Command mcphost runs a tool-server host: it spawns the servers named in a
// YAML config, keeps their registrations in sync as the config changes, and
// optionally streams host events to WebSocket clients.
//
// It can also run one-shot tool calls:
//
//	mcphost -config hosts.yaml -call read_file -args '{"path":"go.mod"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/jg-phare/mcphost/pkg/eventstream"
	"github.com/jg-phare/mcphost/pkg/host"
	"github.com/jg-phare/mcphost/pkg/hostconfig"
)

func main() {
	var (
		configPath  = flag.String("config", "mcphost.yaml", "path to host config file")
		listenAddr  = flag.String("listen", "", "address for the event stream server (empty disables it)")
		callTool    = flag.String("call", "", "run a single tool call and exit")
		callServer  = flag.String("server", "", "server ID for -call (default: first server exposing the tool)")
		callArgs    = flag.String("args", "{}", "JSON arguments for -call")
		callTimeout = flag.Duration("timeout", 2*time.Minute, "overall deadline for -call")
	)
	flag.Parse()

	if err := run(*configPath, *listenAddr, *callTool, *callServer, *callArgs, *callTimeout); err != nil {
		log.Fatalf("mcphost: %v", err)
	}
}

func run(configPath, listenAddr, callTool, callServer, callArgs string, callTimeout time.Duration) error {
	lock := flock.New(configPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already using %s", configPath)
	}
	defer lock.Unlock()

	cfg, err := hostconfig.Load(configPath)
	if err != nil {
		return err
	}

	h := host.New(cfg.HostOptions()...)
	defer h.Cleanup()

	ctx := context.Background()
	for _, id := range cfg.ServerIDs() {
		if err := h.AddServer(ctx, cfg.Servers[id]); err != nil {
			// A server that fails to auto-start stays registered; the
			// host carries on with the rest.
			log.Printf("mcphost: server %s: %v", id, err)
		}
	}

	if callTool != "" {
		return oneShot(h, callTool, callServer, callArgs, callTimeout)
	}
	return serve(ctx, h, configPath, listenAddr)
}

// oneShot starts the target server if needed, runs one tool call, and prints
// the raw result object to stdout.
func oneShot(h *host.Host, tool, server, rawArgs string, timeout time.Duration) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Errorf("parse -args: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if server == "" {
		found, ok := h.FindTool(tool, "")
		if !ok {
			return fmt.Errorf("no running server exposes tool %q", tool)
		}
		server = found.Server
	} else if st, ok := h.ServerStatus(server); ok && st.Status != host.StatusRunning {
		if err := h.StartServer(ctx, server); err != nil {
			return err
		}
	}

	result, err := h.ExecuteTool(ctx, host.ToolCall{Server: server, Tool: tool, Arguments: args})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// serve runs the host until interrupted, reloading the config on change and
// serving the event stream when a listen address is set.
func serve(ctx context.Context, h *host.Host, configPath, listenAddr string) error {
	watcher := hostconfig.NewWatcher(configPath, func(f *hostconfig.File) {
		res := h.SetServers(ctx, f.Servers)
		for id, err := range res.Failed {
			log.Printf("mcphost: reload: server %s: %v", id, err)
		}
		if len(res.Added) > 0 || len(res.Removed) > 0 {
			log.Printf("mcphost: reload: %d added, %d removed", len(res.Added), len(res.Removed))
		}
	})
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Stop()

	var httpServer *http.Server
	if listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", eventstream.NewServer(h.Events()))
		httpServer = &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			log.Printf("mcphost: event stream listening on %s", listenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("mcphost: event stream server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("mcphost: shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
