// Package eventstream exposes a host's event bus to WebSocket clients.
// Each connected client receives every host event as a JSON text frame.
package eventstream

import (
	"encoding/json"
	"log"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/jg-phare/mcphost/pkg/host"
)

// Server is an http.Handler that upgrades requests to WebSocket and streams
// host events until the client disconnects.
type Server struct {
	bus    *host.Bus
	buffer int
}

// NewServer creates a stream server over the given bus.
func NewServer(bus *host.Bus) *Server {
	return &Server{bus: bus, buffer: 256}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("eventstream: accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// Clients only listen; CloseRead discards inbound frames and cancels
	// the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	subID, events := s.bus.Subscribe(s.buffer)
	defer s.bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("eventstream: marshal event: %v", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
