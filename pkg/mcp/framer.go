package mcp

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
)

// Framer turns a raw byte stream from a subprocess into discrete protocol
// messages. Chunks may split lines at arbitrary boundaries; the trailing
// incomplete fragment is held back until the next Feed. Lines that do not
// look like JSON objects are forwarded as free-form diagnostic text, never
// as protocol messages.
type Framer struct {
	buf []byte

	onMessage func(JSONRPCMessage)
	onText    func(string)
}

// NewFramer creates a framer that delivers parsed messages to onMessage and
// non-protocol lines to onText. Either callback may be nil.
func NewFramer(onMessage func(JSONRPCMessage), onText func(string)) *Framer {
	return &Framer{onMessage: onMessage, onText: onText}
}

// Feed appends a chunk to the inbound buffer and emits every complete line.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return
		}
		line := string(f.buf[:i])
		f.buf = f.buf[i+1:]
		f.emit(line)
	}
}

func (f *Framer) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if !strings.HasPrefix(trimmed, "{") {
		if f.onText != nil {
			f.onText(line)
		}
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		// Malformed JSON is not fatal to the connection; drop the line.
		log.Printf("mcp framer: discarding unparseable line: %v", err)
		return
	}
	if f.onMessage != nil {
		f.onMessage(msg)
	}
}
