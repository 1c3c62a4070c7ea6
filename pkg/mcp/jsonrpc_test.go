package mcp

import (
	"encoding/json"
	"testing"
)

func TestMessageClassification(t *testing.T) {
	id := int64(7)

	resp := JSONRPCMessage{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(`{}`)}
	if !resp.IsResponse() || resp.IsNotification() {
		t.Error("message with id and no method should classify as response")
	}

	note := JSONRPCMessage{JSONRPC: "2.0", Method: "notifications/progress"}
	if note.IsResponse() || !note.IsNotification() {
		t.Error("message with method and no id should classify as notification")
	}

	// A server-to-host request has both; it is neither of the above.
	req := JSONRPCMessage{JSONRPC: "2.0", ID: &id, Method: "sampling/createMessage"}
	if req.IsResponse() || req.IsNotification() {
		t.Error("message with both id and method should classify as request")
	}
}

func TestRequestWireShape(t *testing.T) {
	data, err := json.Marshal(newRequest(42, MethodToolsList, nil))
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["jsonrpc"]) != `"2.0"` {
		t.Errorf("jsonrpc field: got %s", raw["jsonrpc"])
	}
	if string(raw["id"]) != "42" {
		t.Errorf("id field: got %s", raw["id"])
	}
	if _, ok := raw["params"]; ok {
		t.Error("nil params should be omitted")
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(newNotification(MethodInitialized, nil))
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["id"]; ok {
		t.Error("notification must not carry an id")
	}
	if string(raw["method"]) != `"notifications/initialized"` {
		t.Errorf("method field: got %s", raw["method"])
	}
}
