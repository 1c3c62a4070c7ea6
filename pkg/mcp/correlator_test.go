package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestCorrelatorIDsStrictlyIncreaseAcrossServers(t *testing.T) {
	c := NewCorrelator()

	var last int64
	for i := 0; i < 10; i++ {
		server := "a"
		if i%2 == 1 {
			server = "b"
		}
		id, _ := c.Register(server)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
	if c.PendingCount() != 10 {
		t.Errorf("expected 10 pending, got %d", c.PendingCount())
	}
}

func TestCorrelatorResolveDelivers(t *testing.T) {
	c := NewCorrelator()
	id, ch := c.Register("srv")

	if !c.Resolve(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: json.RawMessage(`{"ok":true}`)}) {
		t.Fatal("Resolve returned false for a pending id")
	}

	res := <-ch
	if res.err != nil {
		t.Fatal(res.err)
	}
	if string(res.resp.Result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", res.resp.Result)
	}
	if c.PendingCount() != 0 {
		t.Errorf("entry should be removed after resolve")
	}
}

func TestCorrelatorUnknownIDDropped(t *testing.T) {
	c := NewCorrelator()

	if c.Resolve(JSONRPCResponse{JSONRPC: "2.0", ID: 9999}) {
		t.Error("resolving an unknown id should report false")
	}
}

func TestCorrelatorRemoveWinsOverLateResponse(t *testing.T) {
	c := NewCorrelator()
	id, ch := c.Register("srv")

	if !c.Remove(id) {
		t.Fatal("Remove should succeed while entry is pending")
	}
	// The response arrives after the caller gave up; nothing is delivered.
	if c.Resolve(JSONRPCResponse{JSONRPC: "2.0", ID: id}) {
		t.Error("late response must not resolve a removed entry")
	}
	select {
	case res := <-ch:
		t.Errorf("unexpected delivery: %+v", res)
	default:
	}
}

func TestCorrelatorResolveWinsOverRemove(t *testing.T) {
	c := NewCorrelator()
	id, ch := c.Register("srv")

	if !c.Resolve(JSONRPCResponse{JSONRPC: "2.0", ID: id}) {
		t.Fatal("Resolve should succeed")
	}
	// The caller's timeout fires just after; it must see the lost race and
	// find the buffered response.
	if c.Remove(id) {
		t.Error("Remove should report false once resolved")
	}
	select {
	case res := <-ch:
		if res.err != nil {
			t.Errorf("unexpected error: %v", res.err)
		}
	default:
		t.Error("resolved response should be buffered")
	}
}

func TestCorrelatorFailServerOnlyTouchesOwnRequests(t *testing.T) {
	c := NewCorrelator()
	_, chA := c.Register("a")
	_, chB := c.Register("b")

	cause := errors.New("process exited")
	c.FailServer("a", cause)

	res := <-chA
	if !errors.Is(res.err, cause) {
		t.Errorf("server a request should fail with cause, got %v", res.err)
	}

	select {
	case res := <-chB:
		t.Errorf("server b request should be untouched, got %+v", res)
	default:
	}
	if c.PendingCount() != 1 {
		t.Errorf("expected 1 pending after FailServer, got %d", c.PendingCount())
	}
}

func TestCorrelatorConcurrentRegister(t *testing.T) {
	c := NewCorrelator()

	const n = 100
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = c.Register("srv")
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
