package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

func TestPendingResolveOK(t *testing.T) {
	p := newPendingTable()
	ch := p.add("r1")

	p.resolve(protocol.NewOKResponse("r1", json.RawMessage(`{"x":1}`)))

	result := <-ch
	if result.err != nil {
		t.Fatalf("err = %v", result.err)
	}
	if string(result.payload) != `{"x":1}` {
		t.Errorf("payload = %s", result.payload)
	}
	if p.len() != 0 {
		t.Error("entry not removed after resolve")
	}
}

func TestPendingResolveError(t *testing.T) {
	p := newPendingTable()
	ch := p.add("r1")

	p.resolve(protocol.NewErrorResponse("r1", protocol.ErrNotAuthorized, "no access"))

	result := <-ch
	var rpcErr *RPCError
	if !errors.As(result.err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", result.err)
	}
	if rpcErr.Code != protocol.ErrNotAuthorized || rpcErr.Message != "no access" {
		t.Errorf("rpcErr = %+v", rpcErr)
	}
}

func TestPendingUnknownIDIgnored(t *testing.T) {
	p := newPendingTable()
	// Must not panic or block.
	p.resolve(protocol.NewOKResponse("ghost", nil))
}

func TestPendingRejectAll(t *testing.T) {
	p := newPendingTable()
	chans := []chan rpcResult{p.add("r1"), p.add("r2"), p.add("r3")}

	p.rejectAll(fmt.Errorf("connection closed"))

	for i, ch := range chans {
		result := <-ch
		if result.err == nil || result.err.Error() != "connection closed" {
			t.Errorf("waiter %d err = %v", i, result.err)
		}
	}
	if p.len() != 0 {
		t.Error("table not cleared")
	}
}

func TestPendingRemove(t *testing.T) {
	p := newPendingTable()
	p.add("r1")
	p.remove("r1")
	if p.len() != 0 {
		t.Error("entry not removed")
	}
	// Resolving after remove is a no-op.
	p.resolve(protocol.NewOKResponse("r1", nil))
}
