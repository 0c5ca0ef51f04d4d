package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

// RPCError is a gateway error response surfaced to the caller.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

type rpcResult struct {
	payload json.RawMessage
	err     error
}

// pendingTable tracks in-flight requests by frame ID. Each entry owns a
// buffered channel so resolution never blocks the receive loop.
type pendingTable struct {
	mu      sync.Mutex
	waiting map[string]chan rpcResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiting: make(map[string]chan rpcResult)}
}

// add registers a request ID and returns the channel its result arrives on.
func (p *pendingTable) add(id string) chan rpcResult {
	ch := make(chan rpcResult, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()
	return ch
}

// remove drops a request ID without resolving it (timeout or cancel).
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// resolve delivers a response frame to its waiter. Unknown IDs are
// ignored: the waiter may have timed out already.
func (p *pendingTable) resolve(res *protocol.ResponseFrame) {
	p.mu.Lock()
	ch, ok := p.waiting[res.ID]
	if ok {
		delete(p.waiting, res.ID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if res.OK {
		ch <- rpcResult{payload: res.Payload}
		return
	}
	code := protocol.ErrInternal
	message := ""
	if res.Error != nil {
		if res.Error.Code != "" {
			code = res.Error.Code
		}
		message = res.Error.Message
	}
	ch <- rpcResult{err: &RPCError{Code: code, Message: message}}
}

// rejectAll fails every in-flight request. Called when the connection drops.
func (p *pendingTable) rejectAll(err error) {
	p.mu.Lock()
	waiting := p.waiting
	p.waiting = make(map[string]chan rpcResult)
	p.mu.Unlock()

	for _, ch := range waiting {
		ch <- rpcResult{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
