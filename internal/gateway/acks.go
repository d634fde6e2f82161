package gateway

import (
	"encoding/json"
	"sync"
)

// ackTable holds the pending acknowledgements of one connection. Ack ids
// are allocated from a monotonically increasing counter and never reused
// for the lifetime of the connection.
type ackTable struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]chan ackResult
}

type ackResult struct {
	data json.RawMessage
	err  error
}

func newAckTable() *ackTable {
	return &ackTable{pending: make(map[int64]chan ackResult)}
}

// register allocates a fresh ack id and a completion channel.
func (t *ackTable) register() (int64, <-chan ackResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	ch := make(chan ackResult, 1)
	t.pending[id] = ch
	return id, ch
}

// resolve completes a pending ack with the peer's payload. Unknown ids are
// ignored: the caller may have timed out already.
func (t *ackTable) resolve(id int64, data json.RawMessage) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		ch <- ackResult{data: data}
	}
}

// drop abandons a pending ack without completing it (caller timed out).
func (t *ackTable) drop(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// failAll completes every pending ack with err. Called on teardown.
func (t *ackTable) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]chan ackResult)
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}
