// Package fake is an in-process stand-in for the upstream chat network,
// grounded in how the teacher tests its services against repository
// interfaces rather than a live network dependency. It lets the Session
// Manager's test suite drive the state machine (pairing → open → close)
// deterministically, the way germanoeich-crabstack's transport tests drive
// a long-lived connection from one reader goroutine.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tenantrelay/chatgateway/internal/upstream"
)

type handle struct {
	tenantID string
	events   chan upstream.Update
	closed   atomic.Bool
}

func (h *handle) TenantID() string { return h.tenantID }

// SendResult lets a test script a Send failure for a given jid.
type SendResult struct {
	ID  string
	Err error
}

// Transport is a controllable fake Adapter. Tests call Push to simulate
// inbound updates and inspect SentCalls to verify outbound calls.
type Transport struct {
	mu          sync.Mutex
	handles     map[string]*handle
	sendResults map[string]SendResult // tenantID -> next scripted Send outcome
	sent        []SentCall
	connectErr  map[string]error
	nextID      atomic.Int64
}

type SentCall struct {
	TenantID string
	JID      string
	Content  upstream.SendContent
}

func NewTransport() *Transport {
	return &Transport{
		handles:     make(map[string]*handle),
		sendResults: make(map[string]SendResult),
		connectErr:  make(map[string]error),
	}
}

func (t *Transport) Connect(ctx context.Context, tenantID string, credentials []byte) (upstream.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.connectErr[tenantID]; err != nil {
		return nil, err
	}

	h := &handle{tenantID: tenantID, events: make(chan upstream.Update, 32)}
	t.handles[tenantID] = h
	return h, nil
}

func (t *Transport) Events(h upstream.Handle) <-chan upstream.Update {
	fh := h.(*handle)
	return fh.events
}

func (t *Transport) Send(ctx context.Context, h upstream.Handle, jid string, content upstream.SendContent) (string, error) {
	fh := h.(*handle)

	t.mu.Lock()
	t.sent = append(t.sent, SentCall{TenantID: fh.tenantID, JID: jid, Content: content})
	result, scripted := t.sendResults[fh.tenantID]
	t.mu.Unlock()

	if scripted {
		if result.Err != nil {
			return "", result.Err
		}
		return result.ID, nil
	}

	id := t.nextID.Add(1)
	return fmt.Sprintf("fake-msg-%d", id), nil
}

func (t *Transport) Logout(ctx context.Context, h upstream.Handle) error {
	fh := h.(*handle)
	t.closeHandle(fh)
	return nil
}

func (t *Transport) closeHandle(h *handle) {
	if h.closed.CompareAndSwap(false, true) {
		close(h.events)
	}
}

// Push delivers an update on tenantID's event stream. It is a no-op if the
// tenant never connected or its handle was already closed.
func (t *Transport) Push(tenantID string, update upstream.Update) {
	t.mu.Lock()
	h, ok := t.handles[tenantID]
	t.mu.Unlock()
	if !ok || h.closed.Load() {
		return
	}
	h.events <- update
}

// SetConnectError makes every later Connect for tenantID fail with err; the
// error is never cleared.
func (t *Transport) SetConnectError(tenantID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr[tenantID] = err
}

// SetSendResult scripts the outcome of the next Send call(s) for tenantID.
func (t *Transport) SetSendResult(tenantID string, result SendResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendResults[tenantID] = result
}

// ClearSendResult reverts tenantID to the default (always-succeeds) Send behavior.
func (t *Transport) ClearSendResult(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sendResults, tenantID)
}

// SentCalls returns a snapshot of all Send invocations observed so far.
func (t *Transport) SentCalls() []SentCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentCall, len(t.sent))
	copy(out, t.sent)
	return out
}
