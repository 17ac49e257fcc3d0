package exchange

import (
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/google/uuid"
)

// Outcome is the terminal result of a PendingRequest (spec.md §7, §4.D).
type Outcome int

const (
	OutcomeBlock Outcome = iota
	OutcomeNoProviders
	OutcomeTimeout
	OutcomeCancelled
	OutcomeStorageErr
)

// Result is what a waiter receives when a pending request resolves.
type Result struct {
	Block   *address.Block
	Outcome Outcome
	Err     error
}

// waiter is one caller's one-shot future on a pending address.
type waiter struct {
	token uuid.UUID
	ch    chan Result
}

// pendingEntry tracks all callers currently awaiting the same address,
// giving the engine its single-flight property: at most one WantBlock
// campaign per address regardless of how many local callers asked for it
// (spec.md §4.D).
type pendingEntry struct {
	waiters  []waiter
	deadline time.Time
}

// PendingRequests is the spec.md §4.D pending-request table. It keys on the
// full BlockAddress rather than a bare CID: a TreeLeaf want has no known
// CID until a provider resolves and delivers it, so the address itself is
// the only stable identity available at request time. For Direct addresses
// this specializes exactly to spec.md's literal "CID → PendingRequest".
// Safe for concurrent use.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[address.Address]*pendingEntry
}

// NewPendingRequests constructs an empty table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[address.Address]*pendingEntry)}
}

// Request joins or creates the pending entry for addr and returns a token
// (for later Cancel) plus a channel that receives exactly one Result.
// joined reports whether an existing campaign was joined (true) or this
// call started a new one (false) — the engine only issues a WantBlock
// campaign when joined is false.
func (p *PendingRequests) Request(addr address.Address, timeout time.Duration) (token uuid.UUID, result <-chan Result, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token = uuid.New()
	ch := make(chan Result, 1)
	e, ok := p.entries[addr]
	if !ok {
		e = &pendingEntry{deadline: time.Now().Add(timeout)}
		p.entries[addr] = e
	}
	e.waiters = append(e.waiters, waiter{token: token, ch: ch})
	return token, ch, ok
}

// Complete wakes every waiter on addr with the given result and removes the
// entry.
func (p *PendingRequests) Complete(addr address.Address, res Result) {
	p.mu.Lock()
	e, ok := p.entries[addr]
	if ok {
		delete(p.entries, addr)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range e.waiters {
		w.ch <- res
		close(w.ch)
	}
}

// Cancel removes a single waiter identified by token. The entry survives
// while other waiters remain; it is only dropped (with no result ever
// delivered to the cancelled waiter) once all waiters cancel.
func (p *PendingRequests) Cancel(addr address.Address, token uuid.UUID) (lastWaiter bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[addr]
	if !ok {
		return false
	}
	for i, w := range e.waiters {
		if w.token == token {
			close(w.ch)
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	if len(e.waiters) == 0 {
		delete(p.entries, addr)
		return true
	}
	return false
}

// Has reports whether addr currently has a pending entry (used by the
// engine to decide whether a new campaign must be started).
func (p *PendingRequests) Has(addr address.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[addr]
	return ok
}

// CancelAll fails every still-open entry with Cancelled and empties the
// table, so no waiter is left blocked on resultCh past shutdown (spec.md §5).
func (p *PendingRequests) CancelAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[address.Address]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		for _, w := range e.waiters {
			w.ch <- Result{Outcome: OutcomeCancelled}
			close(w.ch)
		}
	}
}

// TimeoutSweep fails every entry whose deadline has passed with Timeout,
// per spec.md §4.D.
func (p *PendingRequests) TimeoutSweep(now time.Time) []address.Address {
	p.mu.Lock()
	var expired []address.Address
	var expiredEntries []*pendingEntry
	for addr, e := range p.entries {
		if now.After(e.deadline) {
			expired = append(expired, addr)
			expiredEntries = append(expiredEntries, e)
			delete(p.entries, addr)
		}
	}
	p.mu.Unlock()

	for _, e := range expiredEntries {
		for _, w := range e.waiters {
			w.ch <- Result{Outcome: OutcomeTimeout}
			close(w.ch)
		}
	}
	return expired
}
