package exchange

import (
	"container/list"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/wire"
	"github.com/libp2p/go-libp2p-core/peer"
)

const (
	presenceMaxAge   = 5 * time.Minute
	defaultInflight  = 16
	presenceCacheCap = 4096
)

// presenceRecord is one entry of a peer's Have/DontHave cache (spec.md §4.E).
type presenceRecord struct {
	kind    wire.PresenceKind
	price   []byte
	seenAt  time.Time
	element *list.Element
}

// PeerContext holds all mutable per-peer state the engine consults when
// deciding what to send to, or about, a peer. It must only be touched by
// the engine's scheduler goroutine (spec.md §4.E) or under its own lock
// when accessed from network-receive goroutines.
type PeerContext struct {
	ID peer.ID

	mu sync.Mutex

	theirWants map[address.Address]wire.WantlistEntry // what they asked us for
	presence   map[address.Address]*presenceRecord     // what we believe they have
	lru        *list.List                              // presence LRU eviction order

	inflight    map[address.Address]struct{} // our outstanding WantBlocks to them
	maxInflight int

	pendingBytes int
	cooldownUtil time.Time
	blocklist    map[address.Address]struct{} // addresses this peer is untrustworthy for
}

// NewPeerContext constructs per-peer state for a newly connected peer.
func NewPeerContext(id peer.ID) *PeerContext {
	return &PeerContext{
		ID:          id,
		theirWants:  make(map[address.Address]wire.WantlistEntry),
		presence:    make(map[address.Address]*presenceRecord),
		lru:         list.New(),
		inflight:    make(map[address.Address]struct{}),
		maxInflight: defaultInflight,
		blocklist:   make(map[address.Address]struct{}),
	}
}

// RecordTheirWant merges an inbound wantlist entry into what we know this
// peer wants from us.
func (p *PeerContext) RecordTheirWant(e wire.WantlistEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Cancel {
		delete(p.theirWants, e.Address)
		return
	}
	p.theirWants[e.Address] = e
}

// RecordTheirCancel removes addr from the peer's want of us.
func (p *PeerContext) RecordTheirCancel(addr address.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.theirWants, addr)
}

// TheirWant returns the entry the peer has outstanding for addr, if any.
func (p *PeerContext) TheirWant(addr address.Address) (wire.WantlistEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.theirWants[addr]
	return e, ok
}

// TheirWants returns a snapshot of every address currently wanted from us.
func (p *PeerContext) TheirWants() []wire.WantlistEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.WantlistEntry, 0, len(p.theirWants))
	for _, e := range p.theirWants {
		out = append(out, e)
	}
	return out
}

// NotePresence records (or refreshes) a Have/DontHave observation, evicting
// the least-recently-used entry if the cache is at capacity (spec.md §4.E).
func (p *PeerContext) NotePresence(addr address.Address, kind wire.PresenceKind, price []byte, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.presence[addr]; ok {
		rec.kind = kind
		rec.price = price
		rec.seenAt = now
		p.lru.MoveToFront(rec.element)
		return
	}

	rec := &presenceRecord{kind: kind, price: price, seenAt: now}
	rec.element = p.lru.PushFront(addr)
	p.presence[addr] = rec

	for len(p.presence) > presenceCacheCap {
		back := p.lru.Back()
		if back == nil {
			break
		}
		evict := back.Value.(address.Address)
		p.lru.Remove(back)
		delete(p.presence, evict)
	}
}

// Presence returns the cached presence for addr if it exists and is not
// older than presenceMaxAge.
func (p *PeerContext) Presence(addr address.Address, now time.Time) (kind wire.PresenceKind, price []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, exists := p.presence[addr]
	if !exists {
		return 0, nil, false
	}
	if now.Sub(rec.seenAt) > presenceMaxAge {
		p.lru.Remove(rec.element)
		delete(p.presence, addr)
		return 0, nil, false
	}
	return rec.kind, rec.price, true
}

// SetMaxInflight overrides the per-peer inflight cap (spec.md §6's
// max_inflight_per_peer, default 16). Callers apply this right after
// NewPeerContext; it is not safe to change concurrently with ClaimInflight.
func (p *PeerContext) SetMaxInflight(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.maxInflight = n
	p.mu.Unlock()
}

// ClaimInflight reserves an inflight slot for addr, bounded by maxInflight.
func (p *PeerContext) ClaimInflight(addr address.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inflight) >= p.maxInflight {
		return false
	}
	p.inflight[addr] = struct{}{}
	return true
}

// ReleaseInflight frees addr's inflight slot.
func (p *PeerContext) ReleaseInflight(addr address.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, addr)
}

// InflightCount reports how many WantBlocks are outstanding to this peer.
func (p *PeerContext) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// HasInflight reports whether addr currently has an outstanding WantBlock
// to this peer, without claiming or releasing it.
func (p *PeerContext) HasInflight(addr address.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[addr]
	return ok
}

// InflightAddresses returns a snapshot of addresses currently outstanding
// to this peer, used when the peer disconnects and its wants must fall
// back to SelectProvider.
func (p *PeerContext) InflightAddresses() []address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]address.Address, 0, len(p.inflight))
	for a := range p.inflight {
		out = append(out, a)
	}
	return out
}

// SetPendingBytes records the peer's self-reported outbound backlog.
func (p *PeerContext) SetPendingBytes(n int) {
	p.mu.Lock()
	p.pendingBytes = n
	p.mu.Unlock()
}

// PendingBytes returns the peer's last-reported backlog.
func (p *PeerContext) PendingBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingBytes
}

// Cooldown marks this peer as penalized until until, per a retry failure
// (spec.md §4.F Retries & fatal failures).
func (p *PeerContext) Cooldown(until time.Time) {
	p.mu.Lock()
	if until.After(p.cooldownUtil) {
		p.cooldownUtil = until
	}
	p.mu.Unlock()
}

// InCooldown reports whether the peer is currently penalized.
func (p *PeerContext) InCooldown(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.cooldownUtil)
}

// Blocklist marks this peer as untrustworthy for addr specifically,
// following a CID-mismatch delivery (spec.md §4.F).
func (p *PeerContext) Blocklist(addr address.Address) {
	p.mu.Lock()
	p.blocklist[addr] = struct{}{}
	p.mu.Unlock()
}

// IsBlocklisted reports whether the peer is untrusted for addr.
func (p *PeerContext) IsBlocklisted(addr address.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blocklist[addr]
	return ok
}
