// Package exchange implements the block-exchange engine: wantlist
// broadcast, presence handling, provider selection, block delivery and
// cancellation (spec.md §4.F, "the heart").
package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/store"
	"github.com/archivist-project/blockexc/wire"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-eventbus"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog"
)

// Engine orchestrates the block-exchange protocol over a libp2p host. It is
// the Request API, the Network Event Sink, and the serving side all at
// once; node wires it to the store's insertion hook and to a discovery
// client.
type Engine struct {
	self peer.ID
	host host.Host
	st   *store.Store

	pending   *PendingRequests
	discovery DiscoveryClient
	cfg       Config
	log       zerolog.Logger

	peersMu sync.RWMutex
	peers   map[peer.ID]*PeerContext

	streamsMu sync.Mutex
	writers   map[peer.ID]*msgWriter
	streams   map[peer.ID]network.Stream

	peerTaskSem chan struct{}
	inflightSem chan struct{}

	backoffMu sync.Mutex
	backoffs  map[peer.ID]*backoff.Backoff

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine and registers its stream handler on h.
func New(h host.Host, st *store.Store, disc DiscoveryClient, log zerolog.Logger, cfg Config) *Engine {
	e := &Engine{
		self:        h.ID(),
		host:        h,
		st:          st,
		pending:     NewPendingRequests(),
		discovery:   disc,
		cfg:         cfg,
		log:         log,
		peers:       make(map[peer.ID]*PeerContext),
		writers:     make(map[peer.ID]*msgWriter),
		streams:     make(map[peer.ID]network.Stream),
		peerTaskSem: make(chan struct{}, cfg.MaxConcurrentPeerTasks),
		inflightSem: make(chan struct{}, cfg.MaxInflightRequests),
		backoffs:    make(map[peer.ID]*backoff.Backoff),
		stopCh:      make(chan struct{}),
	}
	h.SetStreamHandler(ProtocolID, e.handleIncomingStream)
	e.wg.Add(1)
	go e.timeoutSweepLoop()
	e.wg.Add(1)
	go e.watchConnectedness()
	return e
}

// watchConnectedness mirrors the teacher's eventbus-subscription idiom
// (exchange/replication.go's PeerRegionEvt subscription), applied here to
// the host's own connectedness events so peer bookkeeping stays correct
// even for connections opened outside this protocol.
func (e *Engine) watchConnectedness() {
	defer e.wg.Done()
	sub, err := e.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged), eventbus.BufSize(16))
	if err != nil {
		e.log.Warn().Err(err).Msg("peer connectedness subscription failed")
		return
	}
	defer sub.Close()
	for {
		select {
		case <-e.stopCh:
			return
		case v, ok := <-sub.Out():
			if !ok {
				return
			}
			evt := v.(event.EvtPeerConnectednessChanged)
			switch evt.Connectedness {
			case network.Connected:
				e.Connect(evt.Peer)
			case network.NotConnected:
				e.Disconnect(evt.Peer)
			}
		}
	}
}

// Close stops the engine's background loops and aborts any requests still
// waiting on a result, delivering them Cancelled rather than leaving their
// resultCh to depend solely on the caller's own context (spec.md §5).
// Connections are left to the host to manage.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()
	e.pending.CancelAll()
	return nil
}

func (e *Engine) timeoutSweepLoop() {
	defer e.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-t.C:
			e.pending.TimeoutSweep(now)
		}
	}
}

// Connect registers pid as reachable and returns its (possibly new)
// PeerContext.
func (e *Engine) Connect(pid peer.ID) *PeerContext {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	if pc, ok := e.peers[pid]; ok {
		return pc
	}
	pc := NewPeerContext(pid)
	pc.SetMaxInflight(e.cfg.MaxInflightPerPeer)
	e.peers[pid] = pc
	return pc
}

// Disconnect drops a peer's context. Any WantBlocks outstanding to it fall
// back to provider selection for whichever local campaigns are still
// waiting (spec.md §5, Cancellation).
func (e *Engine) Disconnect(pid peer.ID) {
	e.peersMu.Lock()
	pc, ok := e.peers[pid]
	delete(e.peers, pid)
	e.peersMu.Unlock()
	if !ok {
		return
	}
	e.closeStream(pid)
	for _, addr := range pc.InflightAddresses() {
		if e.pending.Has(addr) {
			go e.runCampaign(addr)
		}
	}
}

func (e *Engine) connectedPeers() []*PeerContext {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]*PeerContext, 0, len(e.peers))
	for _, pc := range e.peers {
		out = append(out, pc)
	}
	return out
}

// Peers lists the peers currently tracked as connected. Exported for
// components outside this package (e.g. a replicator) that need to pick
// seeding targets.
func (e *Engine) Peers() []peer.ID {
	pcs := e.connectedPeers()
	out := make([]peer.ID, len(pcs))
	for i, pc := range pcs {
		out[i] = pc.ID
	}
	return out
}

// Host exposes the libp2p host so sibling protocols (replication) can
// register their own stream handlers and open streams.
func (e *Engine) Host() host.Host { return e.host }

func (e *Engine) peerContext(pid peer.ID) (*PeerContext, bool) {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	pc, ok := e.peers[pid]
	return pc, ok
}

// Get is the Request API: resolve addr to a block, consulting the local
// store first, then the exchange protocol, then discovery (spec.md §2 data
// flow, fetch path).
func (e *Engine) Get(ctx context.Context, addr address.Address) (*address.Block, error) {
	if !addr.IsLeaf() {
		if blk, err := e.st.Get(ctx, addr.CID()); err == nil {
			return blk, nil
		} else if err != store.ErrNotFound {
			return nil, err
		}
	}

	token, resultCh, joined := e.pending.Request(addr, e.cfg.WantTimeout)
	if !joined {
		go e.runCampaign(addr)
	}

	select {
	case res := <-resultCh:
		return res.Block, outcomeErr(res)
	case <-ctx.Done():
		if e.pending.Cancel(addr, token) {
			e.propagateCancel(addr)
		}
		return nil, ctx.Err()
	}
}

func outcomeErr(res Result) error {
	switch res.Outcome {
	case OutcomeBlock:
		return nil
	case OutcomeNoProviders:
		return ErrNoProviders
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeCancelled:
		return ErrCancelled
	case OutcomeStorageErr:
		return res.Err
	default:
		return res.Err
	}
}

// propagateCancel sends cancel=true wantlist entries to every peer with an
// outstanding want for addr (spec.md §5, Cancellation).
func (e *Engine) propagateCancel(addr address.Address) {
	for _, pc := range e.connectedPeers() {
		if !pc.HasInflight(addr) {
			continue
		}
		pc.ReleaseInflight(addr)
		e.send(pc.ID, &wire.Message{Wantlist: &wire.Wantlist{
			Entries: []wire.WantlistEntry{{Address: addr, Cancel: true}},
		}})
	}
}

// runCampaign drives one CID/address through broadcast, provider
// selection, escalation, retry-with-backoff and discovery fallback until
// the pending entry is completed by someone (spec.md §4.F state machine).
func (e *Engine) runCampaign(addr address.Address) {
	select {
	case e.peerTaskSem <- struct{}{}:
	case <-e.stopCh:
		return
	}
	defer func() { <-e.peerTaskSem }()

	for round := 0; round < e.cfg.MaxRetries; round++ {
		if !e.pending.Has(addr) {
			return
		}

		e.broadcastWantHave(addr)
		time.Sleep(e.cfg.PresenceWait)

		if !e.pending.Has(addr) {
			return
		}

		if pc, price := e.selectProvider(addr); pc != nil {
			if e.escalate(pc, addr, price) {
				return
			}
			continue
		}

		providers := e.findProviders(addr)
		if len(providers) == 0 {
			continue
		}
		for _, pi := range providers {
			e.dialAndConnect(pi)
		}
	}

	if e.pending.Has(addr) {
		e.pending.Complete(addr, Result{Outcome: OutcomeNoProviders})
	}
}

func (e *Engine) broadcastWantHave(addr address.Address) {
	entry := wire.WantlistEntry{Address: addr, WantType: wire.WantHave, SendDontHave: true, Priority: 1}
	msg := &wire.Message{Wantlist: &wire.Wantlist{Entries: []wire.WantlistEntry{entry}}}
	for _, pc := range e.connectedPeers() {
		if pc.InCooldown(time.Now()) {
			continue
		}
		e.send(pc.ID, msg)
	}
}

// selectProvider picks among peers that announced Have for addr: lowest
// price, then fewest inflight-to-them, then the numerically smaller peer
// ID. How recently each peer's presence was recorded is not compared.
func (e *Engine) selectProvider(addr address.Address) (*PeerContext, []byte) {
	now := time.Now()
	var best *PeerContext
	var bestPrice []byte

	for _, pc := range e.connectedPeers() {
		if pc.InCooldown(now) || pc.IsBlocklisted(addr) {
			continue
		}
		kind, price, ok := pc.Presence(addr, now)
		if !ok || kind != wire.Have {
			continue
		}
		if pc.PendingBytes() > e.cfg.OutboundQueueBytes {
			continue
		}
		if best == nil {
			best, bestPrice = pc, price
			continue
		}
		cmp := comparePrice(price, bestPrice)
		switch {
		case cmp < 0:
			best, bestPrice = pc, price
		case cmp == 0:
			if pc.InflightCount() < best.InflightCount() {
				best, bestPrice = pc, price
			} else if pc.InflightCount() == best.InflightCount() && pc.ID < best.ID {
				best, bestPrice = pc, price
			}
		}
	}
	return best, bestPrice
}

// comparePrice orders opaque big-endian price byte strings numerically by
// length then lexicographically, without assigning semantic meaning to the
// bytes beyond "bigger means more expensive" (spec.md §9).
func comparePrice(a, b []byte) int {
	a = trimLeadingZeros(a)
	b = trimLeadingZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// escalate sends a WantBlock to pc for addr, claiming an inflight slot
// (both per-peer and global). It returns true if the campaign has reached
// a terminal state and should stop retrying (delivery, or the pending
// entry vanished underneath it).
func (e *Engine) escalate(pc *PeerContext, addr address.Address, price []byte) bool {
	if !pc.ClaimInflight(addr) {
		return false
	}
	select {
	case e.inflightSem <- struct{}{}:
	case <-e.stopCh:
		pc.ReleaseInflight(addr)
		return true
	}
	defer func() { <-e.inflightSem }()
	defer pc.ReleaseInflight(addr)

	entry := wire.WantlistEntry{Address: addr, WantType: wire.WantBlock, SendDontHave: true, Priority: 1}
	msg := &wire.Message{Wantlist: &wire.Wantlist{Entries: []wire.WantlistEntry{entry}}}
	e.send(pc.ID, msg)

	deadline := time.Now().Add(e.cfg.WantTimeout)
	for time.Now().Before(deadline) {
		if !e.pending.Has(addr) {
			return true
		}
		if _, ok := e.peerContext(pc.ID); !ok {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(e.penalize(pc))
	return false
}

// penalize puts pc into selection-cooldown for cfg.PeerCooldown (spec.md
// §4.F: "the failing peer is penalized in selection for a cooldown,
// default 60s") and returns the exponentially increasing retry-backoff
// duration (500ms base, 30s cap, ±20% jitter) the caller should wait
// before its next attempt. These are distinct per spec.md §4.F: the
// cooldown governs when selectProvider will consider pc again, the
// backoff governs how long the campaign itself waits to retry. The
// backoff resets on the peer's next successful delivery.
func (e *Engine) penalize(pc *PeerContext) time.Duration {
	e.backoffMu.Lock()
	b, ok := e.backoffs[pc.ID]
	if !ok {
		b = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
		e.backoffs[pc.ID] = b
	}
	d := b.Duration()
	e.backoffMu.Unlock()
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	pc.Cooldown(time.Now().Add(e.cfg.PeerCooldown))
	return d
}

// resetBackoff clears a peer's accumulated penalty after a successful
// delivery from them.
func (e *Engine) resetBackoff(pid peer.ID) {
	e.backoffMu.Lock()
	if b, ok := e.backoffs[pid]; ok {
		b.Reset()
	}
	e.backoffMu.Unlock()
}

func (e *Engine) findProviders(addr address.Address) []peer.AddrInfo {
	if addr.IsLeaf() || e.discovery == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	providers, err := e.discovery.Find(ctx, addr.CID())
	if err != nil {
		e.log.Debug().Err(err).Str("cid", addr.CID().String()).Msg("discovery find failed")
		return nil
	}
	return providers
}

func (e *Engine) dialAndConnect(pi peer.AddrInfo) {
	if pi.ID == e.self {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.host.Connect(ctx, pi); err != nil {
		e.log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("dial failed")
		return
	}
	e.Connect(pi.ID)
}

// RequestToken identifies a caller's waiter for Cancel (exported for
// callers outside this package that hold onto it across a Get call; most
// callers use Get's ctx-cancellation path instead).
type RequestToken = uuid.UUID
