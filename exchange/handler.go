package exchange

import (
	"context"
	"io"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/wire"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
)

// handleIncomingStream is the libp2p stream handler registered on
// ProtocolID. One stream per peer is kept open for the life of the
// connection; the engine reads Messages from it until it closes.
func (e *Engine) handleIncomingStream(s network.Stream) {
	pid := s.Conn().RemotePeer()
	e.registerStream(pid, s)
	e.Connect(pid)

	r := newMsgReader(s, e.cfg.MaxFrameBytes)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if err != io.EOF {
				e.log.Debug().Err(err).Str("peer", pid.String()).Msg("stream read failed")
			}
			e.Disconnect(pid)
			return
		}
		e.handleMessage(pid, msg)
	}
}

func (e *Engine) registerStream(pid peer.ID, s network.Stream) {
	e.streamsMu.Lock()
	defer e.streamsMu.Unlock()
	if old, ok := e.streams[pid]; ok && old != s {
		_ = old.Close()
	}
	e.streams[pid] = s
	e.writers[pid] = newMsgWriter(s)
}

func (e *Engine) closeStream(pid peer.ID) {
	e.streamsMu.Lock()
	s, ok := e.streams[pid]
	delete(e.streams, pid)
	delete(e.writers, pid)
	e.streamsMu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// send writes msg to pid, opening a fresh stream if none is registered
// (e.g. we are the dialer and haven't received anything from them yet).
func (e *Engine) send(pid peer.ID, msg *wire.Message) {
	e.streamsMu.Lock()
	w, ok := e.writers[pid]
	e.streamsMu.Unlock()
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s, err := e.host.NewStream(ctx, pid, ProtocolID)
		cancel()
		if err != nil {
			e.log.Debug().Err(err).Str("peer", pid.String()).Msg("open stream failed")
			return
		}
		e.registerStream(pid, s)
		e.streamsMu.Lock()
		w = e.writers[pid]
		e.streamsMu.Unlock()
	}
	if err := w.WriteMsg(msg); err != nil {
		e.log.Debug().Err(err).Str("peer", pid.String()).Msg("write failed")
		e.closeStream(pid)
	}
}

// handleMessage dispatches one inbound Message to the serving side
// (wantlist processing) and the client side (presences, deliveries).
func (e *Engine) handleMessage(pid peer.ID, msg *wire.Message) {
	pc := e.Connect(pid)

	if msg.PendingBytes > 0 {
		pc.SetPendingBytes(int(msg.PendingBytes))
	}

	if msg.Wantlist != nil {
		e.serveWantlist(pc, msg.Wantlist)
	}
	for _, pr := range msg.Presences {
		pc.NotePresence(pr.Address, pr.Kind, pr.Price, time.Now())
	}
	for _, d := range msg.Payload {
		e.handleDelivery(pc, d)
	}
}

// serveWantlist answers an inbound wantlist against the local store: a
// Have/DontHave presence for WantHave entries, the block itself for
// WantBlock entries, and removes cancelled entries from what we track as
// wanted from us (spec.md §4.F serving side). A Full wantlist first drops
// everything previously tracked as wanted by pc.
func (e *Engine) serveWantlist(pc *PeerContext, wl *wire.Wantlist) {
	ctx := context.Background()
	var presences []wire.BlockPresence
	var deliveries []wire.BlockDelivery

	if wl.Full {
		for _, prev := range pc.TheirWants() {
			pc.RecordTheirCancel(prev.Address)
		}
	}
	for _, entry := range wl.Entries {
		if entry.Cancel {
			pc.RecordTheirCancel(entry.Address)
			continue
		}
		pc.RecordTheirWant(entry)

		c, proof, have := e.resolveLocal(ctx, entry.Address)
		switch {
		case have && entry.WantType == wire.WantBlock:
			blk, err := e.st.Get(ctx, c)
			if err != nil {
				if entry.SendDontHave {
					presences = append(presences, wire.BlockPresence{Address: entry.Address, Kind: wire.DontHave})
				}
				continue
			}
			deliveries = append(deliveries, wire.BlockDelivery{
				Cid:     blk.Cid,
				Data:    blk.Data,
				Address: entry.Address,
				Proof:   proof,
			})
		case have:
			presences = append(presences, wire.BlockPresence{Address: entry.Address, Kind: wire.Have})
		case entry.SendDontHave:
			presences = append(presences, wire.BlockPresence{Address: entry.Address, Kind: wire.DontHave})
		}
	}

	if len(presences) == 0 && len(deliveries) == 0 {
		return
	}
	e.send(pc.ID, &wire.Message{Presences: presences, Payload: deliveries})
}

// resolveLocal checks whether the store can currently answer addr, filling
// in the resolved CID and proof (for tree leaves) when it can.
func (e *Engine) resolveLocal(ctx context.Context, addr address.Address) (resolved cid.Cid, proof *address.Proof, ok bool) {
	if !addr.IsLeaf() {
		has, err := e.st.Has(ctx, addr.CID())
		if err != nil || !has {
			return cid.Undef, nil, false
		}
		return addr.CID(), nil, true
	}
	c, p, err := e.st.GetByTree(ctx, addr.TreeCID(), addr.Index())
	if err != nil {
		return cid.Undef, nil, false
	}
	return c, p, true
}

// handleDelivery verifies an inbound block, stores it, completes any
// pending request for it, and forwards the good news (or bad) to the
// waiters (spec.md §4.F correctness checks, §7 error taxonomy).
func (e *Engine) handleDelivery(pc *PeerContext, d wire.BlockDelivery) {
	ctx := context.Background()

	if !e.pending.Has(d.Address) {
		return // unsolicited delivery; ignore rather than reward misbehavior
	}

	ok, err := address.VerifyCID(d.Cid, d.Data)
	if err != nil || !ok {
		// Fatal to this peer's credibility for this CID, not to the
		// request: blocklist them and let the campaign retry against
		// another provider (spec.md §4.F, §7).
		pc.Blocklist(d.Address)
		return
	}

	if d.Address.IsLeaf() {
		if !address.ValidateProofShape(d.Address, d.Proof) {
			pc.Blocklist(d.Address)
			return
		}
	}

	blk := address.Block{Cid: d.Cid, Data: d.Data}
	if _, err := e.st.Put(ctx, blk, e.cfg.BlockTTL); err != nil {
		e.pending.Complete(d.Address, Result{Outcome: OutcomeStorageErr, Err: err})
		return
	}
	if d.Address.IsLeaf() {
		_ = e.st.PutTreeEntry(ctx, d.Address.TreeCID(), d.Address.Index(), d.Cid, d.Proof)
	}

	e.resetBackoff(pc.ID)
	pc.ReleaseInflight(d.Address)
	e.pending.Complete(d.Address, Result{Block: &blk, Outcome: OutcomeBlock})
}
