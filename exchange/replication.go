package exchange

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/rs/zerolog"
)

// ReplicationProtocolID carries proactive "please pull this from me"
// requests, a push-style mechanism layered on top of the pull-only
// want/have exchange. It supplements spec.md's fetch-on-demand flow with a
// replication-factor push, the same role the teacher's PopRequestProtocolID
// played against its graphsync transport, reworked onto this protocol's own
// Get path instead of a data-transfer channel.
const ReplicationProtocolID = protocol.ID("/archivist/blockexc/replicate/1.0.0")

// PRecord is a provider<>address mapping recording who ended up storing
// what content during a Dispatch.
type PRecord struct {
	Provider peer.ID
	Address  address.Address
}

// DispatchOptions tunes a Dispatch run.
type DispatchOptions struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
	MaxAttempt int
	RF         int
}

// DefaultDispatchOptions mirrors the teacher's defaults.
var DefaultDispatchOptions = DispatchOptions{
	BackoffMin: 2 * time.Second,
	BackoffMax: 60 * time.Minute,
	MaxAttempt: 4,
	RF:         7,
}

// Replicator drives proactive seeding of content this node already holds
// out to other peers, independent of whether they have asked for it. It is
// the push counterpart to Engine's pull-only Get.
type Replicator struct {
	e   *Engine
	log zerolog.Logger

	mu sync.Mutex
}

// NewReplicator attaches a Replicator to e, registering its stream handler
// on e's host.
func NewReplicator(e *Engine) *Replicator {
	r := &Replicator{e: e, log: e.log}
	e.host.SetStreamHandler(ReplicationProtocolID, r.handleRequest)
	return r
}

// Dispatch proactively seeds addr to opt.RF distinct peers, retrying with
// backoff against candidates that do not confirm, until the replication
// factor is reached, attempts are exhausted, or ctx is cancelled. It
// returns a channel of PRecord, one per confirmed peer, closed when
// Dispatch gives up or succeeds.
func (r *Replicator) Dispatch(ctx context.Context, addr address.Address, opt DispatchOptions) <-chan PRecord {
	out := make(chan PRecord, opt.RF)
	go func() {
		defer close(out)

		confirmed := make(map[peer.ID]bool)
		b := &backoff.Backoff{Min: opt.BackoffMin, Max: opt.BackoffMax, Factor: 2, Jitter: true}

		for {
			if int(b.Attempt()) > opt.MaxAttempt {
				return
			}
			candidates := r.pickPeers(opt.RF-len(confirmed), confirmed)
			if len(candidates) == 0 && len(confirmed) == 0 {
				// nobody to try at all; still count this as an attempt
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.Duration()):
					continue
				}
			}

			var wg sync.WaitGroup
			for _, p := range candidates {
				wg.Add(1)
				go func(p peer.ID) {
					defer wg.Done()
					if err := r.requestPull(ctx, p, addr); err == nil {
						r.mu.Lock()
						confirmed[p] = true
						r.mu.Unlock()
						select {
						case out <- PRecord{Provider: p, Address: addr}:
						case <-ctx.Done():
						}
					}
				}(p)
			}
			wg.Wait()

			if len(confirmed) >= opt.RF {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Duration()):
			}
		}
	}()
	return out
}

func (r *Replicator) pickPeers(n int, skip map[peer.ID]bool) []peer.ID {
	if n <= 0 {
		return nil
	}
	all := r.e.Peers()
	out := make([]peer.ID, 0, n)
	for _, p := range all {
		if skip[p] {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

// requestPull asks p to pull addr from us, blocking until p acknowledges
// success or failure on the same stream.
func (r *Replicator) requestPull(ctx context.Context, p peer.ID, addr address.Address) error {
	s, err := r.e.host.NewStream(ctx, p, ReplicationProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()

	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg(encodeAddr(addr)); err != nil {
		return err
	}

	rd := msgio.NewVarintReaderSize(s, 256)
	ack, err := rd.ReadMsg()
	if err != nil {
		return err
	}
	if len(ack) == 0 || ack[0] != 0 {
		return fmt.Errorf("exchange: replicate request declined by %s", p)
	}
	return nil
}

// handleRequest serves an inbound replication request: pull addr via this
// node's own Engine.Get (the normal want/have path, with the requester as
// one of the candidate providers), then ack success or failure.
func (r *Replicator) handleRequest(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()

	rd := msgio.NewVarintReaderSize(s, 256)
	buf, err := rd.ReadMsg()
	if err != nil {
		return
	}
	addr, err := decodeAddr(buf)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	w := msgio.NewVarintWriter(s)
	if _, err := r.e.Get(ctx, addr); err != nil {
		r.log.Debug().Err(err).Str("peer", from.String()).Str("addr", addr.String()).Msg("replication pull failed")
		_ = w.WriteMsg([]byte{1})
		return
	}
	_ = w.WriteMsg([]byte{0})
}

// encodeAddr/decodeAddr hand-roll a minimal wire form for the one-shot
// replication request: a discriminant byte, then either a raw CID or a
// tree CID plus a big-endian index.
func encodeAddr(a address.Address) []byte {
	if !a.IsLeaf() {
		c := a.CID().Bytes()
		buf := make([]byte, 1+len(c))
		buf[0] = 0
		copy(buf[1:], c)
		return buf
	}
	t := a.TreeCID().Bytes()
	buf := make([]byte, 1+8+len(t))
	buf[0] = 1
	binary.BigEndian.PutUint64(buf[1:9], a.Index())
	copy(buf[9:], t)
	return buf
}

func decodeAddr(buf []byte) (address.Address, error) {
	if len(buf) < 1 {
		return address.Address{}, io.ErrUnexpectedEOF
	}
	switch buf[0] {
	case 0:
		c, err := cid.Cast(buf[1:])
		if err != nil {
			return address.Address{}, err
		}
		return address.Direct(c), nil
	case 1:
		if len(buf) < 9 {
			return address.Address{}, io.ErrUnexpectedEOF
		}
		idx := binary.BigEndian.Uint64(buf[1:9])
		c, err := cid.Cast(buf[9:])
		if err != nil {
			return address.Address{}, err
		}
		return address.TreeLeaf(c, idx), nil
	default:
		return address.Address{}, fmt.Errorf("exchange: unknown replication address tag %d", buf[0])
	}
}
