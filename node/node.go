// Package node composes the store, exchange engine, discovery client,
// advertiser and payments ledger into one libp2p-backed process, mirroring
// node/popn.go's role as the glue between every other package. The
// teacher's node additionally drove a Filecoin storage-deal marketplace
// (multistore, DAG service, RemoteStorer, retrieval deal state machines);
// that whole surface is out of scope here, so this Node is a much
// narrower composition: a block-exchange node, not a storage marketplace
// client.
package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/discovery"
	"github.com/archivist-project/blockexc/exchange"
	"github.com/archivist-project/blockexc/payments"
	"github.com/archivist-project/blockexc/store"
	"github.com/archivist-project/blockexc/supply"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	badgerds "github.com/ipfs/go-ds-badger"
	keystore "github.com/ipfs/go-ipfs-keystore"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// ErrInvalidPeer is returned when Ping is given a string that is neither
// empty nor a decodable peer ID.
var ErrInvalidPeer = errors.New("node: invalid peer ID")

// identityKey names the keystore entry holding this node's libp2p
// identity, mirroring the single well-known key the teacher's keystore
// wiring uses for the same purpose.
const identityKey = "self"

// Node is the process-scoped composition of every other package:
// host/identity, store, exchange engine, replicator, discovery and
// advertiser, plus the payments ledger (spec.md §5's "global mutable
// state: none" — Node owns all of it, and its lifecycle is init -> run ->
// shutdown).
type Node struct {
	host host.Host
	ds   datastore.Batching

	store   *store.Store
	ledger  *payments.Ledger
	disc    *discovery.Client
	engine  *exchange.Engine
	repl    *exchange.Replicator
	adv     *supply.Advertiser
	regions []supply.Region

	log zerolog.Logger

	mu     sync.Mutex
	notify func(Event)
}

// New assembles a Node from opts. It opens the repo's datastore and
// keystore, constructs the libp2p host (connection manager, gater, NAT
// traversal, DHT routing, exactly as node/popn.go wires them), then layers
// the store, discovery client, exchange engine, replicator and advertiser
// on top, and finally dials opts.BootstrapPeers in the background.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Node, error) {
	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true
	ds, err := badgerds.NewDatastore(filepath.Join(opts.RepoPath, "node-data"), &dsopts)
	if err != nil {
		return nil, fmt.Errorf("node: open datastore: %w", err)
	}

	ks, err := keystore.NewFSKeystore(filepath.Join(opts.RepoPath, "keystore"))
	if err != nil {
		return nil, fmt.Errorf("node: open keystore: %w", err)
	}
	priv, err := loadOrCreateIdentity(ks)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	gater, err := conngater.NewBasicConnectionGater(ds)
	if err != nil {
		return nil, fmt.Errorf("node: connection gater: %w", err)
	}

	listen, err := parseMultiaddrs(opts.ListenAddrs)
	if err != nil {
		return nil, fmt.Errorf("node: listen addrs: %w", err)
	}

	var kad *dht.IpfsDHT
	h, err := libp2p.New(
		ctx,
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen...),
		libp2p.ConnectionManager(connmgr.NewConnManager(
			20,             // LowWater
			60,             // HighWater
			20*time.Second, // GracePeriod
		)),
		libp2p.ConnectionGater(gater),
		libp2p.DisableRelay(),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kad, err = dht.New(ctx, h)
			return kad, err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("node: construct host: %w", err)
	}

	st, err := store.Open(store.Options{
		RepoPath:     opts.RepoPath,
		MaxBlockSize: opts.Exchange.MaxBlockSize,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	disc, err := discovery.New(kad, nil, opts.Discovery, log)
	if err != nil {
		return nil, fmt.Errorf("node: discovery client: %w", err)
	}

	ledger := payments.New(namespace.Wrap(ds, datastore.NewKey("/payments")))

	regions := supply.ParseRegions(opts.Regions)
	advCfg := opts.Advertiser
	advCfg.Regions = regions
	adv := supply.NewAdvertiser(disc, advCfg, log)

	engine := exchange.New(h, st, disc, log, opts.Exchange)
	repl := exchange.NewReplicator(engine)

	n := &Node{
		host:    h,
		ds:      ds,
		store:   st,
		ledger:  ledger,
		disc:    disc,
		engine:  engine,
		repl:    repl,
		adv:     adv,
		regions: regions,
		log:     log,
	}

	st.SetInsertHook(func(c cid.Cid) { adv.Enqueue(c) })
	adv.Start()

	go n.bootstrap(ctx, opts.BootstrapPeers)

	return n, nil
}

func loadOrCreateIdentity(ks keystore.Keystore) (crypto.PrivKey, error) {
	if has, err := ks.Has(identityKey); err != nil {
		return nil, err
	} else if has {
		return ks.Get(identityKey)
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := ks.Put(identityKey, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func parseMultiaddrs(addrs []string) ([]ma.Multiaddr, error) {
	if len(addrs) == 0 {
		return []ma.Multiaddr{ma.StringCast("/ip4/0.0.0.0/tcp/0")}, nil
	}
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (n *Node) bootstrap(ctx context.Context, peers []string) {
	for _, s := range peers {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			n.log.Warn().Err(err).Str("addr", s).Msg("node: bad bootstrap addr")
			continue
		}
		infos, err := peer.AddrInfosFromP2pAddrs(m)
		if err != nil {
			n.log.Warn().Err(err).Str("addr", s).Msg("node: bad bootstrap addr")
			continue
		}
		for _, pi := range infos {
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := n.host.Connect(dctx, pi)
			cancel()
			if err != nil {
				n.log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("node: bootstrap dial failed")
			}
		}
	}
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Store returns the node's content-addressed store.
func (n *Node) Store() *store.Store { return n.store }

// Ledger returns the node's payments ledger.
func (n *Node) Ledger() *payments.Ledger { return n.ledger }

// Regions reports the regions this node advertises content under.
func (n *Node) Regions() []supply.Region { return n.regions }

// Get resolves addr to a block via the exchange engine's Request API
// (local store, then network), emitting a GetResult event with the
// outcome.
func (n *Node) Get(ctx context.Context, addr address.Address) (*address.Block, error) {
	blk, err := n.engine.Get(ctx, addr)
	res := &GetResult{Address: addr.String()}
	if err != nil {
		res.Err = err.Error()
	} else {
		res.Size = len(blk.Data)
	}
	n.send(Event{GetResult: res})
	return blk, err
}

// Dispatch proactively seeds addr to rf peers via the replicator.
func (n *Node) Dispatch(ctx context.Context, addr address.Address, opt exchange.DispatchOptions) <-chan exchange.PRecord {
	return n.repl.Dispatch(ctx, addr, opt)
}

// ApplyVoucher applies v to the payments ledger, emitting a VoucherResult
// event with the outcome.
func (n *Node) ApplyVoucher(ctx context.Context, v *payments.Voucher) error {
	delta, err := n.ledger.ApplyVoucher(ctx, v)
	res := &VoucherResult{
		From: v.From.String(),
		To:   v.To.String(),
		Lane: v.Lane,
	}
	if err != nil {
		res.Err = err.Error()
	} else {
		res.Amount = delta.String()
	}
	n.send(Event{VoucherResult: res})
	return err
}

// Ping is a liveness check. An empty who reports this node's own identity
// and connected peers; otherwise who is decoded as a peer ID and pinged
// directly. Unlike the teacher's Ping, there is no Filecoin-address
// resolution branch: this node has no marketplace peer directory.
func (n *Node) Ping(ctx context.Context, who string) {
	if who == "" {
		peers := n.engine.Peers()
		pstr := make([]string, len(peers))
		for i, p := range peers {
			pstr[i] = p.String()
		}
		addrs := make([]string, 0, len(n.host.Addrs()))
		for _, a := range n.host.Addrs() {
			addrs = append(addrs, a.String())
		}
		n.send(Event{PingResult: &PingResult{
			ID:    n.host.ID().String(),
			Addrs: addrs,
			Peers: pstr,
		}})
		return
	}

	pid, err := peer.Decode(who)
	if err != nil {
		n.send(Event{PingResult: &PingResult{Err: ErrInvalidPeer.Error()}})
		return
	}
	if err := n.ping(ctx, n.host.Peerstore().PeerInfo(pid)); err != nil {
		n.send(Event{PingResult: &PingResult{Err: err.Error()}})
	}
}

func (n *Node) ping(ctx context.Context, pi peer.AddrInfo) error {
	strs := make([]string, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		strs = append(strs, a.String())
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pings := ping.Ping(ctx, n.host, pi.ID)
	select {
	case res := <-pings:
		if res.Error != nil {
			return res.Error
		}
		n.send(Event{PingResult: &PingResult{
			ID:             pi.ID.String(),
			Addrs:          strs,
			LatencySeconds: res.RTT.Seconds(),
		}})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the advertiser, stops the engine's background loops, closes
// the host and flushes the store's datastore, in that order (spec.md §5's
// shutdown sequence: drain advertiser, abort pending requests, close
// streams, flush store).
func (n *Node) Close() error {
	n.adv.Stop()
	if err := n.engine.Close(); err != nil {
		n.log.Warn().Err(err).Msg("node: engine close")
	}
	if err := n.host.Close(); err != nil {
		n.log.Warn().Err(err).Msg("node: host close")
	}
	if err := n.store.Close(); err != nil {
		n.log.Warn().Err(err).Msg("node: store close")
	}
	return n.ds.Close()
}
