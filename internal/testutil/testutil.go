// Package testutil provides small helpers for wiring up in-memory libp2p
// nodes in tests, mirroring the node-composition shape used by the rest of
// this module without requiring real network transports.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/host"
	swarmt "github.com/libp2p/go-libp2p-swarm/testing"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
	bhost "github.com/tchardin/go-libp2p-blankhost"
)

// TestNode bundles the pieces a test needs to stand up one participant: a
// libp2p host (mocknet-backed by default) and a scratch datastore.
type TestNode struct {
	Host host.Host
	Ds   datastore.Batching
}

// Option customizes a TestNode at construction time, mirroring the
// teacher's withSwarmT closure (exchange/replication_test.go).
type Option func(t *testing.T, tn *TestNode)

// WithSwarmHost replaces the mocknet-generated host with a real
// swarm-backed one, for tests that need genuine transport/connection
// manager behavior mocknet doesn't exercise (e.g. connection limits).
func WithSwarmHost() Option {
	return func(t *testing.T, tn *TestNode) {
		t.Helper()
		netw := swarmt.GenSwarm(t, context.Background())
		tn.Host = bhost.NewBlankHost(netw, bhost.WithConnectionManager(
			connmgr.NewConnManager(10, 11, time.Second),
		))
	}
}

// NewTestNode generates a new peer on mn and gives it a fresh in-memory
// datastore, applying any opts afterward (e.g. WithSwarmHost).
func NewTestNode(mn mocknet.Mocknet, t *testing.T, opts ...Option) *TestNode {
	t.Helper()
	h, err := mn.GenPeer()
	require.NoError(t, err)
	tn := &TestNode{
		Host: h,
		Ds:   dssync.MutexWrap(datastore.NewMapDatastore()),
	}
	for _, opt := range opts {
		opt(t, tn)
	}
	return tn
}

// Connect links a and b's peers in the mocknet and dials a to b.
func Connect(t *testing.T, mn mocknet.Mocknet, a, b *TestNode) {
	t.Helper()
	_, err := mn.LinkPeers(a.Host.ID(), b.Host.ID())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Host.Connect(ctx, b.Host.Peerstore().PeerInfo(b.Host.ID())))
}
