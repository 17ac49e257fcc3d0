package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/internal/testutil"
	"github.com/archivist-project/blockexc/store"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type noopDiscovery struct{}

func (noopDiscovery) Provide(ctx context.Context, c cid.Cid) error                { return nil }
func (noopDiscovery) Find(ctx context.Context, c cid.Cid) ([]peer.AddrInfo, error) { return nil, nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	return store.NewWithDatastore(ds, store.Options{})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PresenceWait = 20 * time.Millisecond
	cfg.WantTimeout = 2 * time.Second
	cfg.MaxRetries = 3
	return cfg
}

func blockOf(t *testing.T, data []byte) address.Block {
	t.Helper()
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, data)
	require.NoError(t, err)
	return address.Block{Cid: c, Data: data}
}

// TestEngineGetLocalHit confirms the Request API short-circuits on a local
// store hit without touching the network at all.
func TestEngineGetLocalHit(t *testing.T) {
	st := newTestStore(t)
	blk := blockOf(t, []byte("local"))
	_, err := st.Put(context.Background(), blk, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	mn := mocknet.New(ctx)
	n := testutil.NewTestNode(mn, t)
	e := New(n.Host, st, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer e.Close()

	got, err := e.Get(ctx, address.Direct(blk.Cid))
	require.NoError(t, err)
	require.Equal(t, blk.Data, got.Data)
}

// TestEngineGetFromPeer drives a full want/have/block round trip between
// two mocknet-connected engines.
func TestEngineGetFromPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := testutil.NewTestNode(mn, t)
	nB := testutil.NewTestNode(mn, t)
	testutil.Connect(t, mn, nA, nB)

	stA := newTestStore(t)
	stB := newTestStore(t)

	blk := blockOf(t, []byte("from B"))
	_, err := stB.Put(ctx, blk, time.Hour)
	require.NoError(t, err)

	eA := New(nA.Host, stA, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer eA.Close()
	eB := New(nB.Host, stB, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer eB.Close()

	eA.Connect(nB.Host.ID())
	eB.Connect(nA.Host.ID())

	got, err := eA.Get(ctx, address.Direct(blk.Cid))
	require.NoError(t, err)
	require.Equal(t, blk.Data, got.Data)

	has, err := stA.Has(ctx, blk.Cid)
	require.NoError(t, err)
	require.True(t, has, "delivered block must land in the requester's own store")
}

// TestEngineGetNoProvidersGivesUp confirms an unanswerable want eventually
// resolves to ErrNoProviders rather than hanging.
func TestEngineGetNoProvidersGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := testutil.NewTestNode(mn, t)
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MaxRetries = 1
	e := New(nA.Host, st, noopDiscovery{}, zerolog.Nop(), cfg)
	defer e.Close()

	missing := blockOf(t, []byte("never stored anywhere"))
	_, err := e.Get(ctx, address.Direct(missing.Cid))
	require.Equal(t, ErrNoProviders, err)
}

// TestEngineGetContextCancelled confirms a caller-side cancellation
// propagates cleanly instead of leaking the waiter.
func TestEngineGetContextCancelled(t *testing.T) {
	mn := mocknet.New(context.Background())
	nA := testutil.NewTestNode(mn, t)
	st := newTestStore(t)
	e := New(nA.Host, st, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer e.Close()

	missing := blockOf(t, []byte("cancel me"))
	addr := address.Direct(missing.Cid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Get(ctx, addr)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after context cancellation")
	}
	require.False(t, e.pending.Has(addr))
}
