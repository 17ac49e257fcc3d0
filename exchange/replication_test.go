package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/internal/testutil"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestReplicatorDispatch drives a one-hop push: A already holds a block, B
// does not, and Dispatch should land it on B without the test ever calling
// Get on B.
func TestReplicatorDispatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := testutil.NewTestNode(mn, t)
	nB := testutil.NewTestNode(mn, t)
	testutil.Connect(t, mn, nA, nB)

	stA := newTestStore(t)
	stB := newTestStore(t)

	blk := blockOf(t, []byte("seed me"))
	_, err := stA.Put(ctx, blk, time.Hour)
	require.NoError(t, err)

	eA := New(nA.Host, stA, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer eA.Close()
	eB := New(nB.Host, stB, noopDiscovery{}, zerolog.Nop(), testConfig())
	defer eB.Close()

	eA.Connect(nB.Host.ID())
	eB.Connect(nA.Host.ID())
	NewReplicator(eB) // B must be able to serve replication requests

	rA := NewReplicator(eA)
	opt := DefaultDispatchOptions
	opt.RF = 1
	opt.BackoffMin = 50 * time.Millisecond
	opt.MaxAttempt = 3

	addr := address.Direct(blk.Cid)
	var got *PRecord
	for rec := range rA.Dispatch(ctx, addr, opt) {
		r := rec
		got = &r
	}
	require.NotNil(t, got, "Dispatch should confirm at least one peer")
	require.Equal(t, nB.Host.ID(), got.Provider)

	has, err := stB.Has(ctx, blk.Cid)
	require.NoError(t, err)
	require.True(t, has, "pushed block must land in the target's store")
}
