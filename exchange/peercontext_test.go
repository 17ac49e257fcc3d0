package exchange

import (
	"testing"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/wire"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/test"
	"github.com/stretchr/testify/require"
)

func randPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := test.RandPeerID()
	require.NoError(t, err)
	return id
}

func TestPeerContextPresenceEvictsByAge(t *testing.T) {
	pid := randPeerID(t)
	pc := NewPeerContext(pid)

	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte("x"))
	require.NoError(t, err)
	addr := address.Direct(c)

	now := time.Now()
	pc.NotePresence(addr, wire.Have, nil, now)

	_, _, ok := pc.Presence(addr, now.Add(time.Second))
	require.True(t, ok)

	_, _, ok = pc.Presence(addr, now.Add(6*time.Minute))
	require.False(t, ok, "stale presence must be discarded")
}

func TestPeerContextInflightCap(t *testing.T) {
	pid := randPeerID(t)
	pc := NewPeerContext(pid)
	pc.maxInflight = 2

	mk := func(i byte) address.Address {
		c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte{i})
		require.NoError(t, err)
		return address.Direct(c)
	}

	require.True(t, pc.ClaimInflight(mk(1)))
	require.True(t, pc.ClaimInflight(mk(2)))
	require.False(t, pc.ClaimInflight(mk(3)), "third claim must exceed the cap")

	pc.ReleaseInflight(mk(1))
	require.True(t, pc.ClaimInflight(mk(3)))
}

func TestPeerContextSetMaxInflight(t *testing.T) {
	pid := randPeerID(t)
	pc := NewPeerContext(pid)
	pc.SetMaxInflight(1)

	mk := func(i byte) address.Address {
		c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte{i})
		require.NoError(t, err)
		return address.Direct(c)
	}

	require.True(t, pc.ClaimInflight(mk(1)))
	require.False(t, pc.ClaimInflight(mk(2)), "cap of 1 must reject a second claim")

	pc.SetMaxInflight(0)
	require.False(t, pc.ClaimInflight(mk(2)), "a non-positive override must be ignored, not removing the cap")
}

func TestPeerContextTheirWantCancel(t *testing.T) {
	pid := randPeerID(t)
	pc := NewPeerContext(pid)

	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte("y"))
	require.NoError(t, err)
	addr := address.Direct(c)

	pc.RecordTheirWant(wire.WantlistEntry{Address: addr, WantType: wire.WantBlock})
	_, ok := pc.TheirWant(addr)
	require.True(t, ok)

	pc.RecordTheirWant(wire.WantlistEntry{Address: addr, Cancel: true})
	_, ok = pc.TheirWant(addr)
	require.False(t, ok)
}
