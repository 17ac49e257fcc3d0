package discovery

import (
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"
)

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	digest, err := mh.Sum([]byte(s), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, digest)
}

func newTestClient(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		cache: make(map[cid.Cid]cacheEntry),
		tries: make(map[cid.Cid]int),
		gseen: make(map[cid.Cid][]peer.AddrInfo),
	}
}

func TestClientCacheHitWithinTTL(t *testing.T) {
	c := newTestClient(Config{CacheTTL: time.Minute})
	target := testCID(t, "cached")
	want := []peer.AddrInfo{{ID: peer.ID("p1")}}
	c.store(target, want)

	got, ok := c.fromCache(target)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestClientCacheExpires(t *testing.T) {
	c := newTestClient(Config{CacheTTL: time.Millisecond})
	target := testCID(t, "stale")
	c.store(target, []peer.AddrInfo{{ID: peer.ID("p1")}})

	time.Sleep(5 * time.Millisecond)
	_, ok := c.fromCache(target)
	require.False(t, ok)
}

func TestClientGossipHint(t *testing.T) {
	c := newTestClient(DefaultConfig())
	target := testCID(t, "gossiped")
	c.gseen[target] = []peer.AddrInfo{{ID: peer.ID("gossipy")}}

	got := c.fromGossip(target)
	require.Len(t, got, 1)
	require.Equal(t, peer.ID("gossipy"), got[0].ID)
}

func TestClientGossipHintEmptyWhenUnseen(t *testing.T) {
	c := newTestClient(DefaultConfig())
	require.Empty(t, c.fromGossip(testCID(t, "nope")))
}
