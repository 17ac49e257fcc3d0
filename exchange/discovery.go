package exchange

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
)

// DiscoveryClient is the engine's view of spec.md §4.G: announce held
// content and locate providers for content it wants. The discovery package
// supplies the DHT-backed implementation; tests may supply a fake.
type DiscoveryClient interface {
	Provide(ctx context.Context, c cid.Cid) error
	Find(ctx context.Context, c cid.Cid) ([]peer.AddrInfo, error)
}
