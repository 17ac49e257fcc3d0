package node

import (
	"github.com/archivist-project/blockexc/discovery"
	"github.com/archivist-project/blockexc/exchange"
	"github.com/archivist-project/blockexc/supply"
)

// Options configures a Node. It plays the role of the teacher's
// node.Options (node/popn.go), trimmed to what a block-exchange node
// actually needs: no Filecoin RPC endpoint/token, no storage-deal wallet
// key, since the marketplace CLI surface those fed is out of scope here.
type Options struct {
	// RepoPath is the filesystem path used for the badger datastore and
	// libp2p identity keystore.
	RepoPath string
	// ListenAddrs are the multiaddrs the host listens on. A nil slice
	// means "listen on an OS-assigned TCP port on all interfaces".
	ListenAddrs []string
	// BootstrapPeers are multiaddrs of peers to dial on startup, same
	// shape as the teacher's Options.BootstrapPeers.
	BootstrapPeers []string
	// Regions is a list of region names this node advertises content
	// under (supply.ParseRegions resolves it).
	Regions []string

	Exchange   exchange.Config
	Advertiser supply.Config
	Discovery  discovery.Config
}

// DefaultOptions fills in every component's normative defaults.
func DefaultOptions() Options {
	return Options{
		Exchange:   exchange.DefaultConfig(),
		Advertiser: supply.DefaultConfig(),
		Discovery:  discovery.DefaultConfig(),
	}
}
