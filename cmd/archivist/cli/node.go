package cli

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/archivist-project/blockexc/address"
	"github.com/archivist-project/blockexc/node"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"
)

func buildOptions(cfg *rootConfig) node.Options {
	opts := node.DefaultOptions()
	opts.RepoPath = cfg.repoPath
	opts.ListenAddrs = []string(cfg.listenAddrs)
	opts.BootstrapPeers = []string(cfg.bootstrapPeers)
	opts.Regions = []string(cfg.regions)
	return opts
}

func startNode(ctx context.Context, cfg *rootConfig, log zerolog.Logger) (*node.Node, error) {
	return node.New(ctx, buildOptions(cfg), log)
}

// parseAddress accepts either a bare CID string (a direct block address)
// or "<tree-cid>:<index>" (a tree-leaf address).
func parseAddress(s string) (address.Address, error) {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		idx, err := strconv.ParseUint(s[i+1:], 10, 64)
		if err == nil {
			tree, err := cid.Decode(s[:i])
			if err != nil {
				return address.Address{}, err
			}
			return address.TreeLeaf(tree, idx), nil
		}
	}
	c, err := cid.Decode(s)
	if err != nil {
		return address.Address{}, err
	}
	return address.Direct(c), nil
}

var errMissingArg = errors.New("cli: missing required argument")
