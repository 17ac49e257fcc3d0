package cli

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/archivist-project/blockexc/address"
	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func getCommand(root *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("archivist get", flag.ExitOnError)
	root.registerFlags(fs)
	out := fs.String("out", "", "file to write the block's data to (default: stdout)")

	return &ffcli.Command{
		Name:      "get",
		ShortUsage: "archivist get [flags] <cid>[:<index>]",
		ShortHelp: "Fetch a block by address, from the local store or the network",
		LongHelp: strings.TrimSpace(`

The 'archivist get' command resolves a direct CID or a tree-leaf address
("<tree-cid>:<index>") to its block data, checking the local store first
and then falling back to the network.

`),
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errMissingArg
			}
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}

			log := newLogger()
			n, err := startNode(ctx, root, log)
			if err != nil {
				return err
			}
			defer n.Close()

			blk, err := n.Get(ctx, addr)
			if err != nil {
				return err
			}
			if disp, err := address.EncodeDisplay(blk.Cid); err == nil {
				log.Info().Str("cid", disp).Str("size", humanize.Bytes(uint64(len(blk.Data)))).Msg("fetched block")
			}

			if *out == "" {
				_, err := os.Stdout.Write(blk.Data)
				return err
			}
			return os.WriteFile(*out, blk.Data, 0o644)
		},
	}
}
