package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/archivist-project/blockexc/node"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func idCommand(root *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("archivist id", flag.ExitOnError)
	root.registerFlags(fs)

	return &ffcli.Command{
		Name:      "id",
		ShortHelp: "Print this node's peer ID, addresses and connected peers",
		FlagSet:   fs,
		Exec: func(ctx context.Context, args []string) error {
			log := newLogger()
			n, err := startNode(ctx, root, log)
			if err != nil {
				return err
			}
			defer n.Close()

			resCh := make(chan *node.PingResult, 1)
			n.SetNotifyCallback(func(e node.Event) {
				if e.PingResult != nil {
					resCh <- e.PingResult
				}
			})
			n.Ping(ctx, "")
			res := <-resCh

			fmt.Printf("id: %s\n", res.ID)
			for _, a := range res.Addrs {
				fmt.Printf("addr: %s\n", a)
			}
			for _, p := range res.Peers {
				fmt.Printf("peer: %s\n", p)
			}
			return nil
		},
	}
}
