package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3/ffcli"
)

func serveCommand(root *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("archivist serve", flag.ExitOnError)
	root.registerFlags(fs)

	return &ffcli.Command{
		Name:      "serve",
		ShortHelp: "Run a node, serving the block-exchange protocol until stopped",
		LongHelp: strings.TrimSpace(`

The 'archivist serve' command starts a node: it opens its store, joins the
network, answers peer requests and advertises newly stored content, until
interrupted.

`),
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			log := newLogger()
			n, err := startNode(ctx, root, log)
			if err != nil {
				return err
			}
			log.Info().Str("id", n.Host().ID().String()).Msg("node started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			return n.Close()
		},
	}
}
