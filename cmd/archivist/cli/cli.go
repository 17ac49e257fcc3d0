// Package cli implements the archivist command-line tool: a thin wrapper
// constructing a node.Node in-process and driving it, mirroring the shape
// of the teacher's cmd/hop/cli commands (ffcli.Command trees with a
// shared root flag set) without the socket+RPC client/daemon split those
// commands talked to, since that transport is outside this module's scope.
package cli

import (
	"context"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
)

// rootConfig holds the flags every subcommand shares: where the node's
// repo lives and how it joins the network.
type rootConfig struct {
	repoPath       string
	listenAddrs    stringSlice
	bootstrapPeers stringSlice
	regions        stringSlice
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string { return "" }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (cfg *rootConfig) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.repoPath, "repo", defaultRepoPath(), "path to the node's data directory")
	fs.Var(&cfg.listenAddrs, "listen", "multiaddr to listen on (repeatable)")
	fs.Var(&cfg.bootstrapPeers, "peer", "bootstrap peer multiaddr (repeatable)")
	fs.Var(&cfg.regions, "region", "named region to advertise under (repeatable)")
}

func defaultRepoPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.archivist"
	}
	return ".archivist"
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Run parses args and executes the resolved command.
func Run(ctx context.Context, args []string) error {
	var cfg rootConfig
	fs := flag.NewFlagSet("archivist", flag.ExitOnError)
	cfg.registerFlags(fs)

	root := &ffcli.Command{
		Name:       "archivist",
		ShortUsage: "archivist <subcommand> [flags]",
		ShortHelp:  "Run and interact with an Archivist block-exchange node",
		FlagSet:    fs,
		Subcommands: []*ffcli.Command{
			serveCommand(&cfg),
			getCommand(&cfg),
			idCommand(&cfg),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(args); err != nil {
		return err
	}
	return root.Run(ctx)
}
