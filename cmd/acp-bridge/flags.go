// ABOUTME: CLI flag parsing for acp-bridge using pflag
// ABOUTME: Flags override the agent command, relay channel, and config directory

package main

import (
	"io"

	"github.com/spf13/pflag"
)

type cliArgs struct {
	agent       string
	agentArgs   []string
	configDir   string
	projectRoot string
	relaySocket string
	listen      string
	verbose     bool
	version     bool
	help        bool
}

func newFlagSet(args *cliArgs, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("acp-bridge", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&args.agent, "agent", "", "agent executable (overrides agent.command)")
	fs.StringArrayVar(&args.agentArgs, "agent-arg", nil, "argument passed to the agent; repeatable")
	fs.StringVar(&args.configDir, "config-dir", "", "global config directory (default ~/.acp-bridge)")
	fs.StringVar(&args.projectRoot, "project", "", "project root holding .acp-bridge/config.json (default: working directory)")
	fs.StringVar(&args.relaySocket, "relay-socket", "", "relay tool calls over this unix socket instead of the event stream")
	fs.StringVar(&args.listen, "listen", "", "loopback address for the tool endpoint (default 127.0.0.1:0)")
	fs.BoolVarP(&args.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVar(&args.version, "version", false, "show version and exit")
	fs.BoolVarP(&args.help, "help", "h", false, "show help")
	return fs
}

func parseFlags(argv []string, out io.Writer) (cliArgs, *pflag.FlagSet, error) {
	var args cliArgs
	fs := newFlagSet(&args, out)
	err := fs.Parse(argv)
	return args, fs, err
}
