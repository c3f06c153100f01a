// ABOUTME: CLI entry point for acp-bridge: host protocol on stdio, agent over ACP
// ABOUTME: Loads config, wires the relay, tool endpoint, and OAuth store, then runs the bridge

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/auth"
	"github.com/mauromedda/acp-bridge/internal/bridge"
	"github.com/mauromedda/acp-bridge/internal/config"
	"github.com/mauromedda/acp-bridge/internal/host"
	bridgehttp "github.com/mauromedda/acp-bridge/internal/http"
	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/mcp"
	"github.com/mauromedda/acp-bridge/internal/relay"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	args, fs, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if args.help {
		fmt.Fprintln(os.Stderr, "usage: acp-bridge [flags]")
		fs.PrintDefaults()
		os.Exit(0)
	}
	if args.version {
		fmt.Printf("acp-bridge %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args, os.Stdin, os.Stdout); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run loads settings, assembles the bridge, and serves the host on in/out.
func run(ctx context.Context, args cliArgs, in io.Reader, out io.Writer) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	projectRoot := args.projectRoot
	if projectRoot == "" {
		projectRoot = cwd
	}

	cfg, err := config.Load(args.configDir, projectRoot)
	if err != nil {
		return err
	}
	applyOverrides(cfg, args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.SetLevel(log.ParseLevel(cfg.LogLevel))
	if args.verbose {
		log.SetLevel(log.LevelDebug)
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		log.Warn("stdin is a terminal; acp-bridge expects newline-delimited JSON from a host process")
	}

	stream := host.NewStream()
	defer stream.WriteTo(out)()

	opts, err := buildOptions(cfg, stream, cwd)
	if err != nil {
		return err
	}

	b := bridge.New(stream.Emit, opts...)
	log.Info("acp-bridge %s started (agent %s)", version, cfg.Agent.Command)
	return b.Run(ctx, in)
}

// applyOverrides folds command-line flags onto the loaded settings.
func applyOverrides(cfg *config.Settings, args cliArgs) {
	if args.agent != "" {
		cfg.Agent.Command = args.agent
		cfg.Agent.Args = nil
	}
	if len(args.agentArgs) > 0 {
		cfg.Agent.Args = append([]string(nil), args.agentArgs...)
	}
	if args.relaySocket != "" {
		cfg.Relay.Channel = config.ChannelSocket
		cfg.Relay.SocketPath = args.relaySocket
	}
	if args.listen != "" {
		cfg.Relay.ListenAddr = args.listen
	}
}

// buildOptions wires the relay, its channel, the tool endpoint, and auth.
func buildOptions(cfg *config.Settings, stream *host.Stream, cwd string) ([]bridge.Option, error) {
	strip := cfg.Agent.StripEnv
	if strip == nil {
		strip = acp.DefaultStripEnv
	}
	opts := []bridge.Option{
		bridge.WithCommand(acp.Command{
			Path:     cfg.Agent.Command,
			Args:     cfg.Agent.Args,
			Env:      cfg.Agent.Env,
			StripEnv: strip,
		}),
		bridge.WithToolResultLimit(cfg.ToolResultLimit),
		bridge.WithDefaultCwd(cwd),
	}

	r := relay.New(nil)
	switch cfg.Relay.Channel {
	case config.ChannelSocket:
		sc := relay.NewSocketChannel(cfg.Relay.SocketPath, r)
		r.SetChannel(sc)
		opts = append(opts, bridge.WithService(sc))
	default:
		r.SetChannel(eventChannel(stream))
	}
	opts = append(opts, bridge.WithRelay(r))

	mcpOpts := []mcp.Option{mcp.WithVersion(version)}
	if cfg.Relay.ToolManifest != "" {
		m, err := mcp.LoadManifestFile(cfg.Relay.ToolManifest)
		if err != nil {
			return nil, err
		}
		mcpOpts = append(mcpOpts, mcp.WithManifest(m))
	}
	srv, err := mcp.NewServer(r, mcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating tool endpoint: %w", err)
	}
	if err := srv.Listen(cfg.Relay.ListenAddr, cfg.Relay.MaxConns); err != nil {
		return nil, fmt.Errorf("starting tool endpoint: %w", err)
	}
	opts = append(opts, bridge.WithToolEndpoint(srv), bridge.WithService(srv))

	if cfg.Auth.Enabled() {
		timeout, _ := cfg.Auth.TimeoutDuration()
		opts = append(opts,
			bridge.WithOAuth(auth.Config{
				ClientID:     cfg.Auth.ClientID,
				AuthorizeURL: cfg.Auth.AuthorizeURL,
				TokenURL:     cfg.Auth.TokenURL,
				Scopes:       cfg.Auth.Scopes(),
				SuccessURL:   cfg.Auth.SuccessURL,
				Timeout:      timeout,
				HTTPClient:   bridgehttp.SecureHTTPClient(30 * time.Second),
			}, cfg.Auth.MethodID),
			bridge.WithCredentialStore(auth.NewKeychainStore(cfg.Auth.CredentialService)),
		)
	}
	return opts, nil
}

// eventChannel relays tool calls to the host as tool_use events.
func eventChannel(stream *host.Stream) relay.Channel {
	return relay.ChannelFunc(func(_ context.Context, use relay.ToolUse) error {
		stream.Emit(host.ToolUse(use.CallID, use.Name, use.Input))
		return nil
	})
}
