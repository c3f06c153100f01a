// ABOUTME: Bridge ties the host line protocol, the agent subprocess, and the tool relay together
// ABOUTME: Owns the agent lifecycle (spawn, initialize, respawn) and the background services

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/auth"
	"github.com/mauromedda/acp-bridge/internal/host"
	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/relay"
)

// DefaultCancelGrace is how long a cancelled turn waits for the agent to
// acknowledge session/cancel.
const DefaultCancelGrace = 2 * time.Second

// ErrAuthRequired wraps the agent's auth-required error.
var ErrAuthRequired = errors.New("agent requires authentication")

// Service is a background component that runs until ctx ends.
type Service interface {
	Run(ctx context.Context) error
}

// ToolEndpoint describes the MCP server handed to the agent for each session.
type ToolEndpoint interface {
	Descriptor() acp.McpServer
}

// Bridge serves one host over its lifetime.
type Bridge struct {
	spawn       func() (*acp.Conn, error)
	emit        func(host.Event)
	relay       *relay.Relay
	tools       ToolEndpoint
	services    []Service
	oauth       auth.Config
	oauthID     string
	store       auth.Store
	limit       int
	defaultCwd  string
	cancelGrace time.Duration

	sessions *Sessions

	agentMu     sync.Mutex
	current     atomic.Pointer[acp.Client]
	initialized bool

	mu          sync.Mutex
	active      *query
	authMethods []acp.AuthMethod
	authCancel  context.CancelFunc
	stopped     bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCommand launches the agent with cmd.
func WithCommand(cmd acp.Command) Option {
	return func(b *Bridge) {
		b.spawn = func() (*acp.Conn, error) { return acp.Spawn(cmd) }
	}
}

// WithSpawner sets a custom agent launcher.
func WithSpawner(spawn func() (*acp.Conn, error)) Option {
	return func(b *Bridge) { b.spawn = spawn }
}

// WithRelay sets the relay whose mode follows each query.
func WithRelay(r *relay.Relay) Option {
	return func(b *Bridge) { b.relay = r }
}

// WithToolEndpoint advertises an MCP server in every new session.
func WithToolEndpoint(t ToolEndpoint) Option {
	return func(b *Bridge) { b.tools = t }
}

// WithService adds background services run alongside the host reader.
func WithService(s ...Service) Option {
	return func(b *Bridge) { b.services = append(b.services, s...) }
}

// WithOAuth enables the in-process OAuth flow for methodID.
func WithOAuth(cfg auth.Config, methodID string) Option {
	return func(b *Bridge) {
		b.oauth = cfg
		b.oauthID = methodID
	}
}

// WithCredentialStore sets where OAuth credentials are persisted.
func WithCredentialStore(s auth.Store) Option {
	return func(b *Bridge) { b.store = s }
}

// WithToolResultLimit caps tool output forwarded for display.
func WithToolResultLimit(n int) Option {
	return func(b *Bridge) { b.limit = n }
}

// WithDefaultCwd is used for queries that carry no cwd.
func WithDefaultCwd(dir string) Option {
	return func(b *Bridge) { b.defaultCwd = dir }
}

// WithCancelGrace bounds how long a cancelled turn may keep the agent
// session before the next query takes it over.
func WithCancelGrace(d time.Duration) Option {
	return func(b *Bridge) { b.cancelGrace = d }
}

// New creates a bridge that reports to emit.
func New(emit func(host.Event), opts ...Option) *Bridge {
	b := &Bridge{
		emit:        emit,
		limit:       DefaultToolResultLimit,
		cancelGrace: DefaultCancelGrace,
		spawn:       func() (*acp.Conn, error) { return nil, errors.New("no agent command configured") },
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.defaultCwd == "" {
		if wd, err := os.Getwd(); err == nil {
			b.defaultCwd = wd
		}
	}
	b.sessions = NewSessions(b.defaultCwd)
	b.ctx, b.cancel = context.WithCancelCause(context.Background())
	return b
}

// Run reads host messages from in until stop, EOF, or ctx cancellation,
// then shuts down the agent and the background services.
func (b *Bridge) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range b.services {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		err := host.Serve(gctx, in, hostHandler{b})
		b.Stop()
		b.shutdown()
		if errors.Is(err, host.ErrStopped) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// ToolResult hands a host tool result to the waiting relay call.
func (b *Bridge) ToolResult(callID, result string) {
	if b.relay == nil {
		log.Warn("bridge: tool_result %s with no relay configured", callID)
		return
	}
	b.relay.Resolve(callID, result)
}

// Stop cancels all work and marks the bridge stopped. It does not block.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	q := b.active
	authCancel := b.authCancel
	b.mu.Unlock()

	if q != nil {
		q.cancel(ErrStopped)
	}
	if authCancel != nil {
		authCancel()
	}
	b.cancel(ErrStopped)
	if b.relay != nil {
		b.relay.RejectAll(ErrStopped)
	}
	log.Info("bridge: stopping")
}

// shutdown waits for in-flight work and terminates the agent.
func (b *Bridge) shutdown() {
	b.wg.Wait()

	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	if c := b.current.Swap(nil); c != nil {
		closeAgent(c)
	}
}

// agent returns an initialized client, spawning the subprocess if needed.
func (b *Bridge) agent(ctx context.Context) (*acp.Client, error) {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()

	c, err := b.connectLocked()
	if err != nil {
		return nil, err
	}
	if b.initialized {
		return c, nil
	}

	res, err := c.Initialize(ctx)
	if err != nil {
		if acp.IsAuthRequired(err) {
			b.requireAuth(acp.AuthMethodsFromError(err))
			return nil, fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("initializing agent: %w", err)
	}
	b.initialized = true
	if len(res.AuthMethods) > 0 {
		b.mu.Lock()
		b.authMethods = res.AuthMethods
		b.mu.Unlock()
	}
	log.Info("bridge: agent initialized (protocol %d)", res.ProtocolVersion)
	return c, nil
}

// connect returns a live client without initializing it.
func (b *Bridge) connect() (*acp.Client, error) {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	return b.connectLocked()
}

func (b *Bridge) connectLocked() (*acp.Client, error) {
	if c := b.current.Load(); c != nil {
		if c.Conn().Alive() {
			return c, nil
		}
		log.Warn("bridge: agent gone (%v); respawning", c.Conn().Err())
	}

	conn, err := b.spawn()
	if err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	c := acp.NewClient(conn)
	c.OnPermission(b.permit)
	b.current.Store(c)
	b.initialized = false
	b.sessions.Reset()
	return c, nil
}

// restartAgent terminates the subprocess so the next use spawns a fresh one.
func (b *Bridge) restartAgent() {
	b.agentMu.Lock()
	defer b.agentMu.Unlock()
	if c := b.current.Swap(nil); c != nil {
		closeAgent(c)
	}
	b.initialized = false
	b.sessions.Reset()
}

func closeAgent(c *acp.Client) {
	if err := c.Conn().Close(); err != nil {
		log.Debug("bridge: closing agent: %v", err)
	}
	select {
	case <-c.Conn().Done():
	case <-time.After(5 * time.Second):
		log.Warn("bridge: agent did not exit within 5s")
	}
}

// permit answers agent permission requests from the current mode.
func (b *Bridge) permit(req acp.PermissionRequest) bool {
	allow := b.relay != nil && b.relay.Mode() == relay.ModeAct
	log.Info("bridge: permission for %q: allow=%v", req.ToolCall.Title, allow)
	return allow
}

func (b *Bridge) mcpServers() []acp.McpServer {
	if b.tools == nil {
		return nil
	}
	d := b.tools.Descriptor()
	if d.URL == "" {
		return nil
	}
	return []acp.McpServer{d}
}

// hostHandler adapts the bridge to host.Handler.
type hostHandler struct {
	*Bridge
}

func (h hostHandler) Query(msg host.Inbound) {
	h.Bridge.Query(QueryRequest{
		Prompt:       msg.Prompt,
		Cwd:          msg.Cwd,
		SystemPrompt: msg.SystemPrompt,
		Mode:         relay.ParseMode(msg.Mode),
	})
}
