// ABOUTME: Query state machine: at most one active query, superseded or interrupted by cause
// ABOUTME: Every query the host did not supersede settles with exactly one result or error

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/host"
	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/relay"
)

// Cancellation causes.
var (
	ErrSuperseded  = errors.New("query superseded")
	ErrInterrupted = errors.New("query interrupted")
	ErrStopped     = errors.New("bridge stopped")
)

// QueryRequest is one host query.
type QueryRequest struct {
	Prompt       string
	Cwd          string
	SystemPrompt string
	Mode         relay.Mode
}

type query struct {
	req    QueryRequest
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	tr     *Translator

	mu        sync.Mutex
	sessionID string
}

func (q *query) setSession(id string) {
	q.mu.Lock()
	q.sessionID = id
	q.mu.Unlock()
}

// SessionID returns the session serving the query, or "" before it is known.
func (q *query) SessionID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionID
}

// Query starts req, superseding any query still running. It returns
// immediately; progress is reported through events.
func (b *Bridge) Query(req QueryRequest) {
	ctx, cancel := context.WithCancelCause(b.ctx)
	q := &query{
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tr:     NewTranslator(b.emit, b.limit),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		cancel(ErrStopped)
		return
	}
	prev := b.active
	b.active = q
	b.wg.Add(1)
	b.mu.Unlock()

	if prev != nil {
		log.Debug("bridge: superseding running query")
		prev.cancel(ErrSuperseded)
	}

	go func() {
		defer b.wg.Done()
		if prev != nil {
			<-prev.done
		}
		b.run(q)
	}()
}

// Interrupt cancels the running query; it settles with its partial text.
func (b *Bridge) Interrupt() {
	b.mu.Lock()
	q := b.active
	b.mu.Unlock()
	if q == nil {
		log.Debug("bridge: interrupt with no running query")
		return
	}
	q.cancel(ErrInterrupted)
}

// cancelTurn asks the agent to stop the query's turn. The session survives.
func (b *Bridge) cancelTurn(q *query) {
	sid := q.SessionID()
	if sid == "" {
		return
	}
	c := b.current.Load()
	if c == nil || !c.Conn().Alive() {
		return
	}
	if err := c.Cancel(sid); err != nil {
		log.Warn("bridge: session/cancel: %v", err)
	}
}

func (b *Bridge) run(q *query) {
	defer close(q.done)
	defer func() {
		b.mu.Lock()
		if b.active == q {
			b.active = nil
		}
		b.mu.Unlock()
	}()

	res, err := b.execute(q)
	b.settle(q, res, err)
}

func (b *Bridge) execute(q *query) (*acp.PromptResult, error) {
	if err := q.ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.req.Prompt) == "" {
		return nil, errors.New("empty prompt")
	}

	client, err := b.agent(q.ctx)
	if err != nil {
		return nil, err
	}

	sess, created, err := b.sessions.Ensure(q.ctx, q.req.Cwd, q.req.SystemPrompt,
		func(ctx context.Context, cwd, systemPrompt string) (string, error) {
			return client.NewSession(ctx, acp.NewSessionParams{
				Cwd:          cwd,
				McpServers:   b.mcpServers(),
				SystemPrompt: systemPrompt,
			})
		})
	if err != nil {
		if acp.IsAuthRequired(err) {
			b.requireAuth(acp.AuthMethodsFromError(err))
			return nil, fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if created {
		log.Info("bridge: session %s for %s", sess.ID, sess.Cwd)
	}

	q.setSession(sess.ID)
	b.emit(host.Init(sess.ID))
	if b.relay != nil {
		b.relay.SetMode(q.req.Mode)
	}

	if err := q.ctx.Err(); err != nil {
		return nil, err
	}
	q.tr.Bind(sess.ID)
	q.tr.MuteAfter(q.ctx.Done())
	detach := client.Attach(q.tr.Handle)
	defer detach()
	return b.prompt(q, client, sess.ID)
}

type promptOutcome struct {
	res *acp.PromptResult
	err error
}

// prompt runs the turn. Once the query is cancelled the agent is told to
// stop, and the handler stays attached (muted) until the agent answers the
// prompt, the grace period ends, or the agent goes away. The next query only
// attaches after that, so the tail of this turn cannot reach it.
func (b *Bridge) prompt(q *query, client *acp.Client, sessionID string) (*acp.PromptResult, error) {
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(q.ctx))
	defer cancel()

	out := make(chan promptOutcome, 1)
	go func() {
		res, err := client.Prompt(turnCtx, sessionID, q.req.Prompt)
		out <- promptOutcome{res, err}
	}()

	select {
	case o := <-out:
		return o.res, o.err
	case <-q.ctx.Done():
	}

	b.cancelTurn(q)
	// The agent may be blocked on a relay call; release it before waiting.
	b.sweepTools(context.Cause(q.ctx))
	if errors.Is(context.Cause(q.ctx), ErrStopped) {
		return nil, context.Cause(q.ctx)
	}

	timer := time.NewTimer(b.cancelGrace)
	defer timer.Stop()
	select {
	case o := <-out:
		if o.res != nil {
			log.Debug("bridge: cancelled turn ended (%s)", o.res.StopReason)
		}
		return o.res, o.err
	case <-client.Conn().Done():
		return nil, context.Cause(q.ctx)
	case <-b.ctx.Done():
		return nil, context.Cause(q.ctx)
	case <-timer.C:
		log.Warn("bridge: agent did not end the cancelled turn within %s", b.cancelGrace)
		return nil, context.Cause(q.ctx)
	}
}

func (b *Bridge) settle(q *query, res *acp.PromptResult, err error) {
	cause := context.Cause(q.ctx)
	switch {
	case errors.Is(cause, ErrSuperseded), errors.Is(cause, ErrStopped):
		b.sweepTools(cause)
		log.Debug("bridge: discarding query outcome (%v)", cause)

	case errors.Is(cause, ErrInterrupted):
		b.sweepTools(cause)
		q.tr.Flush()
		b.emit(host.Result(q.tr.Text(), q.SessionID(), q.tr.Cost()))

	case err != nil:
		b.sweepTools(err)
		q.tr.Flush()
		log.Error("bridge: query failed: %v", err)
		b.emit(host.Error(err.Error()))

	default:
		q.tr.Flush()
		cost := q.tr.Cost()
		if res != nil && res.Meta.CostUSD != nil {
			cost = *res.Meta.CostUSD
		}
		if res != nil {
			log.Debug("bridge: turn ended (%s)", res.StopReason)
		}
		b.emit(host.Result(q.tr.Text(), q.SessionID(), cost))
	}
}

func (b *Bridge) sweepTools(err error) {
	if b.relay == nil {
		return
	}
	if n := b.relay.RejectAll(err); n > 0 {
		log.Info("bridge: rejected %d pending tool call(s)", n)
	}
}
