// ABOUTME: Authentication orchestration: surfaces methods, runs OAuth or the agent's own method
// ABOUTME: A successful OAuth flow persists credentials and restarts the agent

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/auth"
	"github.com/mauromedda/acp-bridge/internal/host"
	"github.com/mauromedda/acp-bridge/internal/log"
)

// requireAuth records the agent's methods and tells the host to pick one.
func (b *Bridge) requireAuth(methods []acp.AuthMethod) {
	b.mu.Lock()
	if len(methods) > 0 {
		b.authMethods = methods
	}
	known := b.authMethods
	b.mu.Unlock()

	out := make([]host.AuthMethod, 0, len(known)+1)
	hasOAuth := false
	for _, m := range known {
		typ := m.Type
		if b.isOAuth(m) {
			typ, hasOAuth = "oauth", true
		} else if typ == "" {
			typ = "agent"
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, host.AuthMethod{ID: m.ID, Type: typ, DisplayName: name})
	}
	if len(out) == 0 && b.oauthEnabled() && !hasOAuth {
		out = append(out, host.AuthMethod{ID: b.oauthID, Type: "oauth", DisplayName: "Sign in with your browser"})
	}

	log.Info("bridge: agent requires authentication (%d method(s))", len(out))
	b.emit(host.AuthRequired(out))
}

// Authenticate starts authentication with methodID, replacing any attempt
// already in progress.
func (b *Bridge) Authenticate(methodID string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	method, ok := b.lookupMethodLocked(methodID)
	if !ok {
		b.mu.Unlock()
		b.emit(host.Error(fmt.Sprintf("unknown authentication method %q", methodID)))
		return
	}
	if b.authCancel != nil {
		b.authCancel()
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.authCancel = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer cancel()
		if b.isOAuth(method) {
			b.runOAuth(ctx)
		} else {
			b.runAgentAuth(ctx, method.ID)
		}
	}()
}

func (b *Bridge) runOAuth(ctx context.Context) {
	flow, err := auth.Start(b.oauth)
	if err != nil {
		b.authFailed(ctx, err)
		return
	}
	b.emit(host.AuthURL(flow.AuthURL()))

	creds, err := flow.Complete(ctx)
	if err != nil {
		b.authFailed(ctx, err)
		return
	}

	if b.store != nil {
		if err := b.store.Save(ctx, creds); err != nil {
			log.Error("bridge: persisting credentials: %v", err)
		}
	}

	b.restartAgent()
	b.finishAuth(ctx)
}

func (b *Bridge) runAgentAuth(ctx context.Context, methodID string) {
	c, err := b.connect()
	if err != nil {
		b.authFailed(ctx, err)
		return
	}
	if err := c.Authenticate(ctx, methodID); err != nil {
		b.authFailed(ctx, err)
		return
	}
	b.finishAuth(ctx)
}

// finishAuth re-runs initialize and reports success.
func (b *Bridge) finishAuth(ctx context.Context) {
	if _, err := b.agent(ctx); err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return
		}
		b.authFailed(ctx, err)
		return
	}
	log.Info("bridge: authentication succeeded")
	b.emit(host.AuthSuccess())
}

func (b *Bridge) authFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		log.Debug("bridge: authentication attempt abandoned: %v", err)
		return
	}
	log.Error("bridge: authentication failed: %v", err)
	b.emit(host.Error("authentication failed: " + err.Error()))
}

func (b *Bridge) lookupMethodLocked(id string) (acp.AuthMethod, bool) {
	for _, m := range b.authMethods {
		if m.ID == id {
			return m, true
		}
	}
	if b.oauthEnabled() && id == b.oauthID {
		return acp.AuthMethod{ID: id, Type: "oauth"}, true
	}
	return acp.AuthMethod{}, false
}

func (b *Bridge) oauthEnabled() bool {
	return b.oauth.AuthorizeURL != "" && b.oauth.TokenURL != "" && b.oauthID != ""
}

func (b *Bridge) isOAuth(m acp.AuthMethod) bool {
	return b.oauthEnabled() && (m.ID == b.oauthID || m.Type == "oauth")
}
