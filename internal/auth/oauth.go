// ABOUTME: OAuth 2.0 authorization code flow with PKCE behind an ephemeral loopback callback
// ABOUTME: The caller opens the returned URL; Wait/Cancel/timeout all release the listener

package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	bridgehttp "github.com/mauromedda/acp-bridge/internal/http"
	"github.com/mauromedda/acp-bridge/internal/log"
)

// DefaultTimeout bounds the wait for the browser callback.
const DefaultTimeout = 10 * time.Minute

var (
	ErrInvalidState = errors.New("invalid state")
	ErrMissingCode  = errors.New("missing authorization code")
	ErrInvalidCode  = errors.New("invalid authorization code")
	ErrTimeout      = errors.New("timed out waiting for authorization")
	ErrCancelled    = errors.New("authorization cancelled")
)

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed (HTTP %d): %s", e.Status, e.Body)
}

// Config holds the fixed client registration and endpoints.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	Scopes       []string
	SuccessURL   string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Credentials is the token bundle persisted after a successful exchange.
type Credentials struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	ExpiresAt    int64    `json:"expiresAt,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type callbackResult struct {
	code string
	err  error
}

// Flow is one authorization attempt.
type Flow struct {
	cfg         Config
	verifier    string
	state       string
	redirectURI string
	authURL     string

	srv      *http.Server
	resultCh chan callbackResult
	cancelCh chan struct{}
	once     sync.Once
}

// Start generates PKCE material, binds the callback listener, and returns the
// flow. The listener stays open until the flow completes or is cancelled.
func Start(cfg Config) (*Flow, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	ln, err := bridgehttp.ListenLoopback("127.0.0.1:0", 4)
	if err != nil {
		return nil, fmt.Errorf("starting callback listener: %w", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	f := &Flow{
		cfg:         cfg,
		verifier:    verifier,
		state:       state,
		redirectURI: "http://localhost:" + port + "/callback",
		resultCh:    make(chan callbackResult, 1),
		cancelCh:    make(chan struct{}),
	}

	f.authURL, err = buildAuthURL(cfg, f.redirectURI, state, generateCodeChallenge(verifier))
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("building auth URL: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", f.handleCallback)
	f.srv = bridgehttp.SecureHTTPServer(mux)
	go func() {
		if serveErr := f.srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			f.deliver(callbackResult{err: fmt.Errorf("callback server: %w", serveErr)})
		}
	}()

	log.Debug("auth: callback listening on %s", f.redirectURI)
	return f, nil
}

// AuthURL returns the URL the user must open.
func (f *Flow) AuthURL() string { return f.authURL }

// RedirectURI returns the local callback address.
func (f *Flow) RedirectURI() string { return f.redirectURI }

// Wait blocks for the callback's authorization code, the timeout, Cancel, or
// ctx. The listener is closed before Wait returns.
func (f *Flow) Wait(ctx context.Context) (string, error) {
	defer f.close()

	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-f.resultCh:
		return r.code, r.err
	case <-timer.C:
		return "", ErrTimeout
	case <-f.cancelCh:
		return "", ErrCancelled
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}

// Cancel aborts the flow: the listener closes and Wait returns ErrCancelled.
func (f *Flow) Cancel() {
	f.once.Do(func() { close(f.cancelCh) })
	f.close()
}

// Complete waits for the code and exchanges it for credentials.
func (f *Flow) Complete(ctx context.Context) (*Credentials, error) {
	code, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return Exchange(ctx, f.cfg, code, f.verifier, f.redirectURI)
}

// close stops accepting immediately and lets an in-flight callback response
// finish writing.
func (f *Flow) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.srv.Shutdown(ctx); err != nil {
		log.Debug("auth: closing callback server: %v", err)
	}
}

// deliver records the first callback outcome; later ones are dropped.
func (f *Flow) deliver(r callbackResult) {
	select {
	case f.resultCh <- r:
	default:
	}
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") != f.state {
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		f.deliver(callbackResult{err: ErrInvalidState})
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		f.deliver(callbackResult{err: fmt.Errorf("authorization error: %s: %s", errParam, q.Get("error_description"))})
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		f.deliver(callbackResult{err: ErrMissingCode})
		return
	}

	if f.cfg.SuccessURL != "" {
		http.Redirect(w, r, f.cfg.SuccessURL, http.StatusFound)
	} else {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>Authorization successful</h1><p>You can close this window.</p></body></html>")
	}
	f.deliver(callbackResult{code: code})
}

// buildAuthURL constructs the full authorization URL with PKCE parameters.
func buildAuthURL(cfg Config, redirectURI, state, challenge string) (string, error) {
	u, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parsing auth URL %q: %w", cfg.AuthorizeURL, err)
	}

	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	CodeVerifier string `json:"code_verifier"`
}

// tokenResponse is the JSON structure returned by the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Exchange trades an authorization code for credentials. The request body
// is JSON.
func Exchange(ctx context.Context, cfg Config, code, verifier, redirectURI string) (*Credentials, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  redirectURI,
		ClientID:     cfg.ClientID,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := cfg.HTTPClient
	if client == nil {
		client = bridgehttp.SecureHTTPClient(30 * time.Second)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidCode
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: string(data)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	creds := &Credentials{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}
	if tr.Scope != "" {
		creds.Scopes = strings.Fields(tr.Scope)
	} else {
		creds.Scopes = cfg.Scopes
	}
	return creds, nil
}

// generateCodeVerifier returns a 43-character base64url string from 32 random bytes.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateCodeChallenge creates a PKCE S256 code challenge from a verifier.
// challenge = BASE64URL(SHA256(verifier))
func generateCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// generateState returns a 32-character hex string from 16 random bytes.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
