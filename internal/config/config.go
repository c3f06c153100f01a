// ABOUTME: Bridge settings loaded from global + project JSON files with deep merge
// ABOUTME: Defaults are applied first; later files override non-zero fields

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Relay channel kinds.
const (
	ChannelEvents = "events"
	ChannelSocket = "socket"
)

// AgentSettings describes the agent subprocess.
type AgentSettings struct {
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	StripEnv []string          `json:"stripEnv,omitempty"`
}

// RelaySettings controls the tool endpoint and the host channel.
type RelaySettings struct {
	Channel      string `json:"channel,omitempty"`
	SocketPath   string `json:"socketPath,omitempty"`
	ListenAddr   string `json:"listenAddr,omitempty"`
	MaxConns     int    `json:"maxConns,omitempty"`
	ToolManifest string `json:"toolManifest,omitempty"` // YAML file replacing the built-in tool list
}

// AuthSettings configures the OAuth flow and credential persistence.
type AuthSettings struct {
	MethodID          string `json:"methodId,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	AuthorizeURL      string `json:"authorizeUrl,omitempty"`
	TokenURL          string `json:"tokenUrl,omitempty"`
	Scope             string `json:"scope,omitempty"`
	SuccessURL        string `json:"successUrl,omitempty"`
	CredentialService string `json:"credentialService,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
}

// Scopes splits Scope on whitespace.
func (a AuthSettings) Scopes() []string {
	return strings.Fields(a.Scope)
}

// TimeoutDuration parses Timeout; an empty value yields zero.
func (a AuthSettings) TimeoutDuration() (time.Duration, error) {
	if a.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0, fmt.Errorf("auth.timeout: %w", err)
	}
	return d, nil
}

// Enabled reports whether the OAuth flow has everything it needs.
func (a AuthSettings) Enabled() bool {
	return a.ClientID != "" && a.AuthorizeURL != "" && a.TokenURL != "" && a.MethodID != ""
}

// Settings holds the merged configuration.
type Settings struct {
	Agent           AgentSettings `json:"agent"`
	Relay           RelaySettings `json:"relay"`
	Auth            AuthSettings  `json:"auth"`
	LogLevel        string        `json:"logLevel,omitempty"`
	ToolResultLimit int           `json:"toolResultLimit,omitempty"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		Agent: AgentSettings{
			Command: "claude-code-acp",
		},
		Relay: RelaySettings{
			Channel:    ChannelEvents,
			ListenAddr: "127.0.0.1:0",
			MaxConns:   8,
		},
		Auth: AuthSettings{
			MethodID:          "oauth",
			AuthorizeURL:      "https://claude.ai/oauth/authorize",
			TokenURL:          "https://console.anthropic.com/v1/oauth/token",
			Scope:             "org:create_api_key user:profile user:inference",
			SuccessURL:        "https://console.anthropic.com/oauth/code/success",
			CredentialService: "acp-bridge-credentials",
			Timeout:           "10m",
		},
		LogLevel:        "info",
		ToolResultLimit: 2000,
	}
}

// Load reads and merges defaults, the global file in globalDir, and the
// project file under projectRoot. Missing files are skipped.
func Load(globalDir, projectRoot string) (*Settings, error) {
	result := Defaults()

	global, err := loadFile(GlobalConfigFile(globalDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	result = merge(result, global)

	if projectRoot != "" {
		project, err := loadFile(ProjectConfigFile(projectRoot))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
		result = merge(result, project)
	}

	ResolveEnvVars(result)
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Relay.Channel {
	case ChannelEvents:
	case ChannelSocket:
		if s.Relay.SocketPath == "" {
			errs = append(errs, errors.New("relay.socketPath is required when relay.channel is \"socket\""))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.channel %q is not one of %q, %q", s.Relay.Channel, ChannelEvents, ChannelSocket))
	}
	if s.Relay.MaxConns < 0 {
		errs = append(errs, errors.New("relay.maxConns must not be negative"))
	}
	if s.ToolResultLimit < 0 {
		errs = append(errs, errors.New("toolResultLimit must not be negative"))
	}
	if _, err := s.Auth.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q is not one of debug, info, warn, error", s.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// loadFile reads a Settings from a JSON file.
func loadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &s, nil
}

// merge deep-merges overlay onto base. Non-zero overlay values win.
func merge(base, overlay *Settings) *Settings {
	if base == nil {
		base = &Settings{}
	}
	if overlay == nil {
		return base
	}

	result := *base
	result.Agent = mergeAgent(base.Agent, overlay.Agent)

	o := overlay.Relay
	setString(&result.Relay.Channel, o.Channel)
	setString(&result.Relay.SocketPath, o.SocketPath)
	setString(&result.Relay.ListenAddr, o.ListenAddr)
	setString(&result.Relay.ToolManifest, o.ToolManifest)
	if o.MaxConns != 0 {
		result.Relay.MaxConns = o.MaxConns
	}

	a := overlay.Auth
	setString(&result.Auth.MethodID, a.MethodID)
	setString(&result.Auth.ClientID, a.ClientID)
	setString(&result.Auth.AuthorizeURL, a.AuthorizeURL)
	setString(&result.Auth.TokenURL, a.TokenURL)
	setString(&result.Auth.Scope, a.Scope)
	setString(&result.Auth.SuccessURL, a.SuccessURL)
	setString(&result.Auth.CredentialService, a.CredentialService)
	setString(&result.Auth.Timeout, a.Timeout)

	setString(&result.LogLevel, overlay.LogLevel)
	if overlay.ToolResultLimit != 0 {
		result.ToolResultLimit = overlay.ToolResultLimit
	}
	return &result
}

func mergeAgent(base, o AgentSettings) AgentSettings {
	result := base
	setString(&result.Command, o.Command)
	if o.Args != nil {
		result.Args = append([]string(nil), o.Args...)
	}
	if o.StripEnv != nil {
		result.StripEnv = append([]string(nil), o.StripEnv...)
	}
	if len(o.Env) > 0 {
		env := make(map[string]string, len(base.Env)+len(o.Env))
		for k, v := range base.Env {
			env[k] = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
		result.Env = env
	}
	return result
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
