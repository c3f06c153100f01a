// ABOUTME: Environment variable expansion in config string fields
// ABOUTME: Replaces ${VAR} patterns with os.Getenv values; unset vars become empty

package config

import (
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ResolveEnvVars expands ${VAR} patterns in string fields of Settings.
func ResolveEnvVars(s *Settings) {
	s.Agent.Command = expandEnv(s.Agent.Command)
	for i, a := range s.Agent.Args {
		s.Agent.Args[i] = expandEnv(a)
	}
	for k, v := range s.Agent.Env {
		s.Agent.Env[k] = expandEnv(v)
	}

	s.Relay.SocketPath = expandEnv(s.Relay.SocketPath)
	s.Relay.ListenAddr = expandEnv(s.Relay.ListenAddr)
	s.Relay.ToolManifest = expandEnv(s.Relay.ToolManifest)

	s.Auth.ClientID = expandEnv(s.Auth.ClientID)
	s.Auth.AuthorizeURL = expandEnv(s.Auth.AuthorizeURL)
	s.Auth.TokenURL = expandEnv(s.Auth.TokenURL)
	s.Auth.SuccessURL = expandEnv(s.Auth.SuccessURL)
}

// expandEnv replaces ${VAR} with os.Getenv(VAR). Unset vars become "".
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
