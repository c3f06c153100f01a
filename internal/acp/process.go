// ABOUTME: Spawns the agent subprocess and wires its stdio to a Conn
// ABOUTME: Strips direct API-key credentials from the environment; stderr is forwarded verbatim

package acp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mauromedda/acp-bridge/internal/log"
)

// DefaultStripEnv lists environment variables that would let the agent
// bypass the OAuth-issued credential.
var DefaultStripEnv = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"CLAUDE_API_KEY",
}

// Command describes how to launch the agent.
type Command struct {
	Path     string
	Args     []string
	Dir      string
	Env      map[string]string // Extra variables, applied after stripping.
	StripEnv []string          // Variables removed from the inherited environment.
	Stderr   io.Writer         // Defaults to the log sink.
}

// Spawn starts the agent subprocess and returns a connection to it.
func Spawn(c Command) (*Conn, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("agent command is empty")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = BuildEnv(os.Environ(), c.StripEnv, c.Env)
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = log.Writer()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %q: %w", c.Path, err)
	}
	log.Debug("acp: spawned agent %s (pid %d)", c.Path, cmd.Process.Pid)

	return newConn(stdout, stdin, cmd.Wait, cmd.Process.Kill), nil
}

// BuildEnv copies base without any key in strip, then appends extra.
func BuildEnv(base []string, strip []string, extra map[string]string) []string {
	drop := make(map[string]bool, len(strip)+len(extra))
	for _, k := range strip {
		drop[k] = true
	}
	for k := range extra {
		drop[k] = true
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if drop[key] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
