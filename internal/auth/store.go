// ABOUTME: Persists OAuth credentials into the OS credential store via its CLI
// ABOUTME: Upserts first and falls back to delete-then-insert when the upsert fails

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"

	"github.com/mauromedda/acp-bridge/internal/log"
)

// DefaultService is the credential-store service name for the bundle.
const DefaultService = "acp-bridge-credentials"

// ErrUnsupportedPlatform is returned where no credential CLI is known.
var ErrUnsupportedPlatform = errors.New("no supported credential store on this platform")

// Store saves credentials.
type Store interface {
	Save(ctx context.Context, creds *Credentials) error
}

// Runner executes one credential CLI command with stdin as input.
type Runner func(ctx context.Context, stdin string, name string, args ...string) error

// KeychainStore writes to the macOS keychain (security) or the Secret
// Service (secret-tool) on Linux.
type KeychainStore struct {
	Service string
	Account string
	GOOS    string
	Run     Runner
}

// NewKeychainStore creates a store under service for the current OS user.
func NewKeychainStore(service string) *KeychainStore {
	if service == "" {
		service = DefaultService
	}
	return &KeychainStore{
		Service: service,
		Account: currentUsername(),
		GOOS:    runtime.GOOS,
		Run:     runCommand,
	}
}

// Save upserts the credential bundle.
func (k *KeychainStore) Save(ctx context.Context, creds *Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	secret := string(payload)

	switch k.GOOS {
	case "darwin":
		err := k.Run(ctx, "", "security", "add-generic-password", "-U", "-a", k.Account, "-s", k.Service, "-w", secret)
		if err == nil {
			return nil
		}
		log.Warn("auth: keychain upsert failed, retrying with delete+insert: %v", err)
		if delErr := k.Run(ctx, "", "security", "delete-generic-password", "-a", k.Account, "-s", k.Service); delErr != nil {
			log.Debug("auth: keychain delete: %v", delErr)
		}
		if err := k.Run(ctx, "", "security", "add-generic-password", "-a", k.Account, "-s", k.Service, "-w", secret); err != nil {
			return fmt.Errorf("saving credentials to keychain: %w", err)
		}
		return nil

	case "linux":
		store := []string{"store", "--label=" + k.Service, "service", k.Service, "account", k.Account}
		err := k.Run(ctx, secret, "secret-tool", store...)
		if err == nil {
			return nil
		}
		log.Warn("auth: secret-tool store failed, retrying with clear+store: %v", err)
		if delErr := k.Run(ctx, "", "secret-tool", "clear", "service", k.Service, "account", k.Account); delErr != nil {
			log.Debug("auth: secret-tool clear: %v", delErr)
		}
		if err := k.Run(ctx, secret, "secret-tool", store...); err != nil {
			return fmt.Errorf("saving credentials to secret service: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, k.GOOS)
}

func runCommand(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
