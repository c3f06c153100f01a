// ABOUTME: Tests for credential persistence command sequences per platform
// ABOUTME: A recording Runner stands in for the security and secret-tool CLIs

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type call struct {
	stdin string
	cmd   string
}

type fakeRunner struct {
	calls []call
	fail  map[string]bool
}

func (f *fakeRunner) run(_ context.Context, stdin, name string, args ...string) error {
	key := name + " " + args[0]
	f.calls = append(f.calls, call{stdin: stdin, cmd: name + " " + strings.Join(args, " ")})
	if f.fail[key] {
		f.fail[key] = false
		return errors.New("exit status 1")
	}
	return nil
}

func newTestStore(goos string, r *fakeRunner) *KeychainStore {
	return &KeychainStore{Service: "svc", Account: "alice", GOOS: goos, Run: r.run}
}

func TestKeychainStore_DarwinUpsert(t *testing.T) {
	r := &fakeRunner{}
	if err := newTestStore("darwin", r).Save(context.Background(), &Credentials{AccessToken: "at"}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 1 || !strings.HasPrefix(r.calls[0].cmd, "security add-generic-password -U -a alice -s svc -w ") {
		t.Fatalf("calls = %+v", r.calls)
	}
	if !strings.Contains(r.calls[0].cmd, `"accessToken":"at"`) {
		t.Errorf("payload missing token: %s", r.calls[0].cmd)
	}
}

func TestKeychainStore_DarwinFallback(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"security add-generic-password": true}}
	if err := newTestStore("darwin", r).Save(context.Background(), &Credentials{AccessToken: "at"}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("calls = %+v", r.calls)
	}
	if !strings.HasPrefix(r.calls[1].cmd, "security delete-generic-password -a alice -s svc") {
		t.Errorf("second call = %s", r.calls[1].cmd)
	}
	if strings.Contains(r.calls[2].cmd, " -U ") {
		t.Errorf("insert should not upsert: %s", r.calls[2].cmd)
	}
}

func TestKeychainStore_LinuxStdin(t *testing.T) {
	r := &fakeRunner{}
	if err := newTestStore("linux", r).Save(context.Background(), &Credentials{AccessToken: "at"}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 1 || r.calls[0].cmd != "secret-tool store --label=svc service svc account alice" {
		t.Fatalf("calls = %+v", r.calls)
	}
	if !strings.Contains(r.calls[0].stdin, `"accessToken":"at"`) {
		t.Errorf("stdin = %q", r.calls[0].stdin)
	}
}

func TestKeychainStore_LinuxFallbackFails(t *testing.T) {
	var calls []string
	store := newTestStore("linux", &fakeRunner{})
	store.Run = func(_ context.Context, _, name string, args ...string) error {
		calls = append(calls, name+" "+args[0])
		if args[0] == "store" {
			return errors.New("no secret service")
		}
		return nil
	}
	err := store.Save(context.Background(), &Credentials{AccessToken: "at"})
	if err == nil || !strings.Contains(err.Error(), "no secret service") {
		t.Fatalf("err = %v", err)
	}
	want := "secret-tool store,secret-tool clear,secret-tool store"
	if got := strings.Join(calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestKeychainStore_Unsupported(t *testing.T) {
	err := newTestStore("plan9", &fakeRunner{}).Save(context.Background(), &Credentials{})
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("err = %v", err)
	}
}

func TestNewKeychainStore_Defaults(t *testing.T) {
	s := NewKeychainStore("")
	if s.Service != DefaultService || s.Account == "" || s.Run == nil {
		t.Errorf("store = %+v", s)
	}
}
