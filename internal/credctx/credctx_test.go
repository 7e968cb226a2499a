package credctx

import (
	"context"
	"errors"
	"os"
	"testing"
)

type fakeSecretLoader struct {
	byUser map[string]map[string]string
	err    error
}

func (f *fakeSecretLoader) DecryptedSecretsByProvider(ctx context.Context, userID string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

// TestCredentialRestoration grounds scenario S6 from spec §8: set a
// sentinel value before entry, assert the user's secret is active inside
// the body, assert the sentinel is restored after.
func TestCredentialRestoration(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sentinel-A")

	loader := &fakeSecretLoader{byUser: map[string]map[string]string{
		"user-b": {"openai": "user-B"},
	}}
	cc := New(loader)

	var observed string
	err := cc.WithUserCredentials(context.Background(), "user-b", func(ctx context.Context) error {
		observed = os.Getenv("OPENAI_API_KEY")
		return nil
	})
	if err != nil {
		t.Fatalf("WithUserCredentials: %v", err)
	}

	if observed != "user-B" {
		t.Fatalf("inside body: OPENAI_API_KEY = %q, want %q", observed, "user-B")
	}

	if got := os.Getenv("OPENAI_API_KEY"); got != "sentinel-A" {
		t.Fatalf("after exit: OPENAI_API_KEY = %q, want %q", got, "sentinel-A")
	}
}

func TestCredentialRestorationWhenUnsetBefore(t *testing.T) {
	os.Unsetenv("ANTHROPIC_API_KEY")

	loader := &fakeSecretLoader{byUser: map[string]map[string]string{
		"user-c": {"anthropic": "secret-c"},
	}}
	cc := New(loader)

	_ = cc.WithUserCredentials(context.Background(), "user-c", func(ctx context.Context) error {
		return nil
	})

	if _, ok := os.LookupEnv("ANTHROPIC_API_KEY"); ok {
		t.Fatal("ANTHROPIC_API_KEY should be unset after exit, was set before entry")
	}
}

func TestCredentialRestorationOnError(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sentinel-A")

	loader := &fakeSecretLoader{byUser: map[string]map[string]string{
		"user-b": {"openai": "user-B"},
	}}
	cc := New(loader)

	wantErr := errors.New("boom")
	err := cc.WithUserCredentials(context.Background(), "user-b", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", err)
	}

	if got := os.Getenv("OPENAI_API_KEY"); got != "sentinel-A" {
		t.Fatalf("after error exit: OPENAI_API_KEY = %q, want %q", got, "sentinel-A")
	}
}

func TestCredentialLoadFailureNeverEntersBody(t *testing.T) {
	loader := &fakeSecretLoader{err: errors.New("store unreachable")}
	cc := New(loader)

	entered := false
	err := cc.WithUserCredentials(context.Background(), "user-x", func(ctx context.Context) error {
		entered = true
		return nil
	})

	if err == nil {
		t.Fatal("expected error when secret loading fails")
	}
	if entered {
		t.Fatal("body must not be entered when credential loading fails")
	}
}
