// Package credctx implements C2, the per-request provider-credential
// context: scoped acquisition of a user's decrypted provider secrets into
// the process environment, with guaranteed restoration on every exit path.
//
// Design choice (spec §4.2/§9, Open Question): this package implements the
// **Serialize** design — a single process-wide mutex held for the span of
// the body — rather than Virtualize (threading credentials as an explicit
// parameter). See DESIGN.md for the rationale; in short, spec §8's
// invariants and scenario S6 are phrased in literal environment-variable
// terms, which Serialize satisfies directly.
package credctx

import (
	"context"
	"os"
	"sync"

	"github.com/rakunlabs/opennotebook/internal/apperr"
)

// ProviderEnvVar is the closed provider→env-var mapping from spec §4.2.
var ProviderEnvVar = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GOOGLE_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"vertex":     "GOOGLE_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"xai":        "XAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"voyage":     "VOYAGE_API_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
	"cohere":     "COHERE_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// SecretLoader loads and decrypts a user's provider secrets. Implemented by
// cmd/opennotebook's secretLoader, which wires internal/store to
// internal/vault.
type SecretLoader interface {
	// DecryptedSecretsByProvider returns provider -> plaintext credential
	// for every UserProviderSecret the user owns.
	DecryptedSecretsByProvider(ctx context.Context, userID string) (map[string]string, error)
}

// Context serializes all credentialed work process-wide (the Serialize
// design). A single instance must be shared across every caller of
// WithUserCredentials in the process.
type Context struct {
	mu      sync.Mutex
	secrets SecretLoader
}

func New(secrets SecretLoader) *Context {
	return &Context{secrets: secrets}
}

// WithUserCredentials loads userID's provider secrets, patches the
// corresponding environment variables, runs fn, and restores the prior
// environment exactly — whether fn returns an error or panics.
//
// If credential loading fails, fn is never entered and the environment is
// left untouched (spec §4.2 failure semantics).
func (c *Context) WithUserCredentials(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	secrets, err := c.secrets.DecryptedSecretsByProvider(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.InvalidCredential, err, "load user provider secrets")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restore := patchEnv(secrets)
	defer restore()

	return fn(ctx)
}

// patchEnv sets the recognized provider env vars from secrets and returns a
// function that restores every touched variable to its prior state —
// unset if it was unset, original value otherwise.
func patchEnv(secrets map[string]string) (restore func()) {
	type prior struct {
		value string
		set   bool
	}

	touched := make(map[string]prior, len(ProviderEnvVar))

	for provider, plaintext := range secrets {
		envVar, ok := ProviderEnvVar[provider]
		if !ok {
			continue
		}
		if _, alreadyTouched := touched[envVar]; alreadyTouched {
			// Two provider aliases map to the same env var (gemini/google/vertex);
			// only the first one's prior state is worth recording.
			_ = os.Setenv(envVar, plaintext)
			continue
		}

		value, set := os.LookupEnv(envVar)
		touched[envVar] = prior{value: value, set: set}
		_ = os.Setenv(envVar, plaintext)
	}

	return func() {
		for envVar, p := range touched {
			if p.set {
				_ = os.Setenv(envVar, p.value)
			} else {
				_ = os.Unsetenv(envVar)
			}
		}
	}
}
