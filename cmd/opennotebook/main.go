package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/opennotebook/internal/api"
	"github.com/rakunlabs/opennotebook/internal/chatexec"
	"github.com/rakunlabs/opennotebook/internal/config"
	"github.com/rakunlabs/opennotebook/internal/credctx"
	"github.com/rakunlabs/opennotebook/internal/llm"
	"github.com/rakunlabs/opennotebook/internal/pipeline"
	"github.com/rakunlabs/opennotebook/internal/queue"
	"github.com/rakunlabs/opennotebook/internal/store"
	"github.com/rakunlabs/opennotebook/internal/store/postgres"
	"github.com/rakunlabs/opennotebook/internal/store/sqlite3"
	"github.com/rakunlabs/opennotebook/internal/vault"
)

var (
	name    = "opennotebook"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v, err := vault.New(cfg.Secret, cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to build secret vault: %w", err)
	}

	st, err := buildStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}
	defer st.Close()

	cred := credctx.New(&secretLoader{store: st, vault: v})

	chatProvider := resolveProvider(cfg, "chat", llm.Config{Provider: "openai", Model: "gpt-4o-mini"})
	embeddingProvider := resolveProvider(cfg, "embedding", llm.Config{Provider: "openai", Model: "text-embedding-3-small"})

	q := queue.New(st, cred, cfg.Worker)

	pipeline.New(st, llm.New(embeddingProvider), llm.New(chatProvider), chatProvider.Model).Register()

	chat := chatexec.New(st, cred, llm.New(chatProvider), chatProvider.Model)

	uploadsDir := filepath.Join(cfg.DataPath, "uploads")
	server := api.New(cfg.Server, st, q, chat, v, uploadsDir)

	if cfg.Worker.Enabled {
		if err := q.StartWorker(ctx); err != nil {
			return fmt.Errorf("failed to start command worker: %w", err)
		}
		defer q.StopWorker()

		if err := q.StartReaper(ctx); err != nil {
			return fmt.Errorf("failed to start command reaper: %w", err)
		}
		defer q.StopReaper()

		slog.Info("command worker and reaper started")
	} else {
		slog.Info("command worker disabled, running API-only")
	}

	slog.Info("starting http server", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return server.Start(ctx, cfg.Server.Host, cfg.Server.Port)
}

// buildStore selects the sqlite3 backend when cfg.SQLitePath is set
// (local development and single-node deployments), otherwise Postgres.
func buildStore(ctx context.Context, cfg config.Database) (store.Store, error) {
	if cfg.SQLitePath != "" {
		return sqlite3.New(ctx, cfg)
	}
	return postgres.New(ctx, cfg)
}

// resolveProvider applies an operator-supplied default from cfg.Providers
// for the named slot ("chat" or "embedding"), falling back to fallback
// when the operator hasn't configured one.
func resolveProvider(cfg *config.Config, slot string, fallback llm.Config) llm.Config {
	def, ok := cfg.Providers[slot]
	if !ok {
		return fallback
	}

	out := fallback
	if def.Type != "" {
		out.Provider = def.Type
	}
	if def.Model != "" {
		out.Model = def.Model
	}
	if def.BaseURL != "" {
		out.BaseURL = def.BaseURL
	}
	return out
}

// secretLoader bridges internal/store and internal/vault into
// credctx.SecretLoader: one decrypt per stored provider secret, skipping
// (and logging) any record that fails to decrypt rather than failing the
// whole credential load.
type secretLoader struct {
	store store.ProviderSecrets
	vault *vault.Vault
}

func (s *secretLoader) DecryptedSecretsByProvider(ctx context.Context, userID string) (map[string]string, error) {
	records, err := s.store.ListProviderSecrets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list provider secrets: %w", err)
	}

	out := make(map[string]string, len(records))
	for _, rec := range records {
		plaintext, err := s.vault.Decrypt(rec.EncryptedValue)
		if err != nil {
			slog.Warn("skipping undecryptable provider secret", "user", userID, "provider", rec.Provider, "error", err)
			continue
		}
		out[rec.Provider] = plaintext
	}
	return out, nil
}
