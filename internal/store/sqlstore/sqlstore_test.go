package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

const testSchema = `
CREATE TABLE on_notebooks (
	id TEXT PRIMARY KEY, name TEXT, description TEXT, archived INTEGER,
	owner_id TEXT, created TEXT, updated TEXT
);
CREATE TABLE on_user_provider_secrets (
	id TEXT PRIMARY KEY, owner_id TEXT, provider TEXT, encrypted_value TEXT,
	display_name TEXT, created TEXT, updated TEXT
);
CREATE TABLE on_sources (
	id TEXT PRIMARY KEY, title TEXT, owner_id TEXT,
	asset_kind TEXT, asset_file_path TEXT, asset_url TEXT, asset_inline TEXT,
	full_text TEXT, content_length INTEGER, embedded_chunks INTEGER,
	status TEXT, error_message TEXT, command_id TEXT, created TEXT, updated TEXT
);
CREATE TABLE on_chunks (
	id TEXT PRIMARY KEY, source_id TEXT, idx INTEGER, content TEXT, embedding TEXT
);
CREATE TABLE on_commands (
	id TEXT PRIMARY KEY, namespace TEXT, name TEXT, input TEXT, status TEXT,
	result TEXT, error_message TEXT, attempts INTEGER, claimed_at TEXT,
	created TEXT, updated TEXT
);
`

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	return New(db, "sqlite3", "on_")
}

func TestCreateAndGetNotebook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nb, err := s.CreateNotebook(ctx, domain.Notebook{Name: "research", OwnerID: "abc123"})
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}

	got, err := s.GetNotebook(ctx, "abc123", nb.ID)
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.Name != "research" {
		t.Fatalf("Name = %q, want research", got.Name)
	}
}

func TestProviderSecretUpsertIsIdempotentOnKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertProviderSecret(ctx, "u1", "openai", "enc:v1", "first key"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := s.UpsertProviderSecret(ctx, "u1", "openai", "enc:v2", "rotated key"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetProviderSecret(ctx, "u1", "openai")
	if err != nil {
		t.Fatalf("GetProviderSecret: %v", err)
	}
	if got.EncryptedValue != "enc:v2" {
		t.Fatalf("EncryptedValue = %q, want enc:v2 (upsert should update, not duplicate)", got.EncryptedValue)
	}

	all, err := s.ListProviderSecrets(ctx, "u1")
	if err != nil {
		t.Fatalf("ListProviderSecrets: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d provider secrets, want exactly 1", len(all))
	}
}

func TestReplaceChunksIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src, err := s.CreateSource(ctx, domain.Source{Title: "doc", OwnerID: "u1", Asset: domain.Asset{Kind: domain.SourceKindText}})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	chunks := []domain.Chunk{{Content: "part one"}, {Content: "part two"}}
	if err := s.ReplaceChunks(ctx, src.ID, chunks); err != nil {
		t.Fatalf("ReplaceChunks (first): %v", err)
	}
	if err := s.ReplaceChunks(ctx, src.ID, chunks[:1]); err != nil {
		t.Fatalf("ReplaceChunks (second): %v", err)
	}

	got, err := s.ListChunks(ctx, src.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d chunks after re-entry, want 1 (stale chunks must be replaced, not appended)", len(got))
	}
}

func TestClaimNextOnlyReturnsOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd, err := s.CreateCommand(ctx, domain.Command{Namespace: "source", Name: "extract", Input: map[string]any{"source_id": "s1"}})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}

	claimed, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != cmd.ID {
		t.Fatalf("expected to claim %s, got %+v", cmd.ID, claimed)
	}
	if claimed.Status != domain.CommandRunning {
		t.Fatalf("claimed status = %s, want running", claimed.Status)
	}

	second, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if second != nil {
		t.Fatalf("second claim should find nothing claimable, got %+v", second)
	}

	if err := s.CompleteCommand(ctx, claimed.ID, map[string]any{"chunks": 3}); err != nil {
		t.Fatalf("CompleteCommand: %v", err)
	}

	done, err := s.GetCommand(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if done.Status != domain.CommandComplete {
		t.Fatalf("status = %s, want complete", done.Status)
	}
}
