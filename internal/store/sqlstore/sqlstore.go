// Package sqlstore is the shared C3 Repository implementation behind both
// the Postgres and sqlite3 backends (internal/store/postgres,
// internal/store/sqlite3). Both backends open a *sql.DB with their own
// driver/dialect, tune the connection, and hand it to New here — the CRUD
// logic itself does not vary by backend, only connection setup does.
//
// Grounded on the teacher's internal/store/postgres/postgres.go and
// internal/store/sqlite3/sqlite3.go, which duplicated near-identical CRUD
// across two packages; here that CRUD is written once and shared, with only
// the dialect name and connection setup left backend-specific.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
)

const DefaultTablePrefix = "on_"

type Store struct {
	db      *sql.DB
	goqu    *goqu.Database
	prefix  string
	retries int
}

// New wraps an already-opened, already-tuned *sql.DB. dialect must already
// be registered with goqu (e.g. via blank-importing
// "github.com/doug-martin/goqu/v9/dialect/postgres").
func New(db *sql.DB, dialect, tablePrefix string) *Store {
	if tablePrefix == "" {
		tablePrefix = DefaultTablePrefix
	}
	return &Store{
		db:      db,
		goqu:    goqu.New(dialect, db),
		prefix:  tablePrefix,
		retries: 3,
	}
}

func (s *Store) table(name string) exp.IdentifierExpression {
	return goqu.T(s.prefix + name)
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store connection", "error", err)
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		var one int
		return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	query, _, err := s.goqu.From(s.table("migration_version")).Select("version").Limit(1).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build migration version query: %w", err)
	}

	var version int
	err = s.db.QueryRowContext(ctx, query).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.Transient, "migration_version row missing")
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "read migration version")
	}

	return version, nil
}

// withRetry retries fn on failure with bounded exponential backoff: 2s, 4s,
// 8s, per spec §4.3's connection policy. Only sql.ErrNoRows and context
// cancellation abort immediately; every other error is retried. Ping is its
// only caller.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := 2 * time.Second
	var lastErr error

	for attempt := 0; attempt <= s.retries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, sql.ErrNoRows) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == s.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return apperr.Wrap(apperr.Transient, lastErr, "store operation failed after retries")
}

func newID(table string) string {
	return table + ":" + ulid.Make().String()
}

func now() types.Time {
	return types.NewTime(time.Now().UTC())
}

// ─── Users ───

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query, _, err := s.goqu.From(s.table("users")).
		Select("id", "email", "hashed_password", "display_name", "is_active", "is_admin", "has_completed_onboarding", "created", "updated").
		Where(goqu.I("id").Eq(domain.Qualify("user", id))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	var u domain.User
	err = s.db.QueryRowContext(ctx, query).Scan(&u.ID, &u.Email, &u.HashedPassword, &u.DisplayName, &u.IsActive, &u.IsAdmin, &u.HasCompletedOnboarding, &u.Created, &u.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get user")
	}

	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query, _, err := s.goqu.From(s.table("users")).
		Select("id").
		Where(goqu.I("email").Eq(email)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user by email query: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get user by email")
	}

	return s.GetUser(ctx, id)
}

// WipeUser deletes owned records in one transaction, in this order: the
// Chunks and Insights of each owned source (before their parent Sources),
// notebook→source links, Notebooks, Sources, chat messages, ChatSessions,
// Episodes, UserProviderSecrets.
func (s *Store) WipeUser(ctx context.Context, userID string) error {
	qualified := domain.Qualify("user", userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin wipe transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	sourceIDs, err := s.sourceIDsForOwner(ctx, tx, qualified)
	if err != nil {
		return err
	}

	for _, srcID := range sourceIDs {
		if err := s.execTx(ctx, tx, s.goqu.Delete(s.table("chunks")).Where(goqu.I("source_id").Eq(srcID))); err != nil {
			return err
		}
		if err := s.execTx(ctx, tx, s.goqu.Delete(s.table("insights")).Where(goqu.I("source_id").Eq(srcID))); err != nil {
			return err
		}
	}

	ownerTables := []string{"notebook_sources", "notebooks", "sources", "chat_messages", "chat_sessions", "episodes", "user_provider_secrets"}
	for _, t := range ownerTables {
		col := "owner_id"
		switch t {
		case "notebook_sources":
			// deleted via notebook_id IN (select id from notebooks where owner_id=...)
			sub := s.goqu.From(s.table("notebooks")).Select("id").Where(goqu.I("owner_id").Eq(qualified))
			del := s.goqu.Delete(s.table("notebook_sources")).Where(goqu.I("notebook_id").In(sub))
			if err := s.execTx(ctx, tx, del); err != nil {
				return err
			}
			continue
		case "chat_messages":
			sub := s.goqu.From(s.table("chat_sessions")).Select("id").Where(goqu.I("owner_id").Eq(qualified))
			del := s.goqu.Delete(s.table("chat_messages")).Where(goqu.I("session_id").In(sub))
			if err := s.execTx(ctx, tx, del); err != nil {
				return err
			}
			continue
		}
		del := s.goqu.Delete(s.table(t)).Where(goqu.I(col).Eq(qualified))
		if err := s.execTx(ctx, tx, del); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) sourceIDsForOwner(ctx context.Context, tx *sql.Tx, ownerID string) ([]string, error) {
	query, _, err := s.goqu.From(s.table("sources")).Select("id").Where(goqu.I("owner_id").Eq(ownerID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build source ids query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list owned sources")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *Store) execTx(ctx context.Context, tx *sql.Tx, b sqlBuilder) error {
	query, _, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "execute statement")
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ─── ProviderSecrets ───

func (s *Store) ListProviderSecrets(ctx context.Context, userID string) ([]domain.UserProviderSecret, error) {
	query, _, err := s.goqu.From(s.table("user_provider_secrets")).
		Select("id", "owner_id", "provider", "encrypted_value", "display_name", "created", "updated").
		Where(goqu.I("owner_id").Eq(domain.Qualify("user", userID))).
		Order(goqu.I("provider").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list provider secrets query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list provider secrets")
	}
	defer rows.Close()

	var out []domain.UserProviderSecret
	for rows.Next() {
		var p domain.UserProviderSecret
		if err := rows.Scan(&p.ID, &p.UserID, &p.Provider, &p.EncryptedValue, &p.DisplayName, &p.Created, &p.Updated); err != nil {
			return nil, fmt.Errorf("scan provider secret: %w", err)
		}
		out = append(out, p)
	}

	return out, rows.Err()
}

func (s *Store) GetProviderSecret(ctx context.Context, userID, provider string) (*domain.UserProviderSecret, error) {
	query, _, err := s.goqu.From(s.table("user_provider_secrets")).
		Select("id", "owner_id", "provider", "encrypted_value", "display_name", "created", "updated").
		Where(goqu.I("owner_id").Eq(domain.Qualify("user", userID)), goqu.I("provider").Eq(provider)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider secret query: %w", err)
	}

	var p domain.UserProviderSecret
	err = s.db.QueryRowContext(ctx, query).Scan(&p.ID, &p.UserID, &p.Provider, &p.EncryptedValue, &p.DisplayName, &p.Created, &p.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "provider secret not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get provider secret")
	}

	return &p, nil
}

// UpsertProviderSecret keys secrets on (owner_id, provider): it looks up the
// existing row and updates it, or inserts a new one when none exists.
func (s *Store) UpsertProviderSecret(ctx context.Context, userID, provider, encryptedValue, displayName string) (*domain.UserProviderSecret, error) {
	qualifiedUser := domain.Qualify("user", userID)

	existing, err := s.GetProviderSecret(ctx, userID, provider)
	if err != nil && apperr.KindOf(err) != apperr.NotFound {
		return nil, err
	}

	ts := now()
	if existing != nil {
		record := goqu.Record{
			"encrypted_value": encryptedValue,
			"display_name":    displayName,
			"updated":         ts,
		}
		query, _, err := s.goqu.Update(s.table("user_provider_secrets")).Set(record).
			Where(goqu.I("id").Eq(existing.ID)).
			ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build update provider secret query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "update provider secret")
		}

		existing.EncryptedValue = encryptedValue
		existing.DisplayName = displayName
		existing.Updated = ts
		return existing, nil
	}

	id := newID("secret")
	record := goqu.Record{
		"id":              id,
		"owner_id":        qualifiedUser,
		"provider":        provider,
		"encrypted_value": encryptedValue,
		"display_name":    displayName,
		"created":         ts,
		"updated":         ts,
	}
	query, _, err := s.goqu.Insert(s.table("user_provider_secrets")).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert provider secret query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "create provider secret")
	}

	return &domain.UserProviderSecret{
		ID: id, UserID: qualifiedUser, Provider: provider,
		EncryptedValue: encryptedValue, DisplayName: displayName,
		Created: ts, Updated: ts,
	}, nil
}

func (s *Store) DeleteProviderSecret(ctx context.Context, userID, provider string) error {
	query, _, err := s.goqu.Delete(s.table("user_provider_secrets")).
		Where(goqu.I("owner_id").Eq(domain.Qualify("user", userID)), goqu.I("provider").Eq(provider)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider secret query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "delete provider secret")
	}
	return nil
}

// ─── Notebooks ───

func (s *Store) GetNotebook(ctx context.Context, ownerID, id string) (*domain.Notebook, error) {
	query, _, err := s.goqu.From(s.table("notebooks")).
		Select("id", "name", "description", "archived", "owner_id", "created", "updated").
		Where(goqu.I("id").Eq(domain.Qualify("notebook", id)), goqu.I("owner_id").Eq(domain.Qualify("user", ownerID))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get notebook query: %w", err)
	}

	var nb domain.Notebook
	err = s.db.QueryRowContext(ctx, query).Scan(&nb.ID, &nb.Name, &nb.Description, &nb.Archived, &nb.OwnerID, &nb.Created, &nb.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "notebook not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get notebook")
	}

	return &nb, nil
}

func (s *Store) CreateNotebook(ctx context.Context, nb domain.Notebook) (*domain.Notebook, error) {
	ts := now()
	nb.ID = newID("notebook")
	nb.OwnerID = domain.Qualify("user", nb.OwnerID)
	nb.Created, nb.Updated = ts, ts

	record := goqu.Record{
		"id": nb.ID, "name": nb.Name, "description": nb.Description,
		"archived": nb.Archived, "owner_id": nb.OwnerID,
		"created": ts, "updated": ts,
	}
	query, _, err := s.goqu.Insert(s.table("notebooks")).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert notebook query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "create notebook")
	}

	return &nb, nil
}

func (s *Store) LinkSource(ctx context.Context, notebookID, sourceID string) error {
	record := goqu.Record{
		"notebook_id": domain.Qualify("notebook", notebookID),
		"source_id":   domain.Qualify("source", sourceID),
	}
	query, _, err := s.goqu.Insert(s.table("notebook_sources")).Rows(record).ToSQL()
	if err != nil {
		return fmt.Errorf("build link source query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "link source to notebook")
	}
	return nil
}

// ─── Sources ───

func (s *Store) GetSource(ctx context.Context, ownerID, id string) (*domain.Source, error) {
	query, _, err := s.goqu.From(s.table("sources")).
		Select("id", "title", "owner_id", "asset_kind", "asset_file_path", "asset_url", "asset_inline",
			"full_text", "content_length", "embedded_chunks", "status", "error_message", "command_id", "created", "updated").
		Where(goqu.I("id").Eq(domain.Qualify("source", id)), goqu.I("owner_id").Eq(domain.Qualify("user", ownerID))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get source query: %w", err)
	}

	var src domain.Source
	err = s.db.QueryRowContext(ctx, query).Scan(
		&src.ID, &src.Title, &src.OwnerID,
		&src.Asset.Kind, &src.Asset.FilePath, &src.Asset.URL, &src.Asset.Inline,
		&src.FullText, &src.ContentLength, &src.EmbeddedChunks, &src.Status, &src.ErrorMessage, &src.CommandID,
		&src.Created, &src.Updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "source not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get source")
	}

	return &src, nil
}

func (s *Store) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	ts := now()
	src.ID = newID("source")
	src.OwnerID = domain.Qualify("user", src.OwnerID)
	if src.Status == "" {
		src.Status = domain.SourceQueued
	}
	src.Created, src.Updated = ts, ts

	record := goqu.Record{
		"id": src.ID, "title": src.Title, "owner_id": src.OwnerID,
		"asset_kind": src.Asset.Kind, "asset_file_path": src.Asset.FilePath,
		"asset_url": src.Asset.URL, "asset_inline": src.Asset.Inline,
		"full_text": src.FullText, "content_length": src.ContentLength,
		"embedded_chunks": src.EmbeddedChunks, "status": src.Status,
		"error_message": src.ErrorMessage, "command_id": src.CommandID,
		"created": ts, "updated": ts,
	}
	query, _, err := s.goqu.Insert(s.table("sources")).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert source query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "create source")
	}

	return &src, nil
}

func (s *Store) UpdateSource(ctx context.Context, src domain.Source) error {
	record := goqu.Record{
		"title": src.Title,
		"asset_kind": src.Asset.Kind, "asset_file_path": src.Asset.FilePath,
		"asset_url": src.Asset.URL, "asset_inline": src.Asset.Inline,
		"full_text": src.FullText, "content_length": src.ContentLength,
		"embedded_chunks": src.EmbeddedChunks, "status": src.Status,
		"error_message": src.ErrorMessage, "command_id": src.CommandID,
		"updated": now(),
	}
	query, _, err := s.goqu.Update(s.table("sources")).Set(record).
		Where(goqu.I("id").Eq(domain.Qualify("source", src.ID))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update source query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "update source")
	}
	return nil
}

// RunningCommandForSource backs the one-running-job-per-source invariant.
func (s *Store) RunningCommandForSource(ctx context.Context, sourceID string) (string, error) {
	query, _, err := s.goqu.From(s.table("sources")).
		Select("command_id").
		Where(goqu.I("id").Eq(domain.Qualify("source", sourceID)), goqu.I("status").Eq(domain.SourceRunning)).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build running command query: %w", err)
	}

	var commandID string
	err = s.db.QueryRowContext(ctx, query).Scan(&commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "get running command for source")
	}

	return commandID, nil
}

// ─── Chunks ───

func (s *Store) ReplaceChunks(ctx context.Context, sourceID string, chunks []domain.Chunk) error {
	qualified := domain.Qualify("source", sourceID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin replace chunks transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.execTx(ctx, tx, s.goqu.Delete(s.table("chunks")).Where(goqu.I("source_id").Eq(qualified))); err != nil {
		return err
	}

	for i, c := range chunks {
		embedding, err := marshalJSON(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal chunk embedding: %w", err)
		}
		record := goqu.Record{
			"id": newID("chunk"), "source_id": qualified,
			"idx": i, "content": c.Content, "embedding": embedding,
		}
		if err := s.execTx(ctx, tx, s.goqu.Insert(s.table("chunks")).Rows(record)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListChunks(ctx context.Context, sourceID string) ([]domain.Chunk, error) {
	query, _, err := s.goqu.From(s.table("chunks")).
		Select("id", "source_id", "idx", "content", "embedding").
		Where(goqu.I("source_id").Eq(domain.Qualify("source", sourceID))).
		Order(goqu.I("idx").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list chunks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list chunks")
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var embedding string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Content, &embedding); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if embedding != "" {
			if err := json.Unmarshal([]byte(embedding), &c.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal chunk embedding: %w", err)
			}
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// ─── Insights ───

func (s *Store) ReplaceInsights(ctx context.Context, sourceID string, insights []domain.Insight) error {
	qualified := domain.Qualify("source", sourceID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin replace insights transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.execTx(ctx, tx, s.goqu.Delete(s.table("insights")).Where(goqu.I("source_id").Eq(qualified))); err != nil {
		return err
	}

	ts := now()
	for _, in := range insights {
		record := goqu.Record{
			"id": newID("insight"), "source_id": qualified,
			"transformation_id": domain.Qualify("transformation", in.TransformationID),
			"content":           in.Content, "created": ts,
		}
		if err := s.execTx(ctx, tx, s.goqu.Insert(s.table("insights")).Rows(record)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListInsights(ctx context.Context, sourceID string) ([]domain.Insight, error) {
	query, _, err := s.goqu.From(s.table("insights")).
		Select("id", "source_id", "transformation_id", "content", "created").
		Where(goqu.I("source_id").Eq(domain.Qualify("source", sourceID))).
		Order(goqu.I("created").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list insights query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list insights")
	}
	defer rows.Close()

	var out []domain.Insight
	for rows.Next() {
		var in domain.Insight
		if err := rows.Scan(&in.ID, &in.SourceID, &in.TransformationID, &in.Content, &in.Created); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}

	return out, rows.Err()
}

// ─── Transformations ───

func (s *Store) GetTransformation(ctx context.Context, id string) (*domain.Transformation, error) {
	query, _, err := s.goqu.From(s.table("transformations")).
		Select("id", "name", "prompt_template", "owner_id").
		Where(goqu.I("id").Eq(domain.Qualify("transformation", id))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get transformation query: %w", err)
	}

	var t domain.Transformation
	err = s.db.QueryRowContext(ctx, query).Scan(&t.ID, &t.Name, &t.PromptTemplate, &t.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "transformation not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get transformation")
	}

	return &t, nil
}

func (s *Store) ListTransformations(ctx context.Context, ownerID string) ([]domain.Transformation, error) {
	query, _, err := s.goqu.From(s.table("transformations")).
		Select("id", "name", "prompt_template", "owner_id").
		Where(goqu.Or(goqu.I("owner_id").Eq(domain.Qualify("user", ownerID)), goqu.I("owner_id").Eq(""))).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list transformations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list transformations")
	}
	defer rows.Close()

	var out []domain.Transformation
	for rows.Next() {
		var t domain.Transformation
		if err := rows.Scan(&t.ID, &t.Name, &t.PromptTemplate, &t.OwnerID); err != nil {
			return nil, fmt.Errorf("scan transformation: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// ─── ChatSessions ───

func (s *Store) GetChatSession(ctx context.Context, ownerID, id string) (*domain.ChatSession, error) {
	query, _, err := s.goqu.From(s.table("chat_sessions")).
		Select("id", "owner_id", "notebook_id", "title", "created", "updated").
		Where(goqu.I("id").Eq(domain.Qualify("chatsession", id)), goqu.I("owner_id").Eq(domain.Qualify("user", ownerID))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get chat session query: %w", err)
	}

	var cs domain.ChatSession
	err = s.db.QueryRowContext(ctx, query).Scan(&cs.ID, &cs.OwnerID, &cs.NotebookID, &cs.Title, &cs.Created, &cs.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "chat session not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get chat session")
	}

	msgQuery, _, err := s.goqu.From(s.table("chat_messages")).
		Select("role", "content", "created").
		Where(goqu.I("session_id").Eq(cs.ID)).
		Order(goqu.I("created").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list chat messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, msgQuery)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list chat messages")
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.Created); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		cs.Messages = append(cs.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &cs, nil
}

func (s *Store) AppendChatMessages(ctx context.Context, sessionID string, messages ...domain.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	qualified := domain.Qualify("chatsession", sessionID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin append chat messages transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range messages {
		if m.Created.Time.IsZero() {
			m.Created = now()
		}
		record := goqu.Record{
			"id": newID("chatmessage"), "session_id": qualified,
			"role": m.Role, "content": m.Content, "created": m.Created,
		}
		if err := s.execTx(ctx, tx, s.goqu.Insert(s.table("chat_messages")).Rows(record)); err != nil {
			return err
		}
	}

	update := s.goqu.Update(s.table("chat_sessions")).
		Set(goqu.Record{"updated": now()}).
		Where(goqu.I("id").Eq(qualified))
	if err := s.execTx(ctx, tx, update); err != nil {
		return err
	}

	return tx.Commit()
}

// ─── Commands ───

func (s *Store) CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error) {
	ts := now()
	cmd.ID = newID("command")
	cmd.Status = domain.CommandNew
	cmd.Created, cmd.Updated = ts, ts

	input, err := marshalJSON(cmd.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal command input: %w", err)
	}

	record := goqu.Record{
		"id": cmd.ID, "namespace": cmd.Namespace, "name": cmd.Name,
		"input": input, "status": cmd.Status, "attempts": 0,
		"result": "{}", "error_message": "",
		"created": ts, "updated": ts,
	}
	query, _, err := s.goqu.Insert(s.table("commands")).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert command query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "create command")
	}

	return &cmd, nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	query, _, err := s.goqu.From(s.table("commands")).
		Select("id", "namespace", "name", "input", "status", "result", "error_message", "attempts", "claimed_at", "created", "updated").
		Where(goqu.I("id").Eq(domain.Qualify("command", id))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get command query: %w", err)
	}

	return s.scanCommand(s.db.QueryRowContext(ctx, query))
}

func (s *Store) scanCommand(row *sql.Row) (*domain.Command, error) {
	var cmd domain.Command
	var input, result string

	err := row.Scan(&cmd.ID, &cmd.Namespace, &cmd.Name, &input, &cmd.Status, &result, &cmd.ErrorMessage, &cmd.Attempts, &cmd.ClaimedAt, &cmd.Created, &cmd.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "command not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "get command")
	}

	if input != "" {
		if err := json.Unmarshal([]byte(input), &cmd.Input); err != nil {
			return nil, fmt.Errorf("unmarshal command input: %w", err)
		}
	}
	if result != "" && result != "{}" {
		if err := json.Unmarshal([]byte(result), &cmd.Result); err != nil {
			return nil, fmt.Errorf("unmarshal command result: %w", err)
		}
	}

	return &cmd, nil
}

// ClaimNext atomically claims the oldest status=new command via a
// conditional UPDATE ... WHERE status='new' followed by re-selecting the
// claimed row, so two racing workers never both claim the same command.
func (s *Store) ClaimNext(ctx context.Context) (*domain.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "begin claim transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.table("commands")).
		Select("id", "attempts").
		Where(goqu.I("status").Eq(domain.CommandNew)).
		Order(goqu.I("created").Asc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim select query: %w", err)
	}

	var id string
	var attempts int
	err = tx.QueryRowContext(ctx, selectQuery).Scan(&id, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "select claimable command")
	}

	ts := now()
	updateQuery, _, err := s.goqu.Update(s.table("commands")).
		Set(goqu.Record{"status": domain.CommandRunning, "attempts": attempts + 1, "claimed_at": ts, "updated": ts}).
		Where(goqu.I("id").Eq(id), goqu.I("status").Eq(domain.CommandNew)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim update query: %w", err)
	}

	res, err := tx.ExecContext(ctx, updateQuery)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "claim command")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost the race to another worker between select and update.
		return nil, nil
	}

	fetchQuery, _, err := s.goqu.From(s.table("commands")).
		Select("id", "namespace", "name", "input", "status", "result", "error_message", "attempts", "claimed_at", "created", "updated").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim fetch query: %w", err)
	}

	var cmd domain.Command
	var input, result string
	err = tx.QueryRowContext(ctx, fetchQuery).Scan(&cmd.ID, &cmd.Namespace, &cmd.Name, &input, &cmd.Status, &result, &cmd.ErrorMessage, &cmd.Attempts, &cmd.ClaimedAt, &cmd.Created, &cmd.Updated)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "fetch claimed command")
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &cmd.Input); err != nil {
			return nil, fmt.Errorf("unmarshal claimed command input: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "commit claim")
	}

	return &cmd, nil
}

func (s *Store) CompleteCommand(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal command result: %w", err)
	}

	query, _, err := s.goqu.Update(s.table("commands")).
		Set(goqu.Record{"status": domain.CommandComplete, "result": resultJSON, "updated": now()}).
		Where(goqu.I("id").Eq(domain.Qualify("command", id))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build complete command query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "complete command")
	}
	return nil
}

func (s *Store) FailCommand(ctx context.Context, id string, errMsg string) error {
	query, _, err := s.goqu.Update(s.table("commands")).
		Set(goqu.Record{"status": domain.CommandFailed, "error_message": errMsg, "updated": now()}).
		Where(goqu.I("id").Eq(domain.Qualify("command", id))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build fail command query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperr.Wrap(apperr.Transient, err, "fail command")
	}
	return nil
}

// ReapAbandoned resets commands claimed before the lease cutoff: back to
// new if attempts is under the retry budget, to failed once attempts reaches
// it. Returns the number of commands moved, retried and failed together.
func (s *Store) ReapAbandoned(ctx context.Context, leaseCutoffSeconds int64, retryBudget int) (int, error) {
	cutoff := types.NewTime(time.Now().UTC().Add(-time.Duration(leaseCutoffSeconds) * time.Second))

	retryQuery, _, err := s.goqu.Update(s.table("commands")).
		Set(goqu.Record{"status": domain.CommandNew, "claimed_at": nil, "updated": now()}).
		Where(
			goqu.I("status").Eq(domain.CommandRunning),
			goqu.I("claimed_at").Lt(cutoff),
			goqu.I("attempts").Lt(retryBudget),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build reap retry query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, retryQuery)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "reap abandoned commands (retry)")
	}
	retried, _ := res.RowsAffected()

	failQuery, _, err := s.goqu.Update(s.table("commands")).
		Set(goqu.Record{"status": domain.CommandFailed, "error_message": "exceeded retry budget after lease expiry", "updated": now()}).
		Where(
			goqu.I("status").Eq(domain.CommandRunning),
			goqu.I("claimed_at").Lt(cutoff),
			goqu.I("attempts").Gte(retryBudget),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build reap fail query: %w", err)
	}

	res, err = s.db.ExecContext(ctx, failQuery)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "reap abandoned commands (fail)")
	}
	failed, _ := res.RowsAffected()

	return int(retried + failed), nil
}
