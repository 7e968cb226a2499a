package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

type fakeStore struct {
	pingErr    error
	version    int
	versionErr error
}

func (f *fakeStore) Close() {}
func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeStore) MigrationVersion(ctx context.Context) (int, error) {
	return f.version, f.versionErr
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*domain.User, error) { return nil, nil }
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, nil
}
func (f *fakeStore) WipeUser(ctx context.Context, userID string) error { return nil }

func (f *fakeStore) ListProviderSecrets(ctx context.Context, userID string) ([]domain.UserProviderSecret, error) {
	return nil, nil
}
func (f *fakeStore) GetProviderSecret(ctx context.Context, userID, provider string) (*domain.UserProviderSecret, error) {
	return nil, nil
}
func (f *fakeStore) UpsertProviderSecret(ctx context.Context, userID, provider, encryptedValue, displayName string) (*domain.UserProviderSecret, error) {
	return nil, nil
}
func (f *fakeStore) DeleteProviderSecret(ctx context.Context, userID, provider string) error {
	return nil
}

func (f *fakeStore) GetNotebook(ctx context.Context, ownerID, id string) (*domain.Notebook, error) {
	return nil, nil
}
func (f *fakeStore) CreateNotebook(ctx context.Context, nb domain.Notebook) (*domain.Notebook, error) {
	return nil, nil
}
func (f *fakeStore) LinkSource(ctx context.Context, notebookID, sourceID string) error { return nil }

func (f *fakeStore) GetSource(ctx context.Context, ownerID, id string) (*domain.Source, error) {
	return nil, nil
}
func (f *fakeStore) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSource(ctx context.Context, src domain.Source) error { return nil }
func (f *fakeStore) RunningCommandForSource(ctx context.Context, sourceID string) (string, error) {
	return "", nil
}

func (f *fakeStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []domain.Chunk) error {
	return nil
}
func (f *fakeStore) ListChunks(ctx context.Context, sourceID string) ([]domain.Chunk, error) {
	return nil, nil
}

func (f *fakeStore) ReplaceInsights(ctx context.Context, sourceID string, insights []domain.Insight) error {
	return nil
}
func (f *fakeStore) ListInsights(ctx context.Context, sourceID string) ([]domain.Insight, error) {
	return nil, nil
}

func (f *fakeStore) GetTransformation(ctx context.Context, id string) (*domain.Transformation, error) {
	return nil, nil
}
func (f *fakeStore) ListTransformations(ctx context.Context, ownerID string) ([]domain.Transformation, error) {
	return nil, nil
}

func (f *fakeStore) GetChatSession(ctx context.Context, ownerID, id string) (*domain.ChatSession, error) {
	return nil, nil
}
func (f *fakeStore) AppendChatMessages(ctx context.Context, sessionID string, messages ...domain.ChatMessage) error {
	return nil
}

func (f *fakeStore) CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error) {
	return &cmd, nil
}
func (f *fakeStore) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	return nil, nil
}
func (f *fakeStore) ClaimNext(ctx context.Context) (*domain.Command, error) { return nil, nil }
func (f *fakeStore) CompleteCommand(ctx context.Context, id string, result map[string]any) error {
	return nil
}
func (f *fakeStore) FailCommand(ctx context.Context, id string, errMsg string) error { return nil }
func (f *fakeStore) ReapAbandoned(ctx context.Context, leaseCutoffSeconds int64, retryBudget int) (int, error) {
	return 0, nil
}

func TestCheckHealthyWhenStoreUpToDate(t *testing.T) {
	c := New(&fakeStore{version: ExpectedMigrationVersion})
	report := c.Check(context.Background())

	if report.Status != StatusOK {
		t.Fatalf("status = %s, want ok", report.Status)
	}
	if !report.Checks.Database.OK {
		t.Fatal("expected database check ok")
	}
	if report.Checks.Migrations.NeedsMigration {
		t.Fatal("expected needs_migration=false")
	}
}

func TestCheckUnhealthyOnPingFailure(t *testing.T) {
	c := New(&fakeStore{pingErr: errors.New("connection refused"), version: ExpectedMigrationVersion})
	report := c.Check(context.Background())

	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
	if report.Checks.Database.OK {
		t.Fatal("expected database check to fail")
	}
}

func TestCheckUnhealthyWhenMigrationBehind(t *testing.T) {
	c := New(&fakeStore{version: ExpectedMigrationVersion - 1})
	report := c.Check(context.Background())

	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
	if !report.Checks.Migrations.NeedsMigration {
		t.Fatal("expected needs_migration=true")
	}
}
