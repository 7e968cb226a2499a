package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

type fakeAPIStore struct {
	sources map[string]domain.Source
	secrets []domain.UserProviderSecret
	linked  []string
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{sources: map[string]domain.Source{}}
}

func (f *fakeAPIStore) Close()                                            {}
func (f *fakeAPIStore) Ping(ctx context.Context) error                    { return nil }
func (f *fakeAPIStore) MigrationVersion(ctx context.Context) (int, error) { return 1, nil }

func (f *fakeAPIStore) GetUser(ctx context.Context, id string) (*domain.User, error) { return nil, nil }
func (f *fakeAPIStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, nil
}
func (f *fakeAPIStore) WipeUser(ctx context.Context, userID string) error { return nil }

func (f *fakeAPIStore) ListProviderSecrets(ctx context.Context, userID string) ([]domain.UserProviderSecret, error) {
	return f.secrets, nil
}
func (f *fakeAPIStore) GetProviderSecret(ctx context.Context, userID, provider string) (*domain.UserProviderSecret, error) {
	return nil, nil
}
func (f *fakeAPIStore) UpsertProviderSecret(ctx context.Context, userID, provider, encryptedValue, displayName string) (*domain.UserProviderSecret, error) {
	rec := domain.UserProviderSecret{UserID: userID, Provider: provider, EncryptedValue: encryptedValue, DisplayName: displayName}
	f.secrets = append(f.secrets, rec)
	return &rec, nil
}
func (f *fakeAPIStore) DeleteProviderSecret(ctx context.Context, userID, provider string) error {
	return nil
}

func (f *fakeAPIStore) GetNotebook(ctx context.Context, ownerID, id string) (*domain.Notebook, error) {
	return nil, nil
}
func (f *fakeAPIStore) CreateNotebook(ctx context.Context, nb domain.Notebook) (*domain.Notebook, error) {
	return nil, nil
}
func (f *fakeAPIStore) LinkSource(ctx context.Context, notebookID, sourceID string) error {
	f.linked = append(f.linked, notebookID+"->"+sourceID)
	return nil
}

func (f *fakeAPIStore) GetSource(ctx context.Context, ownerID, id string) (*domain.Source, error) {
	src, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	cpy := src
	return &cpy, nil
}
func (f *fakeAPIStore) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	src.ID = "source:test"
	f.sources[src.ID] = src
	return &src, nil
}
func (f *fakeAPIStore) UpdateSource(ctx context.Context, src domain.Source) error {
	f.sources[src.ID] = src
	return nil
}
func (f *fakeAPIStore) RunningCommandForSource(ctx context.Context, sourceID string) (string, error) {
	return "", nil
}

func (f *fakeAPIStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []domain.Chunk) error {
	return nil
}
func (f *fakeAPIStore) ListChunks(ctx context.Context, sourceID string) ([]domain.Chunk, error) {
	return nil, nil
}

func (f *fakeAPIStore) ReplaceInsights(ctx context.Context, sourceID string, insights []domain.Insight) error {
	return nil
}
func (f *fakeAPIStore) ListInsights(ctx context.Context, sourceID string) ([]domain.Insight, error) {
	return nil, nil
}

func (f *fakeAPIStore) GetTransformation(ctx context.Context, id string) (*domain.Transformation, error) {
	return nil, nil
}
func (f *fakeAPIStore) ListTransformations(ctx context.Context, ownerID string) ([]domain.Transformation, error) {
	return nil, nil
}

func (f *fakeAPIStore) GetChatSession(ctx context.Context, ownerID, id string) (*domain.ChatSession, error) {
	return nil, nil
}
func (f *fakeAPIStore) AppendChatMessages(ctx context.Context, sessionID string, messages ...domain.ChatMessage) error {
	return nil
}

func (f *fakeAPIStore) CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error) {
	cmd.ID = "command:test"
	return &cmd, nil
}
func (f *fakeAPIStore) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	return nil, nil
}
func (f *fakeAPIStore) ClaimNext(ctx context.Context) (*domain.Command, error) { return nil, nil }
func (f *fakeAPIStore) CompleteCommand(ctx context.Context, id string, result map[string]any) error {
	return nil
}
func (f *fakeAPIStore) FailCommand(ctx context.Context, id string, errMsg string) error { return nil }
func (f *fakeAPIStore) ReapAbandoned(ctx context.Context, leaseCutoffSeconds int64, retryBudget int) (int, error) {
	return 0, nil
}

func TestGetSourceReturnsNotFoundishNilForMissingID(t *testing.T) {
	st := newFakeAPIStore()
	s := &Server{store: st, userHeader: "X-User-Id"}

	req := httptest.NewRequest(http.MethodGet, "/sources/source:missing", nil)
	req.Header.Set("X-User-Id", "user:1")
	rec := httptest.NewRecorder()

	s.GetSource(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "null") {
		t.Fatalf("body = %s, want a null source for a missing id", rec.Body.String())
	}
}

func TestGetSourceRejectsMissingCallerHeader(t *testing.T) {
	st := newFakeAPIStore()
	s := &Server{store: st, userHeader: "X-User-Id"}

	req := httptest.NewRequest(http.MethodGet, "/sources/source:1", nil)
	rec := httptest.NewRecorder()

	s.GetSource(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestIngestTextRequiresContent(t *testing.T) {
	st := newFakeAPIStore()
	s := &Server{store: st, userHeader: "X-User-Id"}

	body := strings.NewReader(`{"content":""}`)
	req := httptest.NewRequest(http.MethodPost, "/sources/text", body)
	req.Header.Set("X-User-Id", "user:1")
	rec := httptest.NewRecorder()

	s.IngestText(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListProviderSecretsReturnsStoredRecords(t *testing.T) {
	st := newFakeAPIStore()
	st.secrets = []domain.UserProviderSecret{{Provider: "openai", DisplayName: "work key"}}
	s := &Server{store: st, userHeader: "X-User-Id"}

	req := httptest.NewRequest(http.MethodGet, "/secrets", nil)
	req.Header.Set("X-User-Id", "user:1")
	rec := httptest.NewRecorder()

	s.ListProviderSecrets(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp secretsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Secrets) != 1 || resp.Secrets[0].Provider != "openai" {
		t.Fatalf("secrets = %+v", resp.Secrets)
	}
}

func TestHealthReportsOK(t *testing.T) {
	st := newFakeAPIStore()
	s := &Server{store: st}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
