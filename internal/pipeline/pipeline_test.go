package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

// fakeStore implements store.Store with just enough behavior to drive the
// pipeline end to end: one source, in-memory chunks/insights keyed by
// source id, and a fixed transformation list.
type fakeStore struct {
	sources         map[string]domain.Source
	chunks          map[string][]domain.Chunk
	insights        map[string][]domain.Insight
	transformations []domain.Transformation
}

func newFakeStore(src domain.Source) *fakeStore {
	return &fakeStore{
		sources:  map[string]domain.Source{src.ID: src},
		chunks:   map[string][]domain.Chunk{},
		insights: map[string][]domain.Insight{},
		transformations: []domain.Transformation{
			{ID: "transformation:summary", Name: "summary", PromptTemplate: "summarize: {{.content}}"},
		},
	}
}

func (f *fakeStore) Close()                                       {}
func (f *fakeStore) Ping(ctx context.Context) error               { return nil }
func (f *fakeStore) MigrationVersion(ctx context.Context) (int, error) { return 1, nil }

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
	src, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	cpy := src
	return &cpy, nil
}
func (f *fakeStore) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	f.sources[src.ID] = src
	return &src, nil
}
func (f *fakeStore) UpdateSource(ctx context.Context, src domain.Source) error {
	f.sources[src.ID] = src
	return nil
}
func (f *fakeStore) RunningCommandForSource(ctx context.Context, sourceID string) (string, error) {
	return "", nil
}

func (f *fakeStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []domain.Chunk) error {
	f.chunks[sourceID] = chunks
	return nil
}
func (f *fakeStore) ListChunks(ctx context.Context, sourceID string) ([]domain.Chunk, error) {
	return f.chunks[sourceID], nil
}

func (f *fakeStore) ReplaceInsights(ctx context.Context, sourceID string, insights []domain.Insight) error {
	f.insights[sourceID] = insights
	return nil
}
func (f *fakeStore) ListInsights(ctx context.Context, sourceID string) ([]domain.Insight, error) {
	return f.insights[sourceID], nil
}

func (f *fakeStore) GetTransformation(ctx context.Context, id string) (*domain.Transformation, error) {
	for _, t := range f.transformations {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) ListTransformations(ctx context.Context, ownerID string) ([]domain.Transformation, error) {
	return f.transformations, nil
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

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type fakeLLM struct{}

func (fakeLLM) Chat(ctx context.Context, model string, messages []domain.Message) (*domain.LLMResponse, error) {
	return &domain.LLMResponse{Content: "insight about: " + messages[0].Content, Finished: true}, nil
}

func TestRunProcessesTextSourceEndToEnd(t *testing.T) {
	src := domain.Source{
		ID:      "source:1",
		OwnerID: "user:owner1",
		Title:   "notes",
		Asset:   domain.Asset{Kind: domain.SourceKindText, Inline: strings.Repeat("hello world. ", 200)},
		Status:  domain.SourceQueued,
	}

	st := newFakeStore(src)
	p := New(st, fakeEmbedder{}, fakeLLM{}, "test-model")

	opts := RunOptions{Embed: true, TransformationIDs: []string{"transformation:summary"}}
	if err := p.Run(context.Background(), "user:owner1", "source:1", opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := st.sources["source:1"]
	if got.Status != domain.SourceCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.EmbeddedChunks == 0 {
		t.Fatal("expected at least one embedded chunk")
	}
	if len(st.chunks["source:1"]) != got.EmbeddedChunks {
		t.Fatalf("stored chunk count %d != reported %d", len(st.chunks["source:1"]), got.EmbeddedChunks)
	}
	if len(st.insights["source:1"]) != 1 {
		t.Fatalf("expected one insight, got %d", len(st.insights["source:1"]))
	}
}

func TestRunIsIdempotentOnRetry(t *testing.T) {
	src := domain.Source{
		ID:      "source:2",
		OwnerID: "user:owner1",
		Title:   "notes",
		Asset:   domain.Asset{Kind: domain.SourceKindText, Inline: strings.Repeat("retry me. ", 300)},
	}

	st := newFakeStore(src)
	p := New(st, fakeEmbedder{}, fakeLLM{}, "test-model")

	opts := RunOptions{Embed: true, TransformationIDs: []string{"transformation:summary"}}

	if err := p.Run(context.Background(), "user:owner1", "source:2", opts); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstChunkCount := len(st.chunks["source:2"])

	if err := p.Run(context.Background(), "user:owner1", "source:2", opts); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if len(st.chunks["source:2"]) != firstChunkCount {
		t.Fatalf("chunk count changed across idempotent re-run: %d -> %d", firstChunkCount, len(st.chunks["source:2"]))
	}
	if len(st.insights["source:2"]) != 1 {
		t.Fatalf("insights duplicated across re-run: got %d", len(st.insights["source:2"]))
	}
}

func TestRunFailsOnUnknownAssetKind(t *testing.T) {
	src := domain.Source{
		ID:      "source:3",
		OwnerID: "user:owner1",
		Asset:   domain.Asset{Kind: "bogus"},
	}

	st := newFakeStore(src)
	p := New(st, fakeEmbedder{}, fakeLLM{}, "test-model")

	err := p.Run(context.Background(), "user:owner1", "source:3", RunOptions{})
	if err == nil {
		t.Fatal("expected an error for an unknown asset kind")
	}

	got := st.sources["source:3"]
	if got.Status != domain.SourceFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected error_message to be set")
	}
}
