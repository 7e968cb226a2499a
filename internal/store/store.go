// Package store defines C3, the Repository: single ownership of the
// connection to the document store and parameterized CRUD helpers. Ping
// retries with backoff; the other operations return the first failure
// without retrying. Concrete backends live in
// internal/store/postgres and internal/store/sqlite3; both implement Store
// over the shared internal/store/sqlstore logic.
package store

import (
	"context"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

// Store is the full C3 contract consumed by the rest of the core.
type Store interface {
	Close()

	// Ping and MigrationVersion back C8's readiness checks.
	Ping(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)

	Users
	ProviderSecrets
	Notebooks
	Sources
	Chunks
	Insights
	Transformations
	ChatSessions
	Commands
}

type Users interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	// WipeUser deletes every record the user owns: each owned source's
	// Chunks and Insights first, then Notebooks, Sources, ChatSessions,
	// Episodes, UserProviderSecrets.
	WipeUser(ctx context.Context, userID string) error
}

type ProviderSecrets interface {
	ListProviderSecrets(ctx context.Context, userID string) ([]domain.UserProviderSecret, error)
	GetProviderSecret(ctx context.Context, userID, provider string) (*domain.UserProviderSecret, error)
	UpsertProviderSecret(ctx context.Context, userID, provider, encryptedValue, displayName string) (*domain.UserProviderSecret, error)
	DeleteProviderSecret(ctx context.Context, userID, provider string) error
}

type Notebooks interface {
	GetNotebook(ctx context.Context, ownerID, id string) (*domain.Notebook, error)
	CreateNotebook(ctx context.Context, nb domain.Notebook) (*domain.Notebook, error)
	// LinkSource records the notebook→source "contains" graph edge.
	LinkSource(ctx context.Context, notebookID, sourceID string) error
}

type Sources interface {
	GetSource(ctx context.Context, ownerID, id string) (*domain.Source, error)
	CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error)
	UpdateSource(ctx context.Context, src domain.Source) error
	// RunningCommandForSource reports the Command id recorded on the source
	// while it is running, if any; it does not itself block a second job.
	RunningCommandForSource(ctx context.Context, sourceID string) (string, error)
}

type Chunks interface {
	// ReplaceChunks deletes all existing chunks for sourceID and writes the
	// given set, implementing the idempotent re-entry rule of C5 Node 2.
	ReplaceChunks(ctx context.Context, sourceID string, chunks []domain.Chunk) error
	ListChunks(ctx context.Context, sourceID string) ([]domain.Chunk, error)
}

type Insights interface {
	// ReplaceInsights deletes all existing insights for sourceID and writes
	// the given set (idempotent re-entry for C5 Node 3).
	ReplaceInsights(ctx context.Context, sourceID string, insights []domain.Insight) error
	ListInsights(ctx context.Context, sourceID string) ([]domain.Insight, error)
}

type Transformations interface {
	GetTransformation(ctx context.Context, id string) (*domain.Transformation, error)
	ListTransformations(ctx context.Context, ownerID string) ([]domain.Transformation, error)
}

type ChatSessions interface {
	GetChatSession(ctx context.Context, ownerID, id string) (*domain.ChatSession, error)
	AppendChatMessages(ctx context.Context, sessionID string, messages ...domain.ChatMessage) error
}

// Commands is the C4 Command queue's storage contract.
type Commands interface {
	CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error)
	GetCommand(ctx context.Context, id string) (*domain.Command, error)
	// ClaimNext atomically selects the oldest status=new command, sets it
	// to running with an incremented attempts count, and returns it. It
	// returns (nil, nil) when no command is claimable.
	ClaimNext(ctx context.Context) (*domain.Command, error)
	CompleteCommand(ctx context.Context, id string, result map[string]any) error
	FailCommand(ctx context.Context, id string, errMsg string) error
	// ReapAbandoned resets status=running commands claimed before the lease
	// cutoff back to new while attempts is under the retry budget, or to
	// failed once attempts reaches it. Returns the number of commands moved
	// either way.
	ReapAbandoned(ctx context.Context, leaseCutoffSeconds int64, retryBudget int) (int, error)
}
