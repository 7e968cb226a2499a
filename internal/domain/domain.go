// Package domain holds the typed records shared across the core (C7),
// generalized from the teacher's ProviderRecord/APIToken record shapes onto
// the Open Notebook entity set in spec.md §3.
package domain

import (
	"context"
	"net/http"

	"github.com/worldline-go/types"
)

// Qualify returns the table-qualified form of an id: "<table>:<opaque>".
// Bare ids (no colon) are qualified against table; already-qualified ids
// are returned unchanged. This is the id-normalization rule of C3.
func Qualify(table, id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id
		}
	}
	return table + ":" + id
}

type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	HashedPassword         string     `json:"-"`
	DisplayName            string     `json:"display_name,omitempty"`
	IsActive               bool       `json:"is_active"`
	IsAdmin                bool       `json:"is_admin"`
	HasCompletedOnboarding bool       `json:"has_completed_onboarding"`
	Created                types.Time `json:"created"`
	Updated                types.Time `json:"updated"`
}

// UserProviderSecret holds one user's encrypted credential for a given
// provider tag. (UserID, Provider) is unique (spec §3).
type UserProviderSecret struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user"`
	Provider       string     `json:"provider"`
	EncryptedValue string     `json:"-"`
	DisplayName    string     `json:"display_name,omitempty"`
	Created        types.Time `json:"created"`
	Updated        types.Time `json:"updated"`
}

type Notebook struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Archived    bool       `json:"archived"`
	OwnerID     string     `json:"owner"`
	Created     types.Time `json:"created"`
	Updated     types.Time `json:"updated"`
}

type SourceKind string

const (
	SourceKindUpload SourceKind = "upload"
	SourceKindLink   SourceKind = "link"
	SourceKindText   SourceKind = "text"
)

type SourceStatus string

const (
	SourceQueued    SourceStatus = "queued"
	SourceRunning   SourceStatus = "running"
	SourceCompleted SourceStatus = "completed"
	SourceFailed    SourceStatus = "failed"
)

// Asset describes where a Source's raw content came from.
type Asset struct {
	Kind     SourceKind `json:"kind"`
	FilePath string     `json:"file_path,omitempty"`
	URL      string     `json:"url,omitempty"`
	Inline   string     `json:"inline,omitempty"`
}

type Source struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	OwnerID        string          `json:"owner"`
	Asset          Asset           `json:"asset"`
	FullText       string          `json:"full_text,omitempty"`
	ContentLength  int             `json:"content_length"`
	EmbeddedChunks int             `json:"embedded_chunks"`
	Status         SourceStatus    `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CommandID      string          `json:"command,omitempty"`
	Created        types.Time      `json:"created"`
	Updated        types.Time      `json:"updated"`
}

type Chunk struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source"`
	Index     int       `json:"index"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
}

type Insight struct {
	ID               string     `json:"id"`
	SourceID         string     `json:"source"`
	TransformationID string     `json:"transformation"`
	Content          string     `json:"content"`
	Created          types.Time `json:"created"`
}

type Transformation struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PromptTemplate string `json:"prompt_template"`
	OwnerID        string `json:"owner,omitempty"`
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

type ChatMessage struct {
	Role    ChatRole   `json:"role"`
	Content string     `json:"content"`
	Created types.Time `json:"created"`
}

type ChatSession struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"owner"`
	NotebookID string        `json:"notebook"`
	Title      string        `json:"title"`
	Messages   []ChatMessage `json:"messages,omitempty"`
	Created    types.Time    `json:"created"`
	Updated    types.Time    `json:"updated"`
}

type SpeakerProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Voice   string `json:"voice"`
	OwnerID string `json:"owner"`
}

type EpisodeProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner"`
}

type Episode struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner"`
	EpisodeProfileID string     `json:"episode_profile"`
	AudioFile        string     `json:"audio_file"` // local path or object-storage URL scheme
	Created          types.Time `json:"created"`
}

// CommandStatus is the only externally-observable state of a Command (C4).
type CommandStatus string

const (
	CommandNew      CommandStatus = "new"
	CommandRunning  CommandStatus = "running"
	CommandComplete CommandStatus = "complete"
	CommandFailed   CommandStatus = "failed"
)

type Command struct {
	ID           string                 `json:"id"`
	Namespace    string                 `json:"namespace"`
	Name         string                 `json:"name"`
	Input        map[string]any         `json:"input"`
	Status       CommandStatus          `json:"status"`
	Result       map[string]any         `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Attempts     int                    `json:"attempts"`
	ClaimedAt    types.Null[types.Time] `json:"claimed_at,omitempty"`
	Created      types.Time             `json:"created"`
	Updated      types.Time             `json:"updated"`
}

// ─── LLM message/streaming types shared by C6 and internal/llm/* ───

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one fragment of a provider's streamed chat response.
type StreamChunk struct {
	Content      string
	FinishReason string // "stop" when this is the final chunk
	Usage        *Usage
	Error        error
}

// LLMResponse is a complete, non-streamed chat response.
type LLMResponse struct {
	Content  string
	Finished bool
	Usage    Usage
	Header   http.Header
}

// LLMProvider is implemented by every chat-capable provider client.
type LLMProvider interface {
	Chat(ctx context.Context, model string, messages []Message) (*LLMResponse, error)
}

// LLMStreamProvider is implemented by providers that support SSE-style
// streaming. The chat executor requires it; it has no Chat()-based fallback.
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message) (<-chan StreamChunk, error)
}
