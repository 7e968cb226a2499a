// Package chatexec implements C6, the streaming chat executor: builds a
// context-window-bounded prompt from a chat session, streams tokens from a
// language model through an ordered event stream, and persists the turn
// only once the stream finishes cleanly.
//
// Grounded on the teacher's internal/service/llm/antropic/antropic.go
// ChatStream (bufio.Scanner SSE loop feeding a buffered channel) for the
// token-delivery shape, generalized here into a provider-agnostic Event
// stream, plus internal/credctx for the per-session credential-context
// discipline spec §4.6 asks for around the model call.
package chatexec

import (
	"context"
	"strings"
	"sync"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/credctx"
	"github.com/rakunlabs/opennotebook/internal/domain"
	"github.com/rakunlabs/opennotebook/internal/store"
)

type EventType string

const (
	EventUserMessage       EventType = "user_message"
	EventToken             EventType = "token"
	EventAIMessageComplete EventType = "ai_message_complete"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
)

// Event is one item of the executor's ordered output stream. Exactly one of
// Content (for message/token events) or Message (for error) is populated
// depending on Type.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Message string    `json:"message,omitempty"`
}

// SelectedContext indicates, per source or note id in the session's
// notebook, how much of it to fold into the prompt.
type SelectedContext map[string]ContextLevel

type ContextLevel string

const (
	ContextNone    ContextLevel = "none"
	ContextSummary ContextLevel = "summary"
	ContextFull    ContextLevel = "full"
)

// ContextWindowChars bounds the total character budget of prior-turn
// history folded into the prompt. Older messages are dropped from the tail
// first (oldest first) until the remaining history fits.
const ContextWindowChars = 24000

type Executor struct {
	store store.Store
	cred  *credctx.Context
	llm   domain.LLMStreamProvider
	model string

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sync.Mutex
}

func New(st store.Store, cred *credctx.Context, llm domain.LLMStreamProvider, model string) *Executor {
	return &Executor{
		store:        st,
		cred:         cred,
		llm:          llm,
		model:        model,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-session mutex, creating it on first use. A single
// process-wide map protects the lazily-created locks themselves; the
// session lock it returns is held for the span of one Execute call,
// serializing concurrent requests on the same session per spec §4.6's
// concurrency contract.
func (e *Executor) lockFor(sessionID string) *sync.Mutex {
	e.sessionLocksMu.Lock()
	defer e.sessionLocksMu.Unlock()

	l, ok := e.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessionLocks[sessionID] = l
	}
	return l
}

// Execute runs one chat turn and returns its ordered event stream. The
// channel is closed once a terminal event (complete or error) has been
// sent. Callers must drain the channel even after disconnecting upstream,
// so the executor can observe the closed-write case and clean up.
func (e *Executor) Execute(ctx context.Context, sessionID, userID, userMessage string, selected SelectedContext) <-chan Event {
	out := make(chan Event, 8)

	go func() {
		defer close(out)

		lock := e.lockFor(sessionID)
		lock.Lock()
		defer lock.Unlock()

		session, err := e.store.GetChatSession(ctx, userID, sessionID)
		if err != nil {
			emit(ctx, out, Event{Type: EventError, Message: err.Error()})
			return
		}
		if session == nil {
			emit(ctx, out, Event{Type: EventError, Message: "chat session not found"})
			return
		}

		if !emit(ctx, out, Event{Type: EventUserMessage, Content: userMessage}) {
			return
		}

		messages := e.buildPrompt(ctx, session, selected, userMessage)

		var assistant strings.Builder
		runErr := e.cred.WithUserCredentials(ctx, userID, func(ctx context.Context) error {
			chunks, err := e.llm.ChatStream(ctx, e.model, messages)
			if err != nil {
				return err
			}

			for chunk := range chunks {
				if chunk.Error != nil {
					return chunk.Error
				}
				if chunk.Content == "" {
					continue
				}
				assistant.WriteString(chunk.Content)
				if !emit(ctx, out, Event{Type: EventToken, Content: chunk.Content}) {
					return apperr.New(apperr.Cancelled, "client disconnected mid-stream")
				}
			}
			return nil
		})
		if runErr != nil {
			emit(ctx, out, Event{Type: EventError, Message: runErr.Error()})
			return
		}

		if !emit(ctx, out, Event{Type: EventAIMessageComplete, Content: assistant.String()}) {
			return
		}

		if err := e.store.AppendChatMessages(ctx, sessionID,
			domain.ChatMessage{Role: domain.RoleUser, Content: userMessage},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: assistant.String()},
		); err != nil {
			emit(ctx, out, Event{Type: EventError, Message: err.Error()})
			return
		}

		emit(ctx, out, Event{Type: EventComplete})
	}()

	return out
}

// buildPrompt assembles the message list the provider sees: prior session
// history truncated to ContextWindowChars from the tail (oldest dropped
// first), any selected source/note content flattened as a leading system
// message, then the new user turn.
func (e *Executor) buildPrompt(ctx context.Context, session *domain.ChatSession, selected SelectedContext, userMessage string) []domain.Message {
	var out []domain.Message

	if ctxBlock := e.buildContextBlock(ctx, session, selected); ctxBlock != "" {
		out = append(out, domain.Message{Role: "system", Content: ctxBlock})
	}

	history := truncateTail(session.Messages, ContextWindowChars)
	for _, m := range history {
		out = append(out, domain.Message{Role: string(m.Role), Content: m.Content})
	}

	out = append(out, domain.Message{Role: string(domain.RoleUser), Content: userMessage})
	return out
}

// buildContextBlock resolves selected sources/notes into inline text,
// loading full source text for ContextFull and the source's insights for
// ContextSummary. Entries that cannot be loaded are skipped rather than
// failing the turn; membership in the session's notebook is not checked.
func (e *Executor) buildContextBlock(ctx context.Context, session *domain.ChatSession, selected SelectedContext) string {
	if len(selected) == 0 {
		return ""
	}

	var b strings.Builder
	for sourceID, level := range selected {
		switch level {
		case ContextFull:
			src, err := e.store.GetSource(ctx, session.OwnerID, sourceID)
			if err != nil || src == nil {
				continue
			}
			b.WriteString(src.Title)
			b.WriteString(":\n")
			b.WriteString(src.FullText)
			b.WriteString("\n\n")
		case ContextSummary:
			insights, err := e.store.ListInsights(ctx, sourceID)
			if err != nil || len(insights) == 0 {
				continue
			}
			for _, ins := range insights {
				b.WriteString(ins.Content)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		case ContextNone, "":
			continue
		}
	}

	return strings.TrimSpace(b.String())
}

// truncateTail drops the oldest messages first until the remaining history
// fits within budget characters, keeping message order.
func truncateTail(messages []domain.ChatMessage, budget int) []domain.ChatMessage {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}

	start := 0
	for total > budget && start < len(messages) {
		total -= len(messages[start].Content)
		start++
	}

	return messages[start:]
}

// emit sends an event unless the consumer has stopped reading or ctx has
// been cancelled, in which case it reports false so the caller can treat
// the stream as disconnected and skip persistence.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
