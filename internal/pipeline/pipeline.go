// Package pipeline implements C5, the source ingestion pipeline: a fixed
// three-stage chain (extract → persist+chunk+embed → transform) run once
// per source, registered as the queue's "source/process" command handler.
//
// Grounded on the teacher's internal/service/workflow/engine.go two-phase
// (validate, then run) node execution shape, narrowed from an arbitrary
// node graph down to the fixed three-node chain this domain needs — no
// fan-out or port-selection routing is required for a single source.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
	"github.com/rakunlabs/opennotebook/internal/queue"
	"github.com/rakunlabs/opennotebook/internal/store"
)

const (
	Namespace      = "source"
	CommandProcess = "process"
)

// Embedder turns text chunks into vector embeddings. Implemented by an
// LLM provider's embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedBatchSize caps how many chunks are embedded in a single request.
const EmbedBatchSize = 10

// ChunkSize and ChunkOverlap are the character-window splitter parameters.
const (
	ChunkSize    = 1000
	ChunkOverlap = 200
)

type Pipeline struct {
	store    store.Store
	embedder Embedder
	llm      domain.LLMProvider
	model    string
}

func New(st store.Store, embedder Embedder, llm domain.LLMProvider, model string) *Pipeline {
	return &Pipeline{store: st, embedder: embedder, llm: llm, model: model}
}

// RunOptions carries the per-request choices from the ingestion call that
// shape how far the pipeline goes (spec §4.5/§6).
type RunOptions struct {
	// Embed gates Node 2's split/embed work entirely; when false the source
	// is extracted and (if requested) transformed, but embedded_chunks
	// stays 0.
	Embed bool

	// TransformationIDs names exactly which transformations Node 3 applies.
	// An empty list skips Node 3 entirely rather than defaulting to "every
	// transformation this owner has".
	TransformationIDs []string

	// DeleteSource unlinks an upload's file from disk once Node 1 has
	// successfully extracted its text.
	DeleteSource bool
}

// Register wires Run into the command queue under (Namespace, CommandProcess).
func (p *Pipeline) Register() {
	queue.RegisterHandler(Namespace, CommandProcess, func(ctx context.Context, cmd domain.Command) (map[string]any, error) {
		sourceID, _ := cmd.Input["source_id"].(string)
		ownerID, _ := cmd.Input["user_id"].(string)
		if sourceID == "" || ownerID == "" {
			return nil, apperr.New(apperr.InvalidInput, "source_id and user_id are required in command input")
		}

		embed, _ := cmd.Input["embed"].(bool)
		deleteSource, _ := cmd.Input["delete_source"].(bool)
		opts := RunOptions{
			Embed:             embed,
			TransformationIDs: toStringSlice(cmd.Input["transformation_ids"]),
			DeleteSource:      deleteSource,
		}

		return nil, p.Run(ctx, ownerID, sourceID, opts)
	})
}

// toStringSlice reads a []string back out of a command's Input map, which
// round-trips through the store as []any.
func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Run executes all three stages for one source. Each stage's failure is
// recorded on the Source with its stage name (apperr.WithStage) so the
// status endpoint can report exactly where processing stopped. Re-running
// Run for a source already processed redoes every stage idempotently:
// Node 2 and Node 3 delete-then-rewrite their records rather than append.
func (p *Pipeline) Run(ctx context.Context, ownerID, sourceID string, opts RunOptions) error {
	src, err := p.store.GetSource(ctx, ownerID, sourceID)
	if err != nil {
		return err
	}

	if err := p.runExtract(ctx, src); err != nil {
		return p.fail(ctx, src, "extract", err)
	}

	if opts.DeleteSource && src.Asset.Kind == domain.SourceKindUpload && src.Asset.FilePath != "" {
		if err := os.Remove(src.Asset.FilePath); err != nil {
			slog.Warn("unlink upload after extraction", "source_id", src.ID, "path", src.Asset.FilePath, "error", err)
		}
	}

	if opts.Embed {
		if err := p.runPersistChunkEmbed(ctx, src); err != nil {
			return p.fail(ctx, src, "chunk_embed", err)
		}
	}

	if len(opts.TransformationIDs) > 0 {
		if err := p.runTransform(ctx, src, opts.TransformationIDs); err != nil {
			return p.fail(ctx, src, "transform", err)
		}
	}

	src.Status = domain.SourceCompleted
	src.ErrorMessage = ""
	return p.store.UpdateSource(ctx, *src)
}

func (p *Pipeline) fail(ctx context.Context, src *domain.Source, stage string, cause error) error {
	src.Status = domain.SourceFailed
	src.ErrorMessage = fmt.Sprintf("%s: %v", stage, cause)
	if err := p.store.UpdateSource(ctx, *src); err != nil {
		return err
	}
	return apperr.WithStage(apperr.KindOf(cause), stage, cause)
}
