package pipeline

import (
	"context"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
)

// runPersistChunkEmbed (Node 2) splits src.FullText into overlapping windows,
// embeds them in fixed-size batches, and replaces any chunks left over from
// a prior run of the same source.
//
// Splitter shape grounded on
// jinterlante1206-AleutianLocal/services/orchestrator/handlers/documents.go's
// textsplitter.NewRecursiveCharacter/SplitText usage.
func (p *Pipeline) runPersistChunkEmbed(ctx context.Context, src *domain.Source) error {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
	)

	texts, err := splitter.SplitText(src.FullText)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "split source text")
	}
	if len(texts) == 0 {
		return apperr.New(apperr.InvalidInput, "splitter produced no chunks")
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := p.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return apperr.Wrap(apperr.Transient, err, "embed chunk batch")
		}
		if len(batch) != end-start {
			return apperr.New(apperr.Transient, "embedder returned a mismatched batch size")
		}
		embeddings = append(embeddings, batch...)
	}

	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			SourceID:  src.ID,
			Index:     i,
			Content:   text,
			Embedding: embeddings[i],
		}
	}

	if err := p.store.ReplaceChunks(ctx, src.ID, chunks); err != nil {
		return err
	}

	src.EmbeddedChunks = len(chunks)
	return nil
}
