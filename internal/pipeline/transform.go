package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
	"github.com/rakunlabs/opennotebook/internal/render"
)

// runTransform (Node 3) renders each requested transformation_id against the
// extracted text and asks the configured LLM provider to produce one
// insight per transformation — exactly the transformations the ingestion
// request named, not every transformation the owner has (spec §4.5 Node 3).
//
// Template rendering grounded on the teacher's
// internal/service/workflow/nodes/template.go, reusing internal/render as-is
// with the source text as the template context instead of a workflow
// registry's node inputs.
func (p *Pipeline) runTransform(ctx context.Context, src *domain.Source, transformationIDs []string) error {
	insights := make([]domain.Insight, 0, len(transformationIDs))
	for _, id := range transformationIDs {
		t, err := p.store.GetTransformation(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.New(apperr.InvalidInput, fmt.Sprintf("transformation %q not found", id))
		}

		prompt, err := render.ExecuteWithData(t.PromptTemplate, map[string]any{
			"content": src.FullText,
			"title":   src.Title,
		})
		if err != nil {
			return err
		}

		resp, err := p.llm.Chat(ctx, p.model, []domain.Message{
			{Role: "user", Content: string(prompt)},
		})
		if err != nil {
			return err
		}

		insights = append(insights, domain.Insight{
			SourceID:         src.ID,
			TransformationID: t.ID,
			Content:          strings.TrimSpace(resp.Content),
		})
	}

	return p.store.ReplaceInsights(ctx, src.ID, insights)
}
