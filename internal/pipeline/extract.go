package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
)

// runExtract (Node 1) fills src.FullText from the source's asset, dispatching
// on Asset.Kind. Inline text sources are used verbatim — no markdown/HTML
// round-trip, no whitespace normalization — per spec §4.5 Node 1. Link
// sources are fetched and stripped down to readable text; upload sources
// are read from local disk and, when the upload is a PDF, text-extracted
// page by page.
//
// No in-pack example wires goquery, bluemonday, ledongthuc/pdf, or
// gomarkdown/markdown (see DESIGN.md's C5 ledger entry for the honest
// grounding note) — this stage is written against each library's documented
// public API rather than an observed call site.
func (p *Pipeline) runExtract(ctx context.Context, src *domain.Source) error {
	src.Status = domain.SourceRunning
	if err := p.store.UpdateSource(ctx, *src); err != nil {
		return err
	}

	var text string
	var err error

	switch src.Asset.Kind {
	case domain.SourceKindText:
		text = src.Asset.Inline
	case domain.SourceKindLink:
		text, err = extractURL(ctx, src.Asset.URL)
	case domain.SourceKindUpload:
		text, err = extractUpload(src.Asset.FilePath)
	default:
		err = apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown asset kind %q", src.Asset.Kind))
	}
	if err != nil {
		return err
	}

	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.InvalidInput, "extraction produced no text")
	}

	src.FullText = text
	src.ContentLength = len(text)
	return nil
}

// extractURL fetches a web page and reduces it to its readable text content.
// A response served as Markdown (raw ".md"/".markdown" documents, or a
// text/markdown content type — common for link sources pointing at README-
// style raw files) is rendered to HTML with gomarkdown first; everything
// else is assumed to already be HTML. Either way the result is sanitized
// with bluemonday's UGC policy before goquery collapses it to text.
func extractURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, err, "build request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "fetch url")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.Transient, fmt.Sprintf("fetch url: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "read response body")
	}

	if looksLikeMarkdown(url, resp.Header.Get("Content-Type")) {
		extensions := parser.CommonExtensions
		p := parser.NewWithExtensions(extensions)
		renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
		body = markdown.ToHTML(body, p, renderer)
	}

	sanitized := bluemonday.UGCPolicy().SanitizeBytes(body)
	return htmlToText(sanitized)
}

func looksLikeMarkdown(url, contentType string) bool {
	if strings.Contains(contentType, "markdown") {
		return true
	}
	lower := strings.ToLower(url)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown")
}

// htmlToText parses sanitized HTML and concatenates its text nodes,
// collapsing runs of whitespace left behind by stripped block elements.
func htmlToText(htmlBytes []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, err, "parse html")
	}

	text := doc.Text()
	fields := strings.Fields(text)
	return strings.Join(fields, " "), nil
}

// extractUpload reads a stored upload from disk. PDFs are text-extracted
// page by page; every other upload kind is treated as already-text.
func extractUpload(path string) (string, error) {
	if strings.EqualFold(filepathExt(path), ".pdf") {
		return extractPDF(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, err, "read upload")
	}
	return string(data), nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, err, "open pdf")
	}
	defer f.Close()

	var buf bytes.Buffer
	totalPage := r.NumPage()
	for i := 1; i <= totalPage; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidInput, err, fmt.Sprintf("extract pdf page %d", i))
		}
		buf.WriteString(content)
		buf.WriteString("\n")
	}

	return buf.String(), nil
}

func filepathExt(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}
