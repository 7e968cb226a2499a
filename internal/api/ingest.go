package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/rakunlabs/opennotebook/internal/apperr"
	"github.com/rakunlabs/opennotebook/internal/domain"
	"github.com/rakunlabs/opennotebook/internal/pipeline"
)

// sourceResponse is the wire shape for §6's ingestion-request response.
type sourceResponse struct {
	Source    domain.Source `json:"source"`
	CommandID string        `json:"command_id,omitempty"`
}

// ingestRequest covers the link/text request bodies; the upload form is
// parsed separately from multipart fields.
type ingestRequest struct {
	Title           string   `json:"title,omitempty"`
	URL             string   `json:"url,omitempty"`
	Content         string   `json:"content,omitempty"`
	NotebookIDs     []string `json:"notebook_ids,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
	Embed           bool     `json:"embed"`
	AsyncProcessing *bool    `json:"async_processing,omitempty"`

	// DeleteSource unlinks an uploaded file from disk once it has been
	// extracted successfully (spec §6's upload request shape). Only
	// meaningful for the upload entry point.
	DeleteSource bool `json:"delete_source,omitempty"`
}

func (r ingestRequest) async() bool {
	if r.AsyncProcessing == nil {
		return true
	}
	return *r.AsyncProcessing
}

// IngestLink handles POST /sources/link: {url, notebook_ids?, transformations?, embed, async_processing}.
func (s *Server) IngestLink(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		httpResponse(w, "url is required", http.StatusBadRequest)
		return
	}

	s.ingest(w, r, domain.Asset{Kind: domain.SourceKindLink, URL: req.URL}, req)
}

// IngestText handles POST /sources/text: {content, notebook_ids?, transformations?, embed, async_processing}.
func (s *Server) IngestText(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		httpResponse(w, "content is required", http.StatusBadRequest)
		return
	}

	s.ingest(w, r, domain.Asset{Kind: domain.SourceKindText, Inline: req.Content}, req)
}

// IngestUpload handles POST /sources/upload: multipart body with a single
// file plus the same form fields as the JSON ingestion requests.
func (s *Server) IngestUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpResponse(w, fmt.Sprintf("invalid multipart body: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpResponse(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	path, err := pipeline.SaveUpload(s.uploadsDir, filepath.Base(header.Filename), file)
	if err != nil {
		httpResponseErr(w, err)
		return
	}

	req := ingestRequest{
		Title:           r.FormValue("title"),
		NotebookIDs:     r.MultipartForm.Value["notebook_ids[]"],
		Transformations: r.MultipartForm.Value["transformations[]"],
		Embed:           r.FormValue("embed") == "true",
		DeleteSource:    r.FormValue("delete_source") == "true",
	}
	if v := r.FormValue("async_processing"); v != "" {
		async := v == "true"
		req.AsyncProcessing = &async
	}
	if req.Title == "" {
		req.Title = headerFilenameTitle(header)
	}

	s.ingest(w, r, domain.Asset{Kind: domain.SourceKindUpload, FilePath: path}, req)
}

func headerFilenameTitle(header *multipart.FileHeader) string {
	return filepath.Base(header.Filename)
}

// ingest is the shared tail of all three ingestion entry points: create the
// owned Source record, link it into any requested notebooks, then either
// enqueue async processing or run it inline before responding.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, asset domain.Asset, req ingestRequest) {
	ctx := r.Context()
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	title := req.Title
	if title == "" {
		title = defaultTitle(asset)
	}

	src, err := s.store.CreateSource(ctx, domain.Source{
		Title:   title,
		OwnerID: userID,
		Asset:   asset,
		Status:  domain.SourceQueued,
	})
	if err != nil {
		httpResponseErr(w, err)
		return
	}

	for _, nbID := range req.NotebookIDs {
		if err := s.store.LinkSource(ctx, nbID, src.ID); err != nil {
			httpResponseErr(w, err)
			return
		}
	}

	input := map[string]any{
		"source_id":          src.ID,
		"user_id":            userID,
		"embed":              req.Embed,
		"transformation_ids": req.Transformations,
		"delete_source":      req.DeleteSource,
	}

	if req.async() {
		cmd, err := s.queue.Submit(ctx, pipeline.Namespace, pipeline.CommandProcess, input)
		if err != nil {
			httpResponseErr(w, err)
			return
		}
		httpResponseJSON(w, sourceResponse{Source: *src, CommandID: cmd.ID}, http.StatusAccepted)
		return
	}

	if _, err := s.queue.ExecuteSync(ctx, pipeline.Namespace, pipeline.CommandProcess, input, userID); err != nil {
		httpResponseErr(w, err)
		return
	}

	completed, err := s.store.GetSource(ctx, userID, src.ID)
	if err != nil {
		httpResponseErr(w, err)
		return
	}
	httpResponseJSON(w, sourceResponse{Source: *completed}, http.StatusOK)
}

func defaultTitle(asset domain.Asset) string {
	switch asset.Kind {
	case domain.SourceKindLink:
		return asset.URL
	case domain.SourceKindUpload:
		return filepath.Base(asset.FilePath)
	default:
		return "untitled"
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.InvalidInput, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// callerID reads the caller's resolved user id from the header the
// external auth layer populates (config.Server.UserHeader).
func callerID(r *http.Request, header string) (string, bool) {
	id := r.Header.Get(header)
	return id, id != ""
}
