package api

import (
	"net/http"

	"github.com/rakunlabs/opennotebook/internal/domain"
)

// secretsResponse wraps a list of a user's provider secrets for JSON output.
type secretsResponse struct {
	Secrets []domain.UserProviderSecret `json:"secrets"`
}

type upsertSecretRequest struct {
	Provider    string `json:"provider"`
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
}

// ListProviderSecrets handles GET /secrets. Values are never returned —
// UserProviderSecret.EncryptedValue carries json:"-" — this endpoint only
// reveals which providers a user has configured.
func (s *Server) ListProviderSecrets(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	records, err := s.store.ListProviderSecrets(r.Context(), userID)
	if err != nil {
		httpResponseErr(w, err)
		return
	}
	if records == nil {
		records = []domain.UserProviderSecret{}
	}

	httpResponseJSON(w, secretsResponse{Secrets: records}, http.StatusOK)
}

// UpsertProviderSecret handles PUT /secrets: {provider, value, display_name?}.
// The plaintext value is encrypted by the caller-provided vault before
// storage; this handler never persists it in plaintext.
func (s *Server) UpsertProviderSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	var req upsertSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Value == "" {
		httpResponse(w, "provider and value are required", http.StatusBadRequest)
		return
	}

	encrypted, err := s.vault.Encrypt(req.Value)
	if err != nil {
		httpResponseErr(w, err)
		return
	}

	record, err := s.store.UpsertProviderSecret(r.Context(), userID, req.Provider, encrypted, req.DisplayName)
	if err != nil {
		httpResponseErr(w, err)
		return
	}

	httpResponseJSON(w, record, http.StatusOK)
}

// DeleteProviderSecret handles DELETE /secrets/{provider}.
func (s *Server) DeleteProviderSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	provider := pathID(r, "/secrets/")
	if provider == "" {
		httpResponse(w, "provider is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteProviderSecret(r.Context(), userID, provider); err != nil {
		httpResponseErr(w, err)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}
