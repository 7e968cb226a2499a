package api

import "net/http"

// GetSource handles GET /sources/{id}: current status, error_message (if
// any), and full content once completed, per spec §6's command-result
// polling contract.
func (s *Server) GetSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r, s.userHeader)
	if !ok {
		httpResponse(w, "missing caller identity", http.StatusUnauthorized)
		return
	}

	id := pathID(r, "/sources/")
	if id == "" {
		httpResponse(w, "source id is required", http.StatusBadRequest)
		return
	}

	src, err := s.store.GetSource(r.Context(), userID, id)
	if err != nil {
		httpResponseErr(w, err)
		return
	}

	httpResponseJSON(w, src, http.StatusOK)
}
