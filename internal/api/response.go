// Package api implements C9, the narrow HTTP surface the core exposes:
// ingestion (upload/link/text), source status polling, chat streaming, and
// provider-secret CRUD. Authentication/CORS/UI stay external collaborators
// per spec §1 — this package trusts the caller id the upstream auth layer
// has already resolved into a request header.
//
// Adapted from the teacher's internal/server package: response.go's JSON
// helper is kept near-verbatim, secrets.go's CRUD handler shape is adapted
// onto UserProviderSecret, and gateway.go's SSE writer/flush discipline
// backs the chat streaming endpoint.
package api

import (
	"encoding/json"
	"net/http"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{Message: msg})
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}

// httpResponseErr maps an apperr.Kind (via httpStatus) to a status code
// and writes it as a response message, per spec §7's error-mapping table.
func httpResponseErr(w http.ResponseWriter, err error) {
	httpResponse(w, err.Error(), httpStatus(err))
}
