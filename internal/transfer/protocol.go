package transfer

import (
	"encoding/json"
	"net/http"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion

	HeaderRequestID = "X-Request-ID"
)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message"`
	Reason       Reason      `json:"reason,omitempty"`
	MissingIndex *int        `json:"missing_index,omitempty"`
	Data         interface{} `json:"data,omitempty"`
}

// MergeRequest asks for chunks 0..TotalChunks-1 to be assembled.
// Identifier is taken from the URL on the per-upload route.
type MergeRequest struct {
	Identifier  string `json:"identifier"`
	TotalChunks int    `json:"total_chunks"`
	FileName    string `json:"file_name,omitempty"`
}

// ChunkListResponse is the data of GET /api/v1/uploads/{identifier}.
type ChunkListResponse struct {
	Identifier string `json:"identifier"`
	Chunks     []int  `json:"chunks"`
}

func responseFromOutcome(o Outcome) Response {
	r := Response{
		Success:      o.Success,
		Message:      o.Message,
		Reason:       o.Reason,
		MissingIndex: o.MissingIndex,
	}
	if o.Artifact != nil {
		r.Data = o.Artifact
	}
	return r
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteOutcome(w http.ResponseWriter, o Outcome) {
	WriteJSONResponse(w, o.HTTPStatus(), responseFromOutcome(o))
}

func WriteErrorResponse(w http.ResponseWriter, reason Reason, message string) {
	o := Outcome{Reason: reason, Message: message}
	WriteOutcome(w, o)
}
