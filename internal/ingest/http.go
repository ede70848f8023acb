package ingest

import (
	"encoding/json"
	"io"
	"net/http"

	"notifier/internal/domain"
)

// CandidateSink receives decoded candidates from ingest interfaces.
// Params: decoded candidate payload.
// Returns: admission decision and processing error.
type CandidateSink interface {
	Push(candidate domain.Candidate) (domain.Decision, error)
}

// pushResult pairs one candidate with its admission decision.
// Params: candidate id and gate decision.
// Returns: response entry for the notify endpoint.
type pushResult struct {
	CandidateID string          `json:"candidate_id"`
	Decision    domain.Decision `json:"decision"`
}

// notifyResponse is the notify endpoint response body.
// Params: per-candidate results in request order.
// Returns: JSON response payload.
type notifyResponse struct {
	Results []pushResult `json:"results"`
}

// HTTPHandler decodes JSON candidates and forwards them to sink.
// Params: sink receives validated candidates, max body limits payload size.
// Returns: HTTP handler for the notify endpoint.
type HTTPHandler struct {
	sink        CandidateSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink CandidateSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming candidate request.
// Params: HTTP request/response writer pair.
// Returns: writes per-candidate decisions or an error status.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSONError(writer, http.StatusBadRequest, "read request body failed")
		return
	}

	candidates, err := decodeCandidatePayload(body)
	if err != nil {
		writeJSONError(writer, http.StatusBadRequest, err.Error())
		return
	}

	response := notifyResponse{Results: make([]pushResult, 0, len(candidates))}
	for _, candidate := range candidates {
		decision, pushErr := h.sink.Push(candidate)
		if pushErr != nil {
			writeJSONError(writer, http.StatusServiceUnavailable, pushErr.Error())
			return
		}
		response.Results = append(response.Results, pushResult{
			CandidateID: candidate.ID,
			Decision:    decision,
		})
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(writer).Encode(response)
}

// writeJSONError writes a JSON error body with the given status.
// Params: response writer, status code, and error message.
// Returns: none.
func writeJSONError(writer http.ResponseWriter, status int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]string{"error": message})
}
