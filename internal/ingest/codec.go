package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"notifier/internal/domain"
)

// decodeCandidatePayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated candidate slice.
func decodeCandidatePayload(raw []byte) ([]domain.Candidate, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		candidates, err := domain.DecodeCandidatesReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return candidates, nil
	}

	var candidate domain.Candidate
	if err := decoder.Decode(&candidate); err != nil {
		return nil, fmt.Errorf("decode candidate: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return []domain.Candidate{candidate}, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
