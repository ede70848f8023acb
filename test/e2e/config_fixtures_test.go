package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
)

// singleModeConfig builds the common single-mode service config for e2e tests.
// Params: HTTP port, temp dir for the snapshot file, and extra TOML sections.
// Returns: TOML document string.
func singleModeConfig(port int, tmpDir, extra string) string {
	return fmt.Sprintf(`
[service]
name = "notifier"
mode = "single"
reload_enabled = false
drain_interval_sec = 1
snapshot_interval_sec = 60
snapshot_path = %q

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"
health_path = "/healthz"
ready_path = "/readyz"
notify_path = "/notify"
status_path = "/status"
max_body_bytes = 1048576

[throttle]
max_per_minute = 1000
max_per_hour = 10000
burst_limit = 1000
`, filepath.Join(tmpDir, "snapshot.json"), port) + extra
}

// candidateBody builds one candidate JSON document.
// Params: candidate id, event type, channel, and title (varied to avoid
// duplicate filtering between posts).
// Returns: JSON byte payload.
func candidateBody(id, eventType, channel, title string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"event_type":%q,"channel":%q,"priority":"normal","content":{"title":%q},"created_at":"2026-08-25T12:00:00Z"}`,
		id, eventType, channel, title,
	))
}

// decisionResult is one decoded notify endpoint result entry.
type decisionResult struct {
	CandidateID string `json:"candidate_id"`
	Decision    struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	} `json:"decision"`
}

// postCandidate posts one candidate and decodes the per-candidate decisions.
// Params: test handle, base URL, and candidate JSON payload.
// Returns: decoded result entries.
func postCandidate(t *testing.T, baseURL string, payload []byte) []decisionResult {
	t.Helper()
	response, err := http.Post(baseURL+"/notify", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("notify request: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read notify response: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected notify 200, got %d: %s", response.StatusCode, body)
	}
	var decoded struct {
		Results []decisionResult `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode notify response: %v", err)
	}
	return decoded.Results
}
