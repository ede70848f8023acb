package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServiceReloadAppliesCooldownRules(t *testing.T) {
	port, err := freePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	prefix := strings.Replace(
		singleModeConfig(port, tmpDir, ""),
		"reload_enabled = false",
		"reload_enabled = true\nreload_interval_sec = 1",
		1,
	)
	laxCfg := prefix + `
[cooldown]
disable_defaults = true

[cooldown.rule.lax]
scope = "event_type"
algorithm = "static"
base_sec = 60
trigger_count = 100000
`
	if err := os.WriteFile(configPath, []byte(laxCfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	service := newServiceFromConfig(t, configPath)
	cancel, done := runService(t, service)
	defer cancel()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitReady(t, port)

	results := postCandidate(t, baseURL, candidateBody("reload-0", "reload_event", "dingtalk", "before reload"))
	if len(results) != 1 || results[0].Decision.Action != "allow" {
		t.Fatalf("expected allow before reload, got %+v", results)
	}

	// A strict single-trigger rule must start blocking after the reload tick.
	strictCfg := prefix + `
[cooldown]
disable_defaults = true

[cooldown.rule.strict-reload]
scope = "event_type"
algorithm = "static"
base_sec = 600
trigger_count = 1
`
	if err := os.WriteFile(configPath, []byte(strictCfg), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	sequence := 0
	waitFor(t, 8*time.Second, func() bool {
		sequence++
		title := fmt.Sprintf("after reload %d", sequence)
		id := fmt.Sprintf("reload-%d", sequence)
		results := postCandidate(t, baseURL, candidateBody(id, "reload_event", "dingtalk", title))
		if len(results) != 1 {
			return false
		}
		return results[0].Decision.Action == "block" &&
			strings.Contains(results[0].Decision.Reason, "cooldown")
	})

	cancel()
	waitServiceStop(t, done)
}
