package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"notifier/internal/cooldown"
)

// adminCooldownPath is the fixed operator endpoint for cooldown control.
const adminCooldownPath = "/admin/cooldown"

// newStatusHandler serves the aggregated gate status document.
// Params: manager with live gate references.
// Returns: GET-only JSON handler.
func newStatusHandler(manager *Manager) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(writer).Encode(manager.Status())
	})
}

// adminCooldownRequest is the operator command payload.
// Params: action name, target scope/key, and force parameters.
// Returns: decoded admin command.
type adminCooldownRequest struct {
	Action      string  `json:"action"`
	Scope       string  `json:"scope"`
	Key         string  `json:"key"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// newAdminCooldownHandler serves operator force/cancel/reset/status commands.
// Params: manager with cooldown gate access.
// Returns: POST-only JSON handler.
func newAdminCooldownHandler(manager *Manager) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		defer request.Body.Close()

		var command adminCooldownRequest
		if err := json.NewDecoder(request.Body).Decode(&command); err != nil {
			writeAdminError(writer, http.StatusBadRequest, "decode admin command: "+err.Error())
			return
		}
		scope, err := cooldown.ParseScope(command.Scope)
		if err != nil {
			writeAdminError(writer, http.StatusBadRequest, err.Error())
			return
		}
		key := strings.TrimSpace(command.Key)
		if key == "" {
			writeAdminError(writer, http.StatusBadRequest, "key is required")
			return
		}

		switch strings.ToLower(strings.TrimSpace(command.Action)) {
		case "force":
			if command.DurationSec <= 0 {
				writeAdminError(writer, http.StatusBadRequest, "duration_sec must be positive")
				return
			}
			manager.ForceCooldown(scope, key, command.DurationSec, command.Reason)
			writeAdminResult(writer, map[string]any{"forced": true})
		case "cancel":
			writeAdminResult(writer, map[string]any{"cancelled": manager.CancelCooldown(scope, key)})
		case "reset":
			writeAdminResult(writer, map[string]any{"reset": manager.ResetCooldown(scope, key)})
		case "status":
			writeAdminResult(writer, manager.CooldownStatusFor(scope, key))
		default:
			writeAdminError(writer, http.StatusBadRequest, "unsupported action "+command.Action)
		}
	})
}

// writeAdminResult writes a JSON admin response body.
// Params: response writer and payload.
// Returns: none.
func writeAdminResult(writer http.ResponseWriter, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(writer).Encode(payload)
}

// writeAdminError writes a JSON admin error body.
// Params: response writer, status, and message.
// Returns: none.
func writeAdminError(writer http.ResponseWriter, status int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]string{"error": message})
}
