// wire.go defines the /sync protocol types. The agent stands in for the
// browser extension, so field names follow the server's snake_case contract,
// including the extension_* keys the server still expects.
package transport

import (
	"encoding/json"
	"time"
)

// SyncRequest is the POST body for /sync.
type SyncRequest struct {
	SessionID string `json:"session_id"`

	// Reported under the extension's key for server compatibility.
	AgentVersion string `json:"extension_version,omitempty"`

	Settings *Settings `json:"settings,omitempty"`

	AgentLogs []AgentLog `json:"extension_logs,omitempty"`

	// Ack of the last processed command id, for reliable delivery.
	LastCommandAck string `json:"last_command_ack,omitempty"`

	CommandResults []CommandResult `json:"command_results,omitempty"`
}

// Settings mirrors the agent's current operating state to the server. The
// server gates command delivery on PilotEnabled.
type Settings struct {
	PilotEnabled    bool   `json:"pilot_enabled"`
	TrackingEnabled bool   `json:"tracking_enabled"`
	TrackedTabID    int    `json:"tracked_tab_id"`
	TrackedTabURL   string `json:"tracked_tab_url"`
	TrackedTabTitle string `json:"tracked_tab_title"`
}

// AgentLog is one forwarded internal log record.
type AgentLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source,omitempty"`
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message"`
}

// CommandResult is the terminal outcome of one command.
type CommandResult struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status"` // "complete", "error", "timeout"
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SyncResponse is the response body for /sync.
type SyncResponse struct {
	Ack bool `json:"ack"`

	Commands []Command `json:"commands"`

	// Server-controlled poll interval (dynamic backoff).
	NextPollMs int `json:"next_poll_ms"`

	ServerTime    string `json:"server_time"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Command is one server-issued command awaiting execution.
type Command struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Params        json.RawMessage `json:"params"`
	TabID         int             `json:"tab_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}
