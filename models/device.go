package models

import "time"

// AndroidDevice is the orchestrator's view of one connected capture device:
// the registry's connection facts enriched with traffic counters and
// recording state.
type AndroidDevice struct {
	DeviceID      string    `json:"device_id"`
	Capabilities  []string  `json:"capabilities"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	MessagesReceived    int64 `json:"messages_received"`
	MessagesSent        int64 `json:"messages_sent"`
	DataSamplesReceived int64 `json:"data_samples_received"`

	Recording        bool   `json:"is_recording"`
	CurrentSessionID string `json:"current_session_id,omitempty"`

	// Status holds the last-known reported fields (battery, storage,
	// temperature, recording, connected), merged from status messages.
	Status map[string]any `json:"status"`

	// PendingTransfers lists filenames with unfinished chunk reassembly.
	PendingTransfers []string `json:"pending_transfers,omitempty"`
}

// FileRecord describes one completed (or salvaged-incomplete) file transfer.
type FileRecord struct {
	FileID     string    `json:"file_id"`
	SessionID  string    `json:"session_id,omitempty"`
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	StoredPath string    `json:"stored_path"`
	Complete   bool      `json:"complete"`
	ReceivedAt time.Time `json:"received_at"`
}
