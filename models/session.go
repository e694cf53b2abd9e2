package models

import "time"

// Session describes one bounded recording activity across a set of devices.
//
// EndedAt is nil while the session is active. At most one session is active
// at a time; sealed sessions move to the manager's history.
type Session struct {
	ID            string     `json:"session_id"`
	StartedAt     time.Time  `json:"start_time"`
	EndedAt       *time.Time `json:"end_time,omitempty"`
	RecordVideo   bool       `json:"record_video"`
	RecordThermal bool       `json:"record_thermal"`
	RecordShimmer bool       `json:"record_shimmer"`

	// Devices is snapshotted from all connected devices at session start.
	Devices []string `json:"participating_devices"`
	// ShimmerDevices lists sensor-stream IDs that produced at least one
	// sample during the session.
	ShimmerDevices []string `json:"shimmer_devices"`
	Samples        int64    `json:"data_samples"`
	// Files maps device ID to the filenames collected from that device.
	Files map[string][]string `json:"files_collected"`
}

// Active reports whether the session has not been sealed yet.
func (s Session) Active() bool {
	return s.EndedAt == nil
}
