package models

// ShimmerSample is one biosignal sample forwarded by a capture device.
//
// DeviceID is the logical sensor-stream identifier (a Shimmer unit may be
// paired to any phone), distinct from the owning AndroidDeviceID. SessionID
// is the session active at receipt time, empty if none.
type ShimmerSample struct {
	Timestamp       float64            `json:"timestamp"`
	DeviceID        string             `json:"device_id"`
	AndroidDeviceID string             `json:"android_device_id"`
	Values          map[string]float64 `json:"sensor_values"`
	SessionID       string             `json:"session_id,omitempty"`
}
