package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultReadTimeout bounds each frame read from a device.
	DefaultReadTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is the liveness sweep period.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout disconnects devices silent for this long.
	DefaultHeartbeatTimeout = 60 * time.Second
)

// Device-to-server message kinds.
const (
	TypeHello      = "hello"
	TypeStatus     = "status"
	TypeSensorData = "sensor_data"
	TypeAck        = "ack"
	TypeFileInfo   = "file_info"
	TypeFileChunk  = "file_chunk"
	TypeFileEnd    = "file_end"
)

// Server-to-device command kinds.
const (
	TypeStartRecord = "start_record"
	TypeStopRecord  = "stop_record"
	TypeFlashSync   = "flash_sync"
	TypeBeepSync    = "beep_sync"
)

var (
	// ErrFrameTooLarge indicates a length prefix exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEmptyFrame indicates a declared frame length of zero.
	ErrEmptyFrame = errors.New("network: empty frame")
	// ErrInvalidMessageType indicates a payload without a "type" field.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Message is one decoded wire protocol message.
type Message interface {
	// Kind returns the wire "type" discriminator.
	Kind() string
	// At returns the message timestamp in float seconds.
	At() float64
}

// Envelope carries the fields common to every message.
type Envelope struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (e Envelope) Kind() string { return e.Type }
func (e Envelope) At() float64  { return e.Timestamp }

// Hello registers a device with its identity and capability set.
type Hello struct {
	Type         string   `json:"type"`
	Timestamp    float64  `json:"timestamp,omitempty"`
	DeviceID     string   `json:"device_id"`
	Capabilities []string `json:"capabilities"`
}

func (m Hello) Kind() string { return TypeHello }
func (m Hello) At() float64  { return m.Timestamp }

// Status reports device health fields. Optional fields are pointers so that
// absent values are distinguishable from zero values when merging.
type Status struct {
	Type        string   `json:"type"`
	Timestamp   float64  `json:"timestamp,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	Storage     *float64 `json:"storage,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Recording   bool     `json:"recording"`
	Connected   bool     `json:"connected"`
}

func (m Status) Kind() string { return TypeStatus }
func (m Status) At() float64  { return m.Timestamp }

// SensorData carries one biosignal sample. DeviceID is the logical
// sensor-stream identifier; devices that own a single stream may omit it.
type SensorData struct {
	Type      string             `json:"type"`
	Timestamp float64            `json:"timestamp,omitempty"`
	DeviceID  string             `json:"device_id,omitempty"`
	Values    map[string]float64 `json:"values"`
}

func (m SensorData) Kind() string { return TypeSensorData }
func (m SensorData) At() float64  { return m.Timestamp }

// Ack acknowledges a server command.
type Ack struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Cmd       string  `json:"cmd"`
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
}

func (m Ack) Kind() string { return TypeAck }
func (m Ack) At() float64  { return m.Timestamp }

// FileInfo announces an upcoming chunked file upload.
type FileInfo struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
}

func (m FileInfo) Kind() string { return TypeFileInfo }
func (m FileInfo) At() float64  { return m.Timestamp }

// FileChunk carries one base64-encoded chunk of the in-flight upload.
type FileChunk struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Seq       int     `json:"seq"`
	Data      string  `json:"data"`
}

func (m FileChunk) Kind() string { return TypeFileChunk }
func (m FileChunk) At() float64  { return m.Timestamp }

// FileEnd finalizes a chunked upload.
type FileEnd struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Name      string  `json:"name"`
}

func (m FileEnd) Kind() string { return TypeFileEnd }
func (m FileEnd) At() float64  { return m.Timestamp }

// StartRecord commands devices to begin a recording session.
type StartRecord struct {
	Type          string  `json:"type"`
	Timestamp     float64 `json:"timestamp,omitempty"`
	SessionID     string  `json:"session_id"`
	RecordVideo   bool    `json:"record_video"`
	RecordThermal bool    `json:"record_thermal"`
	RecordShimmer bool    `json:"record_shimmer"`
}

func (m StartRecord) Kind() string { return TypeStartRecord }
func (m StartRecord) At() float64  { return m.Timestamp }

// StopRecord commands devices to end the current recording session.
type StopRecord struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (m StopRecord) Kind() string { return TypeStopRecord }
func (m StopRecord) At() float64  { return m.Timestamp }

// FlashSync commands a simultaneous screen/torch flash on every device.
type FlashSync struct {
	Type       string  `json:"type"`
	Timestamp  float64 `json:"timestamp,omitempty"`
	DurationMS int     `json:"duration_ms"`
	SyncID     string  `json:"sync_id,omitempty"`
}

func (m FlashSync) Kind() string { return TypeFlashSync }
func (m FlashSync) At() float64  { return m.Timestamp }

// BeepSync commands a simultaneous audio marker on every device.
type BeepSync struct {
	Type        string  `json:"type"`
	Timestamp   float64 `json:"timestamp,omitempty"`
	FrequencyHz float64 `json:"frequency_hz"`
	DurationMS  int     `json:"duration_ms"`
	Volume      float64 `json:"volume"`
	SyncID      string  `json:"sync_id,omitempty"`
}

func (m BeepSync) Kind() string { return TypeBeepSync }
func (m BeepSync) At() float64  { return m.Timestamp }

// Generic is the pass-through representation of an unknown message kind so
// forward-compatible devices are not disconnected.
type Generic struct {
	Type      string
	Timestamp float64
	Fields    map[string]any
}

func (m Generic) Kind() string { return m.Type }
func (m Generic) At() float64  { return m.Timestamp }

// Now returns the current time as wire-format float seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewStartRecord builds a timestamped start_record command.
func NewStartRecord(sessionID string, video, thermal, shimmer bool) StartRecord {
	return StartRecord{
		Type:          TypeStartRecord,
		Timestamp:     Now(),
		SessionID:     sessionID,
		RecordVideo:   video,
		RecordThermal: thermal,
		RecordShimmer: shimmer,
	}
}

// NewStopRecord builds a timestamped stop_record command.
func NewStopRecord() StopRecord {
	return StopRecord{Type: TypeStopRecord, Timestamp: Now()}
}

// NewFlashSync builds a timestamped flash_sync command.
func NewFlashSync(durationMS int, syncID string) FlashSync {
	return FlashSync{
		Type:       TypeFlashSync,
		Timestamp:  Now(),
		DurationMS: durationMS,
		SyncID:     syncID,
	}
}

// NewBeepSync builds a timestamped beep_sync command.
func NewBeepSync(frequencyHz float64, durationMS int, volume float64, syncID string) BeepSync {
	return BeepSync{
		Type:        TypeBeepSync,
		Timestamp:   Now(),
		FrequencyHz: frequencyHz,
		DurationMS:  durationMS,
		Volume:      volume,
		SyncID:      syncID,
	}
}

// DecodeError reports a payload that could not be decoded into a message.
type DecodeError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: decode %q message: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("network: decode %q message: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode marshals a protocol message to its JSON payload.
func Encode(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %q message: %w", message.Kind(), err)
	}
	return payload, nil
}

// Decode parses one frame payload into a typed message.
//
// Unknown kinds decode to Generic rather than failing. A missing timestamp
// is defaulted to the time of decoding, so every message can refresh device
// liveness. Malformed JSON or missing required fields return *DecodeError.
func Decode(payload []byte) (Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &DecodeError{Kind: "", Reason: "malformed JSON", Err: err}
	}
	if envelope.Type == "" {
		return nil, &DecodeError{Kind: "", Reason: "missing type field", Err: ErrInvalidMessageType}
	}

	switch envelope.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		if msg.DeviceID == "" {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "missing device_id"}
		}
		// Device IDs name registry entries and spool directories; path
		// metacharacters are never legitimate in them.
		if strings.ContainsAny(msg.DeviceID, `/\`) || msg.DeviceID == "." || msg.DeviceID == ".." {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "invalid device_id"}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeStatus:
		var msg Status
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeSensorData:
		var msg SensorData
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		if msg.Values == nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "missing values"}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeAck:
		var msg Ack
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeFileInfo:
		var msg FileInfo
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		if msg.Name == "" {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "missing name"}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeFileChunk:
		var msg FileChunk
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		if msg.Seq < 0 {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "negative seq"}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeFileEnd:
		var msg FileEnd
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		if msg.Name == "" {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "missing name"}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeStartRecord:
		var msg StartRecord
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeStopRecord:
		var msg StopRecord
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeFlashSync:
		var msg FlashSync
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	case TypeBeepSync:
		var msg BeepSync
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		msg.Timestamp = defaultTimestamp(msg.Timestamp)
		return msg, nil
	default:
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, &DecodeError{Kind: envelope.Type, Reason: "malformed body", Err: err}
		}
		return Generic{
			Type:      envelope.Type,
			Timestamp: defaultTimestamp(envelope.Timestamp),
			Fields:    fields,
		}, nil
	}
}

func defaultTimestamp(ts float64) float64 {
	if ts == 0 {
		return Now()
	}
	return ts
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame. A declared length of zero or
// above MaxFrameSize fails without reading further bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
