package session

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/models"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/network"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/storage"
)

// DefaultFilesDir receives completed file transfers when no override is set.
const DefaultFilesDir = "recordings"

// unsessionedDir spools files that arrive outside any recording session.
const unsessionedDir = "unsessioned"

// Transport is the subset of the connection server the manager drives.
type Transport interface {
	Broadcast(message network.Message) int
	Disconnect(deviceID string) bool
}

// Options configures the session manager.
type Options struct {
	Logger zerolog.Logger
	// Store persists sealed sessions and collected files; nil keeps
	// everything in memory only.
	Store *storage.Store
	// FilesDir is the spool directory for completed transfers.
	FilesDir string
}

// Manager is the session orchestrator: it wraps registry entries in richer
// device state, owns the current and completed sessions, coordinates
// start/stop/sync across all connected devices, and republishes events to
// registered observers.
type Manager struct {
	log       zerolog.Logger
	transport Transport
	store     *storage.Store
	filesDir  string
	transfers *assembler

	// opMu serializes start_session/stop_session so the at-most-one
	// active session invariant holds without blocking inbound message
	// processing on broadcasts.
	opMu sync.Mutex

	mu          sync.Mutex
	devices     map[string]*deviceState
	current     *sessionState
	history     []models.Session
	shimmerSeen map[string]time.Time

	cbMu                  sync.RWMutex
	deviceConnectedFns    []func(deviceID string, capabilities []string)
	deviceDisconnectedFns []func(deviceID string)
	messageFns            []func(deviceID string, message network.Message)
	sampleFns             []func(sample models.ShimmerSample)
	statusFns             []func(deviceID string, device models.AndroidDevice)
	sessionFns            []func(session models.Session)
	fileFns               []func(file models.FileRecord)
}

type deviceState struct {
	info             network.DeviceInfo
	messagesReceived int64
	messagesSent     int64
	samplesReceived  int64
	recording        bool
	sessionID        string
	status           map[string]any
}

func (d *deviceState) view(pending []string) models.AndroidDevice {
	status := make(map[string]any, len(d.status))
	for key, value := range d.status {
		status[key] = value
	}
	return models.AndroidDevice{
		DeviceID:            d.info.ID,
		Capabilities:        append([]string(nil), d.info.Capabilities...),
		RemoteAddr:          d.info.RemoteAddr,
		ConnectedAt:         d.info.ConnectedAt,
		LastHeartbeat:       d.info.LastHeartbeat,
		MessagesReceived:    d.messagesReceived,
		MessagesSent:        d.messagesSent,
		DataSamplesReceived: d.samplesReceived,
		Recording:           d.recording,
		CurrentSessionID:    d.sessionID,
		Status:              status,
		PendingTransfers:    pending,
	}
}

type sessionState struct {
	id            string
	startedAt     time.Time
	recordVideo   bool
	recordThermal bool
	recordShimmer bool
	devices       []string
	shimmer       map[string]struct{}
	samples       int64
	files         map[string][]string
}

func (s *sessionState) snapshot(endedAt *time.Time) models.Session {
	shimmer := make([]string, 0, len(s.shimmer))
	for id := range s.shimmer {
		shimmer = append(shimmer, id)
	}
	sort.Strings(shimmer)

	files := make(map[string][]string, len(s.files))
	for device, names := range s.files {
		files[device] = append([]string(nil), names...)
	}

	return models.Session{
		ID:             s.id,
		StartedAt:      s.startedAt,
		EndedAt:        endedAt,
		RecordVideo:    s.recordVideo,
		RecordThermal:  s.recordThermal,
		RecordShimmer:  s.recordShimmer,
		Devices:        append([]string(nil), s.devices...),
		ShimmerDevices: shimmer,
		Samples:        s.samples,
		Files:          files,
	}
}

// NewManager creates a session manager on top of a connection transport.
func NewManager(transport Transport, options Options) *Manager {
	filesDir := options.FilesDir
	if filesDir == "" {
		filesDir = DefaultFilesDir
	}

	return &Manager{
		log:         options.Logger,
		transport:   transport,
		store:       options.Store,
		filesDir:    filesDir,
		transfers:   newAssembler(),
		devices:     make(map[string]*deviceState),
		shimmerSeen: make(map[string]time.Time),
	}
}

// Callbacks wires the manager into a network server.
func (m *Manager) Callbacks() network.Callbacks {
	return network.Callbacks{
		DeviceConnected:    m.HandleDeviceConnected,
		DeviceDisconnected: m.HandleDeviceDisconnected,
		Message:            m.HandleMessage,
	}
}

// Observer registration. Invocation order across observers is registration
// order; ordering across devices is not guaranteed.

func (m *Manager) OnDeviceConnected(fn func(deviceID string, capabilities []string)) {
	m.cbMu.Lock()
	m.deviceConnectedFns = append(m.deviceConnectedFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnDeviceDisconnected(fn func(deviceID string)) {
	m.cbMu.Lock()
	m.deviceDisconnectedFns = append(m.deviceDisconnectedFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnMessage(fn func(deviceID string, message network.Message)) {
	m.cbMu.Lock()
	m.messageFns = append(m.messageFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnSample(fn func(sample models.ShimmerSample)) {
	m.cbMu.Lock()
	m.sampleFns = append(m.sampleFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnStatus(fn func(deviceID string, device models.AndroidDevice)) {
	m.cbMu.Lock()
	m.statusFns = append(m.statusFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnSession(fn func(session models.Session)) {
	m.cbMu.Lock()
	m.sessionFns = append(m.sessionFns, fn)
	m.cbMu.Unlock()
}

func (m *Manager) OnFile(fn func(file models.FileRecord)) {
	m.cbMu.Lock()
	m.fileFns = append(m.fileFns, fn)
	m.cbMu.Unlock()
}

// HandleDeviceConnected records the registry's new device.
func (m *Manager) HandleDeviceConnected(info network.DeviceInfo) {
	m.mu.Lock()
	m.devices[info.ID] = &deviceState{info: info, status: make(map[string]any)}
	m.mu.Unlock()

	m.log.Info().
		Str("device_id", info.ID).
		Strs("capabilities", info.Capabilities).
		Msg("device connected")

	m.cbMu.RLock()
	fns := make([]func(string, []string), len(m.deviceConnectedFns))
	copy(fns, m.deviceConnectedFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("device-connected", func() { fn(info.ID, append([]string(nil), info.Capabilities...)) })
	}
}

// HandleDeviceDisconnected drops the device view and reports any transfers
// it left unfinished.
func (m *Manager) HandleDeviceDisconnected(deviceID string) {
	for _, orphan := range m.transfers.dropDevice(deviceID) {
		m.log.Warn().
			Str("device_id", orphan.DeviceID).
			Str("file", orphan.Name).
			Int64("received_bytes", orphan.ReceivedBytes).
			Int64("expected_size", orphan.ExpectedSize).
			Msg("transfer incomplete at disconnect")
	}

	m.mu.Lock()
	delete(m.devices, deviceID)
	m.mu.Unlock()

	m.log.Info().Str("device_id", deviceID).Msg("device disconnected")

	m.cbMu.RLock()
	fns := make([]func(string), len(m.deviceDisconnectedFns))
	copy(fns, m.deviceDisconnectedFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("device-disconnected", func() { fn(deviceID) })
	}
}

// HandleMessage routes one inbound message: counters and the generic
// observer first, then kind-specific handling.
func (m *Manager) HandleMessage(deviceID string, message network.Message) {
	m.mu.Lock()
	state := m.devices[deviceID]
	if state == nil {
		state = &deviceState{info: network.DeviceInfo{ID: deviceID}, status: make(map[string]any)}
		m.devices[deviceID] = state
	}
	state.messagesReceived++
	state.info.LastHeartbeat = time.Now()
	m.mu.Unlock()

	m.cbMu.RLock()
	fns := make([]func(string, network.Message), len(m.messageFns))
	copy(fns, m.messageFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("message-received", func() { fn(deviceID, message) })
	}

	switch msg := message.(type) {
	case network.Hello:
		// Repeat hello on a live connection; registration already happened.
		m.log.Debug().Str("device_id", deviceID).Msg("ignoring repeated hello")
	case network.Status:
		m.handleStatus(deviceID, msg)
	case network.SensorData:
		m.handleSensorData(deviceID, msg)
	case network.Ack:
		m.log.Debug().
			Str("device_id", deviceID).
			Str("cmd", msg.Cmd).
			Str("status", msg.Status).
			Msg("command acknowledged")
	case network.FileInfo:
		if restarted := m.transfers.fileInfo(deviceID, msg.Name, msg.Size); restarted {
			m.log.Warn().Str("device_id", deviceID).Str("file", msg.Name).Msg("transfer restarted")
		}
	case network.FileChunk:
		m.handleFileChunk(deviceID, msg)
	case network.FileEnd:
		m.handleFileEnd(deviceID, msg)
	case network.Generic:
		m.log.Debug().Str("device_id", deviceID).Str("kind", msg.Type).Msg("unhandled message kind")
	}
}

func (m *Manager) handleStatus(deviceID string, msg network.Status) {
	m.mu.Lock()
	state := m.devices[deviceID]
	if state == nil {
		m.mu.Unlock()
		return
	}
	if msg.Battery != nil {
		state.status["battery"] = *msg.Battery
	}
	if msg.Storage != nil {
		state.status["storage"] = *msg.Storage
	}
	if msg.Temperature != nil {
		state.status["temperature"] = *msg.Temperature
	}
	state.status["recording"] = msg.Recording
	state.status["connected"] = msg.Connected
	view := state.view(m.transfers.pendingNames(deviceID))
	m.mu.Unlock()

	m.cbMu.RLock()
	fns := make([]func(string, models.AndroidDevice), len(m.statusFns))
	copy(fns, m.statusFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("status-update", func() { fn(deviceID, view) })
	}
}

func (m *Manager) handleSensorData(deviceID string, msg network.SensorData) {
	streamID := msg.DeviceID
	if streamID == "" {
		streamID = deviceID
	}

	m.mu.Lock()
	if state := m.devices[deviceID]; state != nil {
		state.samplesReceived++
	}
	m.shimmerSeen[streamID] = time.Now()
	var sessionID string
	if m.current != nil {
		m.current.samples++
		m.current.shimmer[streamID] = struct{}{}
		sessionID = m.current.id
	}
	m.mu.Unlock()

	sample := models.ShimmerSample{
		Timestamp:       msg.Timestamp,
		DeviceID:        streamID,
		AndroidDeviceID: deviceID,
		Values:          msg.Values,
		SessionID:       sessionID,
	}

	m.cbMu.RLock()
	fns := make([]func(models.ShimmerSample), len(m.sampleFns))
	copy(fns, m.sampleFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("data-sample", func() { fn(sample) })
	}
}

func (m *Manager) handleFileChunk(deviceID string, msg network.FileChunk) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Int("seq", msg.Seq).Msg("undecodable file chunk")
		return
	}
	if !m.transfers.chunk(deviceID, msg.Seq, data) {
		m.log.Warn().Str("device_id", deviceID).Int("seq", msg.Seq).Msg("file chunk without file_info")
	}
}

func (m *Manager) handleFileEnd(deviceID string, msg network.FileEnd) {
	result, ok := m.transfers.fileEnd(deviceID, msg.Name)
	if !ok {
		m.log.Warn().Str("device_id", deviceID).Str("file", msg.Name).Msg("file_end without pending transfer")
		return
	}
	if !result.Complete {
		m.log.Warn().
			Str("device_id", deviceID).
			Str("file", result.Name).
			Int("missing_chunks", result.MissingChunks).
			Interface("gaps", result.Gaps).
			Int64("received", int64(len(result.Data))).
			Int64("expected", result.ExpectedSize).
			Msg("transfer finalized with missing data")
	}

	m.mu.Lock()
	var sessionID string
	if m.current != nil {
		sessionID = m.current.id
		m.current.files[deviceID] = append(m.current.files[deviceID], result.Name)
	}
	m.mu.Unlock()

	storedPath, err := m.spool(sessionID, deviceID, result)
	if err != nil {
		m.log.Error().Err(err).Str("device_id", deviceID).Str("file", result.Name).Msg("spool transferred file")
	}

	record := models.FileRecord{
		FileID:     uuid.NewString(),
		SessionID:  sessionID,
		DeviceID:   deviceID,
		Name:       result.Name,
		Size:       int64(len(result.Data)),
		StoredPath: storedPath,
		Complete:   result.Complete,
		ReceivedAt: time.Now(),
	}
	if m.store != nil {
		if err := m.store.RecordFile(record); err != nil {
			m.log.Error().Err(err).Str("file", result.Name).Msg("persist file record")
		}
	}

	m.log.Info().
		Str("device_id", deviceID).
		Str("file", result.Name).
		Int64("size", record.Size).
		Dur("took", time.Since(result.StartedAt)).
		Bool("complete", result.Complete).
		Msg("file received")

	m.cbMu.RLock()
	fns := make([]func(models.FileRecord), len(m.fileFns))
	copy(fns, m.fileFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("file-received", func() { fn(record) })
	}
}

func (m *Manager) spool(sessionID, deviceID string, file assembledFile) (string, error) {
	bucket := sessionID
	if bucket == "" {
		bucket = unsessionedDir
	}
	dir := filepath.Join(m.filesDir, safePathComponent(bucket), safePathComponent(deviceID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, safePathComponent(file.Name))
	if err := os.WriteFile(path, file.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// safePathComponent flattens a remote-supplied identifier into a single
// path element. Device IDs and filenames arrive from the wire and must
// never be able to address anything outside the spool directory.
func safePathComponent(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "unnamed"
	}
	return name
}

// StartSession snapshots connected devices, broadcasts start_record, and
// commits the session only if the broadcast reached at least one device.
// Partial reach is a successful start with reduced participation; zero
// reach rolls the session back. Fails while another session is active.
func (m *Manager) StartSession(sessionID string, recordVideo, recordThermal, recordShimmer bool) bool {
	if sessionID == "" {
		m.log.Warn().Msg("start_session requires a session id")
		return false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.current != nil {
		active := m.current.id
		m.mu.Unlock()
		m.log.Warn().Str("session_id", sessionID).Str("active", active).Msg("session already active")
		return false
	}
	participants := make([]string, 0, len(m.devices))
	for id := range m.devices {
		participants = append(participants, id)
	}
	sort.Strings(participants)
	m.mu.Unlock()

	reached := m.transport.Broadcast(network.NewStartRecord(sessionID, recordVideo, recordThermal, recordShimmer))
	if reached == 0 {
		m.log.Warn().Str("session_id", sessionID).Msg("start_record reached no devices, session not started")
		return false
	}

	m.mu.Lock()
	state := &sessionState{
		id:            sessionID,
		startedAt:     time.Now(),
		recordVideo:   recordVideo,
		recordThermal: recordThermal,
		recordShimmer: recordShimmer,
		devices:       participants,
		shimmer:       make(map[string]struct{}),
		files:         make(map[string][]string),
	}
	m.current = state
	for _, device := range m.devices {
		device.recording = true
		device.sessionID = sessionID
		device.messagesSent++
	}
	started := state.snapshot(nil)
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", sessionID).
		Int("reached", reached).
		Strs("devices", participants).
		Msg("session started")

	m.persist(started)
	m.notifySession(started)
	return true
}

// StopSession broadcasts stop_record best-effort, seals the active session
// into history, and clears every device's recording state. Fails when no
// session is active.
func (m *Manager) StopSession() bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		m.log.Warn().Msg("stop_session with no active session")
		return false
	}
	m.mu.Unlock()

	reached := m.transport.Broadcast(network.NewStopRecord())

	m.mu.Lock()
	state := m.current
	m.current = nil
	endedAt := time.Now()
	sealed := state.snapshot(&endedAt)
	m.history = append(m.history, sealed)
	for _, device := range m.devices {
		device.recording = false
		device.sessionID = ""
		device.messagesSent++
	}
	m.mu.Unlock()

	for _, unfinished := range m.transfers.pendingAll() {
		m.log.Warn().
			Str("device_id", unfinished.DeviceID).
			Str("file", unfinished.Name).
			Int64("received_bytes", unfinished.ReceivedBytes).
			Msg("transfer still pending at session end")
	}

	m.log.Info().
		Str("session_id", sealed.ID).
		Int("reached", reached).
		Int64("samples", sealed.Samples).
		Msg("session stopped")

	m.persist(sealed)
	m.notifySession(sealed)
	return true
}

// SendSyncFlash broadcasts a flash marker and returns the number of
// devices it was sent to. No acknowledgement is awaited. An empty syncID
// gets a generated one so devices can correlate the marker.
func (m *Manager) SendSyncFlash(durationMS int, syncID string) int {
	if syncID == "" {
		syncID = uuid.NewString()
	}
	count := m.transport.Broadcast(network.NewFlashSync(durationMS, syncID))
	m.bumpSent()
	m.log.Info().Str("sync_id", syncID).Int("duration_ms", durationMS).Int("sent", count).Msg("flash sync broadcast")
	return count
}

// SendSyncBeep broadcasts an audio marker; same semantics as SendSyncFlash.
func (m *Manager) SendSyncBeep(frequencyHz float64, durationMS int, volume float64, syncID string) int {
	if syncID == "" {
		syncID = uuid.NewString()
	}
	count := m.transport.Broadcast(network.NewBeepSync(frequencyHz, durationMS, volume, syncID))
	m.bumpSent()
	m.log.Info().Str("sync_id", syncID).Float64("frequency_hz", frequencyHz).Int("sent", count).Msg("beep sync broadcast")
	return count
}

// DisconnectDevice administratively removes a device; cleanup flows through
// the same disconnect path as a network-detected drop.
func (m *Manager) DisconnectDevice(deviceID string) bool {
	return m.transport.Disconnect(deviceID)
}

// ConnectedDevices returns the orchestrator's view of every device.
func (m *Manager) ConnectedDevices() []models.AndroidDevice {
	m.mu.Lock()
	out := make([]models.AndroidDevice, 0, len(m.devices))
	for id, device := range m.devices {
		out = append(out, device.view(m.transfers.pendingNames(id)))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ShimmerDevices lists every sensor-stream ID that has produced a sample.
func (m *Manager) ShimmerDevices() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.shimmerSeen))
	for id := range m.shimmerSeen {
		out = append(out, id)
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out
}

// CurrentSession returns a snapshot of the active session, if any.
func (m *Manager) CurrentSession() (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return models.Session{}, false
	}
	return m.current.snapshot(nil), true
}

// SessionHistory returns snapshots of all sealed sessions, oldest first.
func (m *Manager) SessionHistory() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Session(nil), m.history...)
}

func (m *Manager) bumpSent() {
	m.mu.Lock()
	for _, device := range m.devices {
		device.messagesSent++
	}
	m.mu.Unlock()
}

func (m *Manager) persist(session models.Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(session); err != nil {
		m.log.Error().Err(err).Str("session_id", session.ID).Msg("persist session")
	}
}

func (m *Manager) notifySession(session models.Session) {
	m.cbMu.RLock()
	fns := make([]func(models.Session), len(m.sessionFns))
	copy(fns, m.sessionFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		m.invoke("session-event", func() { fn(session) })
	}
}

// invoke isolates one observer call: a panicking collaborator is logged
// and the remaining observers still run.
func (m *Manager) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("callback", name).Msg("callback panicked")
		}
	}()
	fn()
}
