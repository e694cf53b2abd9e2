package session

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/models"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/network"
)

// fakeTransport records outbound traffic and reports a configurable number
// of reached devices.
type fakeTransport struct {
	mu         sync.Mutex
	reach      int
	broadcasts []network.Message
}

func newFakeTransport(reach int) *fakeTransport {
	return &fakeTransport{reach: reach}
}

func (f *fakeTransport) Broadcast(message network.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, message)
	return f.reach
}

func (f *fakeTransport) Disconnect(deviceID string) bool { return false }

func (f *fakeTransport) lastBroadcast(t *testing.T) network.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		t.Fatalf("no broadcasts recorded")
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func newTestManager(t *testing.T, reach int) (*Manager, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(reach)
	manager := NewManager(transport, Options{
		Logger:   zerolog.Nop(),
		FilesDir: t.TempDir(),
	})
	return manager, transport
}

func connectDevice(manager *Manager, deviceID string, capabilities ...string) {
	manager.HandleDeviceConnected(network.DeviceInfo{
		ID:           deviceID,
		Capabilities: capabilities,
		ConnectedAt:  time.Now(),
	})
}

func TestStartSessionCommitsWhenDevicesReached(t *testing.T) {
	manager, transport := newTestManager(t, 2)
	connectDevice(manager, "phone-1")
	connectDevice(manager, "phone-2")

	if !manager.StartSession("session-1", true, true, false) {
		t.Fatalf("expected StartSession to succeed")
	}

	current, ok := manager.CurrentSession()
	if !ok {
		t.Fatalf("expected an active session")
	}
	if current.ID != "session-1" || !current.Active() {
		t.Fatalf("unexpected session %+v", current)
	}
	if len(current.Devices) != 2 {
		t.Fatalf("expected 2 participants, got %v", current.Devices)
	}

	start, ok := transport.lastBroadcast(t).(network.StartRecord)
	if !ok {
		t.Fatalf("expected StartRecord broadcast")
	}
	if start.SessionID != "session-1" || !start.RecordVideo || !start.RecordThermal || start.RecordShimmer {
		t.Fatalf("unexpected command %+v", start)
	}

	for _, device := range manager.ConnectedDevices() {
		if !device.Recording || device.CurrentSessionID != "session-1" {
			t.Fatalf("expected device marked recording: %+v", device)
		}
	}
}

func TestStartSessionFailsWhenNoDeviceReached(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	connectDevice(manager, "phone-1")

	if manager.StartSession("session-1", true, true, true) {
		t.Fatalf("expected StartSession to fail with zero reach")
	}
	if _, ok := manager.CurrentSession(); ok {
		t.Fatalf("expected no active session after rollback")
	}
}

func TestStartSessionFailsWhileSessionActive(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	if !manager.StartSession("session-1", true, true, true) {
		t.Fatalf("first StartSession failed")
	}
	if manager.StartSession("session-2", true, true, true) {
		t.Fatalf("expected second StartSession to fail while active")
	}

	current, _ := manager.CurrentSession()
	if current.ID != "session-1" {
		t.Fatalf("active session changed to %q", current.ID)
	}
}

func TestStartSessionRequiresSessionID(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	if manager.StartSession("", true, true, true) {
		t.Fatalf("expected StartSession without ID to fail")
	}
}

func TestStopSessionSealsIntoHistory(t *testing.T) {
	manager, transport := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	if !manager.StartSession("session-1", true, false, true) {
		t.Fatalf("StartSession failed")
	}
	if !manager.StopSession() {
		t.Fatalf("StopSession failed")
	}

	if _, ok := manager.CurrentSession(); ok {
		t.Fatalf("expected no active session after stop")
	}

	history := manager.SessionHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 sealed session, got %d", len(history))
	}
	if history[0].Active() {
		t.Fatalf("sealed session still active")
	}

	if _, ok := transport.lastBroadcast(t).(network.StopRecord); !ok {
		t.Fatalf("expected StopRecord broadcast")
	}

	for _, device := range manager.ConnectedDevices() {
		if device.Recording || device.CurrentSessionID != "" {
			t.Fatalf("expected recording flags cleared: %+v", device)
		}
	}

	if manager.StopSession() {
		t.Fatalf("expected StopSession without active session to fail")
	}
}

func TestSensorDataFeedsSessionAndObservers(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	samples := make(chan models.ShimmerSample, 4)
	manager.OnSample(func(sample models.ShimmerSample) { samples <- sample })

	if !manager.StartSession("session-1", false, false, true) {
		t.Fatalf("StartSession failed")
	}

	manager.HandleMessage("phone-1", network.SensorData{
		Type:      network.TypeSensorData,
		Timestamp: 1700000000.25,
		DeviceID:  "shimmer-01",
		Values:    map[string]float64{"gsr": 0.42},
	})
	manager.HandleMessage("phone-1", network.SensorData{
		Type:   network.TypeSensorData,
		Values: map[string]float64{"ppg": 1.5},
	})

	first := <-samples
	if first.DeviceID != "shimmer-01" || first.AndroidDeviceID != "phone-1" {
		t.Fatalf("unexpected sample identity %+v", first)
	}
	if first.SessionID != "session-1" {
		t.Fatalf("sample not stamped with session: %+v", first)
	}
	if first.Values["gsr"] != 0.42 {
		t.Fatalf("unexpected values %v", first.Values)
	}

	// Stream ID falls back to the owning device when omitted.
	second := <-samples
	if second.DeviceID != "phone-1" {
		t.Fatalf("expected fallback stream ID, got %q", second.DeviceID)
	}

	current, _ := manager.CurrentSession()
	if current.Samples != 2 {
		t.Fatalf("expected 2 session samples, got %d", current.Samples)
	}
	if len(current.ShimmerDevices) != 2 {
		t.Fatalf("unexpected shimmer devices %v", current.ShimmerDevices)
	}

	streams := manager.ShimmerDevices()
	if len(streams) != 2 || streams[0] != "phone-1" || streams[1] != "shimmer-01" {
		t.Fatalf("unexpected stream list %v", streams)
	}
}

func TestStatusMergesIntoDeviceView(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	views := make(chan models.AndroidDevice, 2)
	manager.OnStatus(func(deviceID string, device models.AndroidDevice) { views <- device })

	battery := 87.5
	manager.HandleMessage("phone-1", network.Status{
		Type:      network.TypeStatus,
		Battery:   &battery,
		Recording: false,
		Connected: true,
	})

	view := <-views
	if view.Status["battery"] != 87.5 {
		t.Fatalf("battery not merged: %v", view.Status)
	}

	// A later status without battery keeps the previous value.
	temperature := 31.0
	manager.HandleMessage("phone-1", network.Status{
		Type:        network.TypeStatus,
		Temperature: &temperature,
		Recording:   true,
		Connected:   true,
	})

	view = <-views
	if view.Status["battery"] != 87.5 {
		t.Fatalf("battery lost on partial update: %v", view.Status)
	}
	if view.Status["temperature"] != 31.0 {
		t.Fatalf("temperature not merged: %v", view.Status)
	}
	if view.MessagesReceived != 2 {
		t.Fatalf("expected 2 messages received, got %d", view.MessagesReceived)
	}
}

func TestFileTransferSpoolsToSessionDirectory(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	filesDir := manager.filesDir
	connectDevice(manager, "phone-1")

	files := make(chan models.FileRecord, 1)
	manager.OnFile(func(file models.FileRecord) { files <- file })

	if !manager.StartSession("session-1", true, false, false) {
		t.Fatalf("StartSession failed")
	}

	content := []byte("timestamp,gsr\n1,0.42\n")
	manager.HandleMessage("phone-1", network.FileInfo{
		Type: network.TypeFileInfo,
		Name: "gsr.csv",
		Size: int64(len(content)),
	})
	manager.HandleMessage("phone-1", network.FileChunk{
		Type: network.TypeFileChunk,
		Seq:  0,
		Data: base64.StdEncoding.EncodeToString(content),
	})
	manager.HandleMessage("phone-1", network.FileEnd{
		Type: network.TypeFileEnd,
		Name: "gsr.csv",
	})

	record := <-files
	if !record.Complete {
		t.Fatalf("expected complete file record: %+v", record)
	}
	if record.SessionID != "session-1" || record.DeviceID != "phone-1" {
		t.Fatalf("unexpected record identity %+v", record)
	}

	wantPath := filepath.Join(filesDir, "session-1", "phone-1", "gsr.csv")
	if record.StoredPath != wantPath {
		t.Fatalf("unexpected stored path %q", record.StoredPath)
	}
	stored, err := os.ReadFile(record.StoredPath)
	if err != nil {
		t.Fatalf("read spooled file: %v", err)
	}
	if string(stored) != string(content) {
		t.Fatalf("spooled content mismatch: %q", stored)
	}

	current, _ := manager.CurrentSession()
	if names := current.Files["phone-1"]; len(names) != 1 || names[0] != "gsr.csv" {
		t.Fatalf("file not recorded on session: %v", current.Files)
	}
}

func TestFileTransferOutsideSessionSpoolsUnsessioned(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	files := make(chan models.FileRecord, 1)
	manager.OnFile(func(file models.FileRecord) { files <- file })

	manager.HandleMessage("phone-1", network.FileInfo{Type: network.TypeFileInfo, Name: "late.mp4", Size: 2})
	manager.HandleMessage("phone-1", network.FileChunk{
		Type: network.TypeFileChunk,
		Seq:  0,
		Data: base64.StdEncoding.EncodeToString([]byte("ab")),
	})
	manager.HandleMessage("phone-1", network.FileEnd{Type: network.TypeFileEnd, Name: "late.mp4"})

	record := <-files
	if record.SessionID != "" {
		t.Fatalf("expected unsessioned record, got %q", record.SessionID)
	}
	wantPath := filepath.Join(manager.filesDir, unsessionedDir, "phone-1", "late.mp4")
	if record.StoredPath != wantPath {
		t.Fatalf("unexpected stored path %q", record.StoredPath)
	}
}

func TestSpoolConfinesHostileIdentifiersToFilesDir(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "../../outside/pwn")

	files := make(chan models.FileRecord, 1)
	manager.OnFile(func(file models.FileRecord) { files <- file })

	content := []byte("payload")
	manager.HandleMessage("../../outside/pwn", network.FileInfo{
		Type: network.TypeFileInfo,
		Name: "../../evil.bin",
		Size: int64(len(content)),
	})
	manager.HandleMessage("../../outside/pwn", network.FileChunk{
		Type: network.TypeFileChunk,
		Seq:  0,
		Data: base64.StdEncoding.EncodeToString(content),
	})
	manager.HandleMessage("../../outside/pwn", network.FileEnd{
		Type: network.TypeFileEnd,
		Name: "../../evil.bin",
	})

	record := <-files
	wantPath := filepath.Join(manager.filesDir, unsessionedDir, "pwn", "evil.bin")
	if record.StoredPath != wantPath {
		t.Fatalf("unexpected stored path %q", record.StoredPath)
	}
	rel, err := filepath.Rel(manager.filesDir, record.StoredPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("stored path escapes spool directory: %q", record.StoredPath)
	}
	if _, err := os.Stat(record.StoredPath); err != nil {
		t.Fatalf("spooled file missing: %v", err)
	}

	outside := filepath.Join(manager.filesDir, "..", "..", "outside")
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("traversal directory was created outside spool: %v", err)
	}
}

func TestSyncBroadcastsCarryGeneratedSyncID(t *testing.T) {
	manager, transport := newTestManager(t, 3)

	if sent := manager.SendSyncFlash(200, ""); sent != 3 {
		t.Fatalf("expected 3 devices reached, got %d", sent)
	}
	flash, ok := transport.lastBroadcast(t).(network.FlashSync)
	if !ok {
		t.Fatalf("expected FlashSync broadcast")
	}
	if flash.SyncID == "" {
		t.Fatalf("expected generated sync_id")
	}
	if flash.DurationMS != 200 {
		t.Fatalf("unexpected duration %d", flash.DurationMS)
	}

	if sent := manager.SendSyncBeep(1000, 150, 0.8, "beep-7"); sent != 3 {
		t.Fatalf("expected 3 devices reached, got %d", sent)
	}
	beep, ok := transport.lastBroadcast(t).(network.BeepSync)
	if !ok {
		t.Fatalf("expected BeepSync broadcast")
	}
	if beep.SyncID != "beep-7" || beep.FrequencyHz != 1000 || beep.Volume != 0.8 {
		t.Fatalf("unexpected command %+v", beep)
	}
}

func TestObserverPanicDoesNotStopOthers(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	called := make(chan struct{}, 1)
	manager.OnSample(func(models.ShimmerSample) { panic("observer bug") })
	manager.OnSample(func(models.ShimmerSample) { called <- struct{}{} })

	manager.HandleMessage("phone-1", network.SensorData{
		Type:   network.TypeSensorData,
		Values: map[string]float64{"gsr": 1},
	})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("second observer never ran after panic in first")
	}
}

func TestDeviceDisconnectDropsStateAndTransfers(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	connectDevice(manager, "phone-1")

	disconnected := make(chan string, 1)
	manager.OnDeviceDisconnected(func(deviceID string) { disconnected <- deviceID })

	manager.HandleMessage("phone-1", network.FileInfo{Type: network.TypeFileInfo, Name: "partial.bin", Size: 100})

	manager.HandleDeviceDisconnected("phone-1")

	select {
	case id := <-disconnected:
		if id != "phone-1" {
			t.Fatalf("unexpected device %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("disconnect observer never ran")
	}

	if devices := manager.ConnectedDevices(); len(devices) != 0 {
		t.Fatalf("expected empty device list, got %+v", devices)
	}
	if pending := manager.transfers.pendingNames("phone-1"); pending != nil {
		t.Fatalf("expected transfers dropped, got %v", pending)
	}
}
