package session

import (
	"sort"
	"sync"
	"time"
)

// pendingTransfer is the in-memory reassembly state for one file being
// uploaded by one device. Chunks is a sparse map keyed by sequence number,
// tolerating out-of-order and duplicate delivery.
type pendingTransfer struct {
	Name          string
	ExpectedSize  int64
	ReceivedBytes int64
	Chunks        map[int][]byte
	StartedAt     time.Time
}

// gap is an inclusive range of sequence numbers absent at finalization.
// Gaps are reported as ranges so a single stray high sequence number
// costs one entry, not one entry per missing number.
type gap struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// assembledFile is the result of finalizing a transfer: chunks concatenated
// in sequence order, with any gaps reported rather than hidden.
type assembledFile struct {
	Name          string
	ExpectedSize  int64
	Data          []byte
	Gaps          []gap
	MissingChunks int
	Complete      bool
	StartedAt     time.Time
}

// incompleteTransfer describes a pending entry dropped before file_end.
type incompleteTransfer struct {
	DeviceID      string
	Name          string
	ExpectedSize  int64
	ReceivedBytes int64
}

type deviceTransfers struct {
	pending map[string]*pendingTransfer
	// current is the transfer chunks are applied to: file_chunk carries no
	// filename, so chunks always belong to the most recent file_info.
	current *pendingTransfer
}

// assembler holds chunk custody per device and per filename. It guarantees
// idempotent reassembly under retransmission, not byte-stream contiguity;
// gaps stay detectable through the sequence map.
type assembler struct {
	mu      sync.Mutex
	devices map[string]*deviceTransfers
}

func newAssembler() *assembler {
	return &assembler{devices: make(map[string]*deviceTransfers)}
}

// fileInfo opens a pending transfer. A second file_info for a pending
// filename overwrites the prior state (last-writer-wins): devices
// legitimately restart transfers after interruptions.
func (a *assembler) fileInfo(deviceID, name string, size int64) (restarted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	transfers := a.devices[deviceID]
	if transfers == nil {
		transfers = &deviceTransfers{pending: make(map[string]*pendingTransfer)}
		a.devices[deviceID] = transfers
	}

	_, restarted = transfers.pending[name]
	transfer := &pendingTransfer{
		Name:         name,
		ExpectedSize: size,
		Chunks:       make(map[int][]byte),
		StartedAt:    time.Now(),
	}
	transfers.pending[name] = transfer
	transfers.current = transfer
	return restarted
}

// chunk stores one decoded chunk on the device's in-flight transfer.
// Duplicate sequence numbers overwrite instead of appending. Returns false
// when no transfer is in flight for the device.
func (a *assembler) chunk(deviceID string, seq int, data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	transfers := a.devices[deviceID]
	if transfers == nil || transfers.current == nil {
		return false
	}

	transfer := transfers.current
	if previous, ok := transfer.Chunks[seq]; ok {
		transfer.ReceivedBytes -= int64(len(previous))
	}
	transfer.Chunks[seq] = append([]byte(nil), data...)
	transfer.ReceivedBytes += int64(len(data))
	return true
}

// fileEnd finalizes and removes the pending entry, concatenating chunks in
// sequence order. Returns false when no transfer with that name is pending.
func (a *assembler) fileEnd(deviceID, name string) (assembledFile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	transfers := a.devices[deviceID]
	if transfers == nil {
		return assembledFile{}, false
	}
	transfer, ok := transfers.pending[name]
	if !ok {
		return assembledFile{}, false
	}

	delete(transfers.pending, name)
	if transfers.current == transfer {
		transfers.current = nil
	}

	seqs := make([]int, 0, len(transfer.Chunks))
	for seq := range transfer.Chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var gaps []gap
	missing := 0
	data := make([]byte, 0, transfer.ReceivedBytes)
	next := 0
	for _, seq := range seqs {
		if seq > next {
			gaps = append(gaps, gap{From: next, To: seq - 1})
			missing += seq - next
		}
		next = seq + 1
		data = append(data, transfer.Chunks[seq]...)
	}

	return assembledFile{
		Name:          transfer.Name,
		ExpectedSize:  transfer.ExpectedSize,
		Data:          data,
		Gaps:          gaps,
		MissingChunks: missing,
		Complete:      len(gaps) == 0 && int64(len(data)) == transfer.ExpectedSize,
		StartedAt:     transfer.StartedAt,
	}, true
}

// dropDevice discards all pending entries for a disconnected device and
// reports them so the caller can log incomplete-transfer warnings.
func (a *assembler) dropDevice(deviceID string) []incompleteTransfer {
	a.mu.Lock()
	defer a.mu.Unlock()

	transfers := a.devices[deviceID]
	if transfers == nil {
		return nil
	}
	delete(a.devices, deviceID)

	out := make([]incompleteTransfer, 0, len(transfers.pending))
	for _, transfer := range transfers.pending {
		out = append(out, incompleteTransfer{
			DeviceID:      deviceID,
			Name:          transfer.Name,
			ExpectedSize:  transfer.ExpectedSize,
			ReceivedBytes: transfer.ReceivedBytes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// pendingNames lists unfinished transfer filenames for one device.
func (a *assembler) pendingNames(deviceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	transfers := a.devices[deviceID]
	if transfers == nil {
		return nil
	}
	out := make([]string, 0, len(transfers.pending))
	for name := range transfers.pending {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// pendingAll reports every unfinished transfer, keyed by device.
func (a *assembler) pendingAll() []incompleteTransfer {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []incompleteTransfer
	for deviceID, transfers := range a.devices {
		for _, transfer := range transfers.pending {
			out = append(out, incompleteTransfer{
				DeviceID:      deviceID,
				Name:          transfer.Name,
				ExpectedSize:  transfer.ExpectedSize,
				ReceivedBytes: transfer.ReceivedBytes,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
