package session

import (
	"bytes"
	"testing"
)

func TestAssemblerReassemblesOutOfOrderChunks(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "gsr.csv", 6)
	if !a.chunk("phone-1", 1, []byte("def")) {
		t.Fatalf("chunk 1 rejected")
	}
	if !a.chunk("phone-1", 0, []byte("abc")) {
		t.Fatalf("chunk 0 rejected")
	}

	file, ok := a.fileEnd("phone-1", "gsr.csv")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer")
	}
	if !file.Complete {
		t.Fatalf("expected complete file, gaps=%v len=%d", file.Gaps, len(file.Data))
	}
	if !bytes.Equal(file.Data, []byte("abcdef")) {
		t.Fatalf("unexpected data %q", file.Data)
	}
}

func TestAssemblerDuplicateChunkIsIdempotent(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "video.mp4", 6)
	a.chunk("phone-1", 0, []byte("abc"))
	a.chunk("phone-1", 0, []byte("abc"))
	a.chunk("phone-1", 1, []byte("def"))

	file, ok := a.fileEnd("phone-1", "video.mp4")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer")
	}
	if !file.Complete {
		t.Fatalf("expected duplicate chunk to leave file complete")
	}
	if !bytes.Equal(file.Data, []byte("abcdef")) {
		t.Fatalf("unexpected data %q", file.Data)
	}
}

func TestAssemblerDetectsGaps(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "thermal.bin", 9)
	a.chunk("phone-1", 0, []byte("abc"))
	a.chunk("phone-1", 2, []byte("ghi"))

	file, ok := a.fileEnd("phone-1", "thermal.bin")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer")
	}
	if file.Complete {
		t.Fatalf("expected incomplete file")
	}
	if len(file.Gaps) != 1 || file.Gaps[0] != (gap{From: 1, To: 1}) {
		t.Fatalf("unexpected gaps %v", file.Gaps)
	}
	if file.MissingChunks != 1 {
		t.Fatalf("unexpected missing count %d", file.MissingChunks)
	}
	if !bytes.Equal(file.Data, []byte("abcghi")) {
		t.Fatalf("unexpected data %q", file.Data)
	}
}

func TestAssemblerReportsHugeGapAsOneRange(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "sparse.bin", 1)
	a.chunk("phone-1", 5_000_000, []byte("x"))

	file, ok := a.fileEnd("phone-1", "sparse.bin")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer")
	}
	if file.Complete {
		t.Fatalf("expected incomplete file")
	}
	// A stray high sequence number must not materialize per-number state.
	if len(file.Gaps) != 1 {
		t.Fatalf("expected a single gap range, got %d", len(file.Gaps))
	}
	if file.Gaps[0] != (gap{From: 0, To: 4_999_999}) {
		t.Fatalf("unexpected gap %v", file.Gaps[0])
	}
	if file.MissingChunks != 5_000_000 {
		t.Fatalf("unexpected missing count %d", file.MissingChunks)
	}
}

func TestAssemblerSizeMismatchIsIncomplete(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "gsr.csv", 100)
	a.chunk("phone-1", 0, []byte("abc"))

	file, _ := a.fileEnd("phone-1", "gsr.csv")
	if file.Complete {
		t.Fatalf("expected size mismatch to mark file incomplete")
	}
}

func TestAssemblerRestartDiscardsEarlierChunks(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "gsr.csv", 3)
	a.chunk("phone-1", 0, []byte("old"))

	if restarted := a.fileInfo("phone-1", "gsr.csv", 3); !restarted {
		t.Fatalf("expected second file_info to report a restart")
	}
	a.chunk("phone-1", 0, []byte("new"))

	file, ok := a.fileEnd("phone-1", "gsr.csv")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer")
	}
	if !bytes.Equal(file.Data, []byte("new")) {
		t.Fatalf("expected restarted transfer data, got %q", file.Data)
	}
}

func TestAssemblerChunkWithoutFileInfo(t *testing.T) {
	a := newAssembler()

	if a.chunk("phone-1", 0, []byte("abc")) {
		t.Fatalf("expected chunk without file_info to be rejected")
	}
	if _, ok := a.fileEnd("phone-1", "gsr.csv"); ok {
		t.Fatalf("expected fileEnd without file_info to be rejected")
	}
}

func TestAssemblerChunksFollowLatestFileInfo(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "first.csv", 3)
	a.fileInfo("phone-1", "second.csv", 3)
	a.chunk("phone-1", 0, []byte("abc"))

	second, ok := a.fileEnd("phone-1", "second.csv")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer for second.csv")
	}
	if !second.Complete {
		t.Fatalf("expected chunk to land on the latest transfer")
	}

	first, ok := a.fileEnd("phone-1", "first.csv")
	if !ok {
		t.Fatalf("fileEnd found no pending transfer for first.csv")
	}
	if first.Complete || len(first.Data) != 0 {
		t.Fatalf("expected first transfer to stay empty, got %q", first.Data)
	}
}

func TestAssemblerDropDeviceReportsOrphans(t *testing.T) {
	a := newAssembler()

	a.fileInfo("phone-1", "b.csv", 10)
	a.chunk("phone-1", 0, []byte("abc"))
	a.fileInfo("phone-1", "a.csv", 20)

	orphans := a.dropDevice("phone-1")
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphans, got %d", len(orphans))
	}
	if orphans[0].Name != "a.csv" || orphans[1].Name != "b.csv" {
		t.Fatalf("unexpected orphan order: %+v", orphans)
	}
	if orphans[1].ReceivedBytes != 3 {
		t.Fatalf("unexpected received bytes %d", orphans[1].ReceivedBytes)
	}

	if a.dropDevice("phone-1") != nil {
		t.Fatalf("expected second dropDevice to report nothing")
	}
}

func TestAssemblerPendingNames(t *testing.T) {
	a := newAssembler()

	if names := a.pendingNames("phone-1"); names != nil {
		t.Fatalf("expected no pending names, got %v", names)
	}

	a.fileInfo("phone-1", "b.csv", 1)
	a.fileInfo("phone-1", "a.csv", 1)

	names := a.pendingNames("phone-1")
	if len(names) != 2 || names[0] != "a.csv" || names[1] != "b.csv" {
		t.Fatalf("unexpected pending names %v", names)
	}
}
