package storage

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func TestRecordAndFinishTransfer(t *testing.T) {
	store := newTestStore(t)

	err := store.RecordTransfer(Transfer{
		TransferID:      "t-1",
		PeerFingerprint: "fp-1",
		PeerAlias:       "Bob",
		Direction:       DirectionSend,
		Filename:        "img.png",
		Filesize:        1024,
	})
	if err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != StatusStarted {
		t.Fatalf("expected status %q, got %q", StatusStarted, got.Status)
	}
	if got.StartedAt == 0 {
		t.Fatalf("expected started_at to be filled in")
	}
	if got.FinishedAt != nil {
		t.Fatalf("expected no finished_at on a started transfer")
	}

	if err := store.FinishTransfer("t-1", StatusFailed, "peer unreachable"); err != nil {
		t.Fatalf("FinishTransfer failed: %v", err)
	}

	got, err = store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected status %q, got %q", StatusFailed, got.Status)
	}
	if got.Error != "peer unreachable" {
		t.Fatalf("expected recorded error cause, got %q", got.Error)
	}
	if got.FinishedAt == nil {
		t.Fatalf("expected finished_at on a terminal transfer")
	}
}

func TestFinishTransferUnknownIDReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.FinishTransfer("missing", StatusComplete, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordTransferValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordTransfer(Transfer{}); err == nil {
		t.Fatalf("expected validation error for empty transfer")
	}

	err := store.RecordTransfer(Transfer{
		TransferID:      "t-bad",
		PeerFingerprint: "fp",
		Filename:        "f",
		Direction:       "sideways",
	})
	if err == nil {
		t.Fatalf("expected validation error for invalid direction")
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"t-old", "t-mid", "t-new"} {
		err := store.RecordTransfer(Transfer{
			TransferID:      id,
			PeerFingerprint: "fp-1",
			Direction:       DirectionSend,
			Filename:        "img.png",
			StartedAt:       int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("RecordTransfer %q failed: %v", id, err)
		}
	}

	transfers, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].TransferID != "t-new" || transfers[1].TransferID != "t-mid" {
		t.Fatalf("unexpected order: %q, %q", transfers[0].TransferID, transfers[1].TransferID)
	}
}
