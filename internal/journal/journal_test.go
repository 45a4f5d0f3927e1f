package journal

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRecordFundedIsIdempotent(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	first := Entry{TaskID: "0xaaa", AgentName: "Helper", Amount: "0.1", Payer: "0x1"}
	if err := j.RecordFunded(ctx, first); err != nil {
		t.Fatalf("RecordFunded: %v", err)
	}

	// A second funding attempt for the same task keeps the original record.
	second := first
	second.Payer = "0x2"
	if err := j.RecordFunded(ctx, second); err != nil {
		t.Fatalf("RecordFunded(duplicate): %v", err)
	}

	entry, err := j.Lookup(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Payer != "0x1" {
		t.Fatalf("duplicate funding overwrote entry: %+v", entry)
	}
	if entry.Status != StatusFunded {
		t.Fatalf("unexpected status: %s", entry.Status)
	}
}

func TestMemorySettleTransition(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	if err := j.RecordSettled(ctx, "missing", "0xdead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := j.RecordFunded(ctx, Entry{TaskID: "0xbbb", Amount: "0.1"}); err != nil {
		t.Fatalf("RecordFunded: %v", err)
	}
	if err := j.RecordSettled(ctx, "0xbbb", "0xhash"); err != nil {
		t.Fatalf("RecordSettled: %v", err)
	}

	entry, err := j.Lookup(ctx, "0xbbb")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Status != StatusSettled || entry.TxHash != "0xhash" {
		t.Fatalf("unexpected entry after settle: %+v", entry)
	}

	funded, err := j.IsFunded(ctx, "0xbbb")
	if err != nil || !funded {
		t.Fatalf("settled task should still count as funded: %v %v", funded, err)
	}
}

func TestMemoryLookupMissing(t *testing.T) {
	j := NewMemory()
	if _, err := j.Lookup(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	funded, err := j.IsFunded(context.Background(), "nope")
	if err != nil || funded {
		t.Fatalf("expected unfunded, got %v %v", funded, err)
	}
}
