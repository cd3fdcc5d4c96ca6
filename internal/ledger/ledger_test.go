package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dripbot/internal/storage"
	"dripbot/pkg/logx"
)

func TestRecordAndIsDelivered(t *testing.T) {
	t.Parallel()

	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dripbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l := New(db.SQL(), logx.Nop())
	ctx := context.Background()

	slot := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)

	ok, err := l.IsDelivered(ctx, slot)
	if err != nil || ok {
		t.Fatalf("before record: ok=%v err=%v", ok, err)
	}

	if err := l.Record(ctx, slot); err != nil {
		t.Fatalf("record: %v", err)
	}
	ok, err = l.IsDelivered(ctx, slot)
	if err != nil || !ok {
		t.Fatalf("after record: ok=%v err=%v", ok, err)
	}

	if err := l.Record(ctx, slot); !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("second record: got %v, want ErrAlreadyRecorded", err)
	}

	// Sub-minute jitter maps to the same slot.
	ok, err = l.IsDelivered(ctx, slot.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("same minute: ok=%v err=%v", ok, err)
	}

	set, err := l.DeliveredSet(ctx)
	if err != nil {
		t.Fatalf("delivered set: %v", err)
	}
	if _, found := set[slot.Unix()]; !found || len(set) != 1 {
		t.Fatalf("delivered set %v, want exactly {%d}", set, slot.Unix())
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dripbot.db")
	slot := time.Date(2025, 12, 3, 19, 0, 0, 0, time.UTC)

	db, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := New(db.SQL(), logx.Nop()).Record(context.Background(), slot); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })

	ok, err := New(db2.SQL(), logx.Nop()).IsDelivered(context.Background(), slot)
	if err != nil || !ok {
		t.Fatalf("after reopen: ok=%v err=%v", ok, err)
	}
}
