package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/printlink-core/internal/infrastructure/database"
	"github.com/nerrad567/printlink-core/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS, "."); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestUpsertPrinter(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := repo.UpsertPrinter(ctx, PrinterRecord{ID: "usb-ttyACM0", Kind: "serial", Address: "/dev/ttyACM0", State: "connecting", LastSeen: t0}); err != nil {
		t.Fatalf("UpsertPrinter() error = %v", err)
	}
	if err := repo.UpsertPrinter(ctx, PrinterRecord{ID: "usb-ttyACM0", Kind: "serial", Address: "/dev/ttyACM0", State: "connected", LastSeen: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertPrinter() error = %v", err)
	}

	printers, err := repo.ListPrinters(ctx)
	if err != nil {
		t.Fatalf("ListPrinters() error = %v", err)
	}
	if len(printers) != 1 {
		t.Fatalf("ListPrinters() = %d rows, want 1", len(printers))
	}
	got := printers[0]
	if got.State != "connected" {
		t.Errorf("State = %q, want connected", got.State)
	}
	if !got.FirstSeen.Equal(t0) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, t0)
	}
	if !got.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, t0.Add(time.Minute))
	}

	// A removal event may not know the kind any more.
	if err := repo.UpsertPrinter(ctx, PrinterRecord{ID: "usb-ttyACM0", State: "disconnected", LastSeen: t0.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("UpsertPrinter() error = %v", err)
	}
	printers, err = repo.ListPrinters(ctx)
	if err != nil {
		t.Fatalf("ListPrinters() error = %v", err)
	}
	if got := printers[0]; got.Kind != "serial" || got.Address != "/dev/ttyACM0" || got.State != "disconnected" {
		t.Errorf("after removal = %+v, want kind and address kept", got)
	}

	if err := repo.UpsertPrinter(ctx, PrinterRecord{}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("UpsertPrinter(empty) error = %v, want ErrInvalidRecord", err)
	}
}

func TestRecordAndListTransfers(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	records := []TransferRecord{
		{PayloadID: "p1", JobID: "j1", PrinterID: "sim-a", Bytes: 10, Attempts: 1, Status: StatusCompleted, Duration: 15 * time.Millisecond, FinishedAt: t0},
		{PayloadID: "p2", JobID: "j1", PrinterID: "sim-a", Bytes: 20, Attempts: 3, Status: StatusFailed, Error: "link severed", FinishedAt: t0.Add(time.Second)},
		{PayloadID: "p3", JobID: "j2", PrinterID: "sim-b", Bytes: 5, Attempts: 1, Status: StatusCompleted, FinishedAt: t0.Add(2 * time.Second)},
	}
	for _, rec := range records {
		if err := repo.RecordTransfer(ctx, rec); err != nil {
			t.Fatalf("RecordTransfer(%s) error = %v", rec.PayloadID, err)
		}
	}

	tests := []struct {
		name      string
		printerID string
		limit     int
		want      []string
	}{
		{name: "all printers newest first", want: []string{"p3", "p2", "p1"}},
		{name: "one printer", printerID: "sim-a", want: []string{"p2", "p1"}},
		{name: "limit", limit: 1, want: []string{"p3"}},
		{name: "unknown printer", printerID: "sim-x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListTransfers(ctx, tt.printerID, tt.limit)
			if err != nil {
				t.Fatalf("ListTransfers() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListTransfers() = %d rows, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].PayloadID != id {
					t.Errorf("row %d = %s, want %s", i, got[i].PayloadID, id)
				}
			}
		})
	}

	all, _ := repo.ListTransfers(ctx, "sim-a", 0)
	failed := all[0]
	if failed.Status != StatusFailed || failed.Error != "link severed" || failed.Attempts != 3 {
		t.Errorf("failed transfer = %+v", failed)
	}
	if all[1].Duration != 15*time.Millisecond {
		t.Errorf("Duration = %v, want 15ms", all[1].Duration)
	}
}

func TestRecordTransfer_ReplacesOutcome(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec := TransferRecord{PayloadID: "p1", PrinterID: "sim-a", Bytes: 1, Attempts: 1, Status: StatusFailed, Error: "busy"}
	if err := repo.RecordTransfer(ctx, rec); err != nil {
		t.Fatalf("RecordTransfer() error = %v", err)
	}
	rec.Status, rec.Error, rec.Attempts = StatusCompleted, "", 2
	if err := repo.RecordTransfer(ctx, rec); err != nil {
		t.Fatalf("RecordTransfer() error = %v", err)
	}

	got, err := repo.ListTransfers(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListTransfers() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != StatusCompleted || got[0].Attempts != 2 {
		t.Errorf("ListTransfers() = %+v, want one completed row", got)
	}
}

func TestRecordTransfer_Validation(t *testing.T) {
	repo := setupRepo(t)
	tests := []struct {
		name string
		rec  TransferRecord
	}{
		{name: "missing payload", rec: TransferRecord{PrinterID: "a", Status: StatusCompleted}},
		{name: "missing printer", rec: TransferRecord{PayloadID: "p", Status: StatusCompleted}},
		{name: "bad status", rec: TransferRecord{PayloadID: "p", PrinterID: "a", Status: "lost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.RecordTransfer(context.Background(), tt.rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("RecordTransfer() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}
