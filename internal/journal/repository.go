package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned when a record is missing its key fields.
var ErrInvalidRecord = errors.New("journal: invalid record")

// TransferStatus is the outcome of a payload transfer.
type TransferStatus string

const (
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
)

// PrinterRecord is the journal's view of one printer.
type PrinterRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address,omitempty"`
	State     string    `json:"state"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// TransferRecord is one payload outcome.
type TransferRecord struct {
	PayloadID  string         `json:"payload_id"`
	JobID      string         `json:"job_id,omitempty"`
	PrinterID  string         `json:"printer_id"`
	Bytes      int            `json:"bytes"`
	Attempts   int            `json:"attempts"`
	Status     TransferStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Repository persists printer sightings and transfer outcomes.
type Repository interface {
	// UpsertPrinter records a printer's current state. FirstSeen is kept
	// from the first insert.
	UpsertPrinter(ctx context.Context, rec PrinterRecord) error

	// RecordTransfer stores a transfer outcome. Recording the same payload
	// twice keeps the latest outcome.
	RecordTransfer(ctx context.Context, rec TransferRecord) error

	// ListTransfers returns the newest transfers first. An empty printerID
	// matches every printer; limit <= 0 means no limit.
	ListTransfers(ctx context.Context, printerID string, limit int) ([]TransferRecord, error)

	// ListPrinters returns every known printer ordered by first sighting.
	ListPrinters(ctx context.Context) ([]PrinterRecord, error)
}

// SQLiteRepository implements Repository on the tables created by the
// journal migration.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

func (r *SQLiteRepository) UpsertPrinter(ctx context.Context, rec PrinterRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: printer id is required", ErrInvalidRecord)
	}
	seen := rec.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO printers (id, kind, address, state, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = CASE WHEN excluded.kind = '' THEN printers.kind ELSE excluded.kind END,
			address = CASE WHEN excluded.address = '' THEN printers.address ELSE excluded.address END,
			state = excluded.state,
			last_seen = excluded.last_seen`,
		rec.ID, rec.Kind, rec.Address, rec.State, formatTime(seen), formatTime(seen),
	)
	if err != nil {
		return fmt.Errorf("upserting printer %s: %w", rec.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) RecordTransfer(ctx context.Context, rec TransferRecord) error {
	if rec.PayloadID == "" || rec.PrinterID == "" {
		return fmt.Errorf("%w: payload and printer id are required", ErrInvalidRecord)
	}
	if rec.Status != StatusCompleted && rec.Status != StatusFailed {
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, rec.Status)
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transfers
			(payload_id, job_id, printer_id, bytes, attempts, status, error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PayloadID, rec.JobID, rec.PrinterID, rec.Bytes, rec.Attempts,
		string(rec.Status), rec.Error, rec.Duration.Milliseconds(), formatTime(finished),
	)
	if err != nil {
		return fmt.Errorf("recording transfer %s: %w", rec.PayloadID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListTransfers(ctx context.Context, printerID string, limit int) ([]TransferRecord, error) {
	query := `
		SELECT payload_id, job_id, printer_id, bytes, attempts, status, error, duration_ms, finished_at
		FROM transfers
		WHERE (? = '' OR printer_id = ?)
		ORDER BY finished_at DESC, rowid DESC`
	args := []any{printerID, printerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var status, finished string
		var durationMS int64
		if err := rows.Scan(&rec.PayloadID, &rec.JobID, &rec.PrinterID, &rec.Bytes, &rec.Attempts,
			&status, &rec.Error, &durationMS, &finished); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		rec.Status = TransferStatus(status)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListPrinters(ctx context.Context) ([]PrinterRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, address, state, first_seen, last_seen
		FROM printers
		ORDER BY first_seen, id`)
	if err != nil {
		return nil, fmt.Errorf("listing printers: %w", err)
	}
	defer rows.Close()

	var out []PrinterRecord
	for rows.Next() {
		var rec PrinterRecord
		var first, last string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Address, &rec.State, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning printer: %w", err)
		}
		rec.FirstSeen = parseTime(first)
		rec.LastSeen = parseTime(last)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating printers: %w", err)
	}
	return out, nil
}

// Timestamps are stored as fixed-width UTC RFC3339 so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s) //nolint:errcheck // written by formatTime
	return t
}
