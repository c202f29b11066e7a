package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned, possibly wrapped, when a record does not exist.
var ErrNotFound = errors.New("record not found")

// PrinterStore supplies printers.
type PrinterStore interface {
	// List returns all printers.
	List(ctx context.Context) ([]Printer, error)

	// Get returns the printer with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Printer, error)

	// TouchOnline marks the printer online and refreshes last_seen.
	TouchOnline(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetStatus updates only the printer status.
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// EventStore supplies raw and normalized events.
type EventStore interface {
	// InsertRaw appends a raw event and returns its id.
	InsertRaw(ctx context.Context, e RawEvent) (int64, error)

	// InsertNormalized inserts a normalized event. On an event_id
	// conflict nothing is written and inserted is false.
	InsertNormalized(ctx context.Context, e NormalizedEvent) (id int64, inserted bool, err error)

	// LastForPrinter returns the most recent normalized event for the
	// printer, or nil if there is none.
	LastForPrinter(ctx context.Context, printerID uuid.UUID) (*NormalizedEvent, error)

	// ListAfter returns up to limit normalized events with id > afterID,
	// ordered by id ascending.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]NormalizedEvent, error)

	// ListRecentForPrinter returns up to limit normalized events for the
	// printer, most recent first.
	ListRecentForPrinter(ctx context.Context, printerID uuid.UUID, limit int) ([]NormalizedEvent, error)
}

// JobStore supplies print jobs.
type JobStore interface {
	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (PrintJob, error)

	// GetByJobKey returns the job with the given key on the printer, or
	// nil if there is none.
	GetByJobKey(ctx context.Context, printerID uuid.UUID, jobKey string) (*PrintJob, error)

	// Insert creates a job and returns its id.
	Insert(ctx context.Context, job PrintJob) (uuid.UUID, error)

	// Update persists all mutable columns of the job.
	Update(ctx context.Context, job PrintJob) error

	// ListRunningSince returns the printer's jobs with status "running"
	// started at or after since.
	ListRunningSince(ctx context.Context, printerID uuid.UUID, since time.Time) ([]PrintJob, error)
}

// StockStore supplies material stocks.
type StockStore interface {
	// Get returns the stock with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (MaterialStock, error)

	// List returns all stocks, optionally including archived ones.
	List(ctx context.Context, includeArchived bool) ([]MaterialStock, error)

	// FindActive returns the non-archived stock with the exact key, or
	// nil if there is none.
	FindActive(ctx context.Context, material, color, brand string) (*MaterialStock, error)

	// ListActiveByMaterialColor returns all non-archived stocks matching
	// (material, color) regardless of brand.
	ListActiveByMaterialColor(ctx context.Context, material, color string) ([]MaterialStock, error)

	// Insert creates a stock and returns its id.
	Insert(ctx context.Context, s MaterialStock) (uuid.UUID, error)

	// Update persists all mutable columns of the stock.
	Update(ctx context.Context, s MaterialStock) error
}

// LedgerStore supplies material ledger rows. Rows are append-only;
// MarkVoided is the only mutation.
type LedgerStore interface {
	// Insert appends a ledger row and returns its id.
	Insert(ctx context.Context, l MaterialLedger) (int64, error)

	// Get returns the row with the given id, or ErrNotFound.
	Get(ctx context.Context, id int64) (MaterialLedger, error)

	// MarkVoided sets the void columns on a row.
	MarkVoided(ctx context.Context, id int64, at time.Time, reason string) error

	// FindReversalOf returns the row whose reversal_of_id is originalID,
	// or nil if there is none.
	FindReversalOf(ctx context.Context, originalID int64) (*MaterialLedger, error)

	// ExistsForJob reports whether a row exists for the job with the
	// given kind and, when reasonContains is non-empty, a reason
	// containing that substring.
	ExistsForJob(ctx context.Context, jobID uuid.UUID, kind string, reasonContains string) (bool, error)

	// ListByStock returns all rows for the stock ordered by creation,
	// oldest first.
	ListByStock(ctx context.Context, stockID uuid.UUID) ([]MaterialLedger, error)

	// SumTrayDelta returns the global sum of tray_delta.
	SumTrayDelta(ctx context.Context) (int, error)
}

// ConsumptionStore supplies consumption records.
type ConsumptionStore interface {
	// Insert creates a record. On a (job_id, tray_id, segment_idx)
	// conflict nothing is written and inserted is false.
	Insert(ctx context.Context, c ConsumptionRecord) (id uuid.UUID, inserted bool, err error)

	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (ConsumptionRecord, error)

	// ExistsSegment reports whether a record exists for the given
	// (job, tray, segment) triple.
	ExistsSegment(ctx context.Context, jobID uuid.UUID, trayID, segmentIdx int) (bool, error)

	// ListByJob returns all records for the job.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]ConsumptionRecord, error)

	// ListByStock returns all records for the stock ordered by creation,
	// oldest first.
	ListByStock(ctx context.Context, stockID uuid.UUID) ([]ConsumptionRecord, error)

	// MarkVoided sets the void columns on a record.
	MarkVoided(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
}

// ColorStore supplies AMS color mappings.
type ColorStore interface {
	// NameForHex returns the operator-assigned name for a canonical hex,
	// or "" when the hex is unmapped.
	NameForHex(ctx context.Context, colorHex string) (string, error)

	// Insert creates a mapping. Mappings are immutable: inserting an
	// existing hex with a different name fails.
	Insert(ctx context.Context, m AmsColorMapping) error
}

// Store bundles all repositories plus the transaction boundary.
type Store interface {
	Printers() PrinterStore
	Events() EventStore
	Jobs() JobStore
	Stocks() StockStore
	Ledger() LedgerStore
	Consumptions() ConsumptionStore
	Colors() ColorStore

	// Transact runs f with a Store whose writes commit atomically when f
	// returns nil and roll back otherwise.
	Transact(ctx context.Context, f func(ctx context.Context, txn Store) error) error
}
