// Package schema describes all SQL tables used by the filament settlement
// engine.
//
// Tables are declared as Go structs so the expected schema can be derived
// from the struct tags and compared against the live database.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Tables represents all SQL tables used by the engine. Each field is a table,
// named by the lowercased field name.
type Tables struct {
	Printers            []PrinterRow
	Raw_Events          []RawEventRow
	Normalized_Events   []NormalizedEventRow
	Print_Jobs          []PrintJobRow
	Material_Stocks     []MaterialStockRow
	Material_Ledger     []MaterialLedgerRow
	Consumption_Records []ConsumptionRecordRow
	Ams_Color_Mappings  []AmsColorMappingRow
}

// PrinterRow is a networked printer the engine subscribes to.
type PrinterRow struct {
	ID uuid.UUID `sql:"id UUID PRIMARY KEY DEFAULT gen_random_uuid()"`
	IP string    `sql:"ip TEXT NOT NULL"`
	// Serial identifies the printer on the wire; the MQTT report topic is
	// derived from it.
	Serial string `sql:"serial TEXT UNIQUE NOT NULL"`
	// AccessCodeSealed is the LAN access code encrypted at rest.
	AccessCodeSealed string     `sql:"access_code_sealed TEXT NOT NULL"`
	Status           string     `sql:"status TEXT NOT NULL DEFAULT 'unknown'"`
	LastSeen         *time.Time `sql:"last_seen TIMESTAMPTZ"`
	CreatedAt        time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
	UpdatedAt        time.Time  `sql:"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
}

// RawEventRow is one telemetry frame exactly as received. Append-only.
type RawEventRow struct {
	ID        int64     `sql:"id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"`
	PrinterID uuid.UUID `sql:"printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE"`
	Topic string `sql:"topic TEXT NOT NULL"`
	// Payload is BYTEA, not JSONB: malformed frames are kept verbatim.
	Payload []byte `sql:"payload BYTEA NOT NULL"`
	// ContentHash is the SHA-256 of the payload bytes.
	ContentHash string    `sql:"content_hash TEXT NOT NULL"`
	ReceivedAt  time.Time `sql:"received_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
}

// NormalizedEventRow is the deduplicated, compact form of a raw event that
// the settlement engine consumes.
type NormalizedEventRow struct {
	ID int64 `sql:"id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"`
	// EventID is content-addressed, which turns at-least-once ingestion
	// into at-most-once persistence.
	EventID    string    `sql:"event_id TEXT UNIQUE NOT NULL"`
	PrinterID  uuid.UUID `sql:"printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE"`
	Type       string    `sql:"type TEXT NOT NULL"`
	OccurredAt time.Time `sql:"occurred_at TIMESTAMPTZ NOT NULL"`
	Payload    []byte    `sql:"payload JSONB NOT NULL"`
	RawEventID *int64    `sql:"raw_event_id BIGINT REFERENCES raw_events (id) ON DELETE SET NULL"`
}

// PrintJobRow is one reconstructed print job.
type PrintJobRow struct {
	ID        uuid.UUID `sql:"id UUID PRIMARY KEY DEFAULT gen_random_uuid()"`
	PrinterID uuid.UUID `sql:"printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE"`
	// JobKey is the stable identity of the print; null for manual jobs.
	JobKey    *string    `sql:"job_key TEXT"`
	FileName  *string    `sql:"file_name TEXT"`
	Status    string     `sql:"status TEXT NOT NULL DEFAULT 'unknown'"`
	StartedAt *time.Time `sql:"started_at TIMESTAMPTZ"`
	EndedAt   *time.Time `sql:"ended_at TIMESTAMPTZ"`
	// Snapshot is owned exclusively by the event processor.
	Snapshot  []byte    `sql:"snapshot JSONB NOT NULL DEFAULT '{}'"`
	CreatedAt time.Time `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
	UpdatedAt time.Time `sql:"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
}

// MaterialStockRow is a logical inventory entry keyed by
// (material, color, brand).
type MaterialStockRow struct {
	ID              uuid.UUID `sql:"id UUID PRIMARY KEY DEFAULT gen_random_uuid()"`
	Material        string    `sql:"material TEXT NOT NULL"`
	Color           string    `sql:"color TEXT NOT NULL"`
	Brand           string    `sql:"brand TEXT NOT NULL"`
	RollWeightGrams float64   `sql:"roll_weight_grams DOUBLE PRECISION NOT NULL DEFAULT 1000"`
	// RemainingGrams is derived from the ledger and is never written
	// directly; all changes go through apply_stock_delta.
	RemainingGrams float64    `sql:"remaining_grams DOUBLE PRECISION NOT NULL DEFAULT 0"`
	IsArchived     bool       `sql:"is_archived BOOLEAN NOT NULL DEFAULT FALSE"`
	ArchivedAt     *time.Time `sql:"archived_at TIMESTAMPTZ"`
	CreatedAt      time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
	UpdatedAt      time.Time  `sql:"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
}

// MaterialLedgerRow is one signed grams delta against a stock. Append-only;
// the void columns are the only ones ever updated.
type MaterialLedgerRow struct {
	ID int64 `sql:"id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"`
	// StockID is null for tray-only rows (tray_discard).
	StockID    *uuid.UUID `sql:"stock_id UUID REFERENCES material_stocks (id) ON DELETE RESTRICT"`
	JobID      *uuid.UUID `sql:"job_id UUID REFERENCES print_jobs (id) ON DELETE SET NULL"`
	DeltaGrams float64    `sql:"delta_grams DOUBLE PRECISION NOT NULL"`
	Kind       string     `sql:"kind TEXT NOT NULL"`
	RollsCount *int       `sql:"rolls_count INTEGER"`
	// Money columns use 2-decimal precision.
	PricePerRoll *float64 `sql:"price_per_roll NUMERIC(12,2)"`
	PriceTotal   *float64 `sql:"price_total NUMERIC(12,2)"`
	HasTray      bool     `sql:"has_tray BOOLEAN NOT NULL DEFAULT FALSE"`
	TrayDelta    int      `sql:"tray_delta INTEGER NOT NULL DEFAULT 0"`
	Reason       string   `sql:"reason TEXT NOT NULL DEFAULT ''"`
	CreatedAt    time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
	VoidedAt     *time.Time `sql:"voided_at TIMESTAMPTZ"`
	VoidReason   *string    `sql:"void_reason TEXT"`
	ReversalOfID *int64     `sql:"reversal_of_id BIGINT REFERENCES material_ledger (id)"`
}

// ConsumptionRecordRow is a settled filament draw against a stock.
type ConsumptionRecordRow struct {
	ID         uuid.UUID  `sql:"id UUID PRIMARY KEY DEFAULT gen_random_uuid()"`
	JobID      *uuid.UUID `sql:"job_id UUID REFERENCES print_jobs (id) ON DELETE SET NULL"`
	StockID    *uuid.UUID `sql:"stock_id UUID REFERENCES material_stocks (id) ON DELETE RESTRICT"`
	TrayID     *int       `sql:"tray_id INTEGER"`
	SegmentIdx *int       `sql:"segment_idx INTEGER"`
	// Grams always equals GramsEffective, which never exceeds
	// GramsRequested.
	Grams          float64    `sql:"grams DOUBLE PRECISION NOT NULL"`
	GramsRequested float64    `sql:"grams_requested DOUBLE PRECISION NOT NULL"`
	GramsEffective float64    `sql:"grams_effective DOUBLE PRECISION NOT NULL"`
	Source         string     `sql:"source TEXT NOT NULL DEFAULT ''"`
	Confidence     string     `sql:"confidence TEXT NOT NULL DEFAULT ''"`
	CreatedAt      time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
	VoidedAt       *time.Time `sql:"voided_at TIMESTAMPTZ"`
	VoidReason     *string    `sql:"void_reason TEXT"`
}

// AmsColorMappingRow maps a canonical color hex to an operator-assigned
// name. A hex once mapped is never re-bound.
type AmsColorMappingRow struct {
	ID        uuid.UUID `sql:"id UUID PRIMARY KEY DEFAULT gen_random_uuid()"`
	ColorHex  string    `sql:"color_hex TEXT UNIQUE NOT NULL"`
	ColorName string    `sql:"color_name TEXT NOT NULL"`
	CreatedAt time.Time `sql:"created_at TIMESTAMPTZ NOT NULL DEFAULT now()"`
}
