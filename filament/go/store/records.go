// Package store defines the engine's persisted records and the repository
// interfaces that supply them.
//
// The settlement engine only ever talks to these interfaces, which makes it
// testable against the in-memory implementation in ./memstore while
// production runs against ./sqlstore.
package store

import (
	"time"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/normalize"
)

// Printer statuses.
const (
	PrinterStatusUnknown = "unknown"
	PrinterStatusOnline  = "online"
	PrinterStatusOffline = "offline"
)

// Printer is a networked printer the engine ingests telemetry from.
type Printer struct {
	ID     uuid.UUID
	IP     string
	Serial string
	// AccessCodeSealed is the LAN access code encrypted at rest, see
	// ../crypto.
	AccessCodeSealed string
	Status           string
	LastSeen         *time.Time
}

// RawEvent is one telemetry frame exactly as received. Append-only.
type RawEvent struct {
	ID          int64
	PrinterID   uuid.UUID
	Topic       string
	Payload     []byte
	ContentHash string
	ReceivedAt  time.Time
}

// NormalizedEvent is the deduplicated, compact form of a raw event.
type NormalizedEvent struct {
	ID         int64
	EventID    string
	PrinterID  uuid.UUID
	Type       normalize.EventType
	OccurredAt time.Time
	Data       normalize.EventData
	RawEventID *int64
}

// Print job statuses.
const (
	JobStatusUnknown   = "unknown"
	JobStatusRunning   = "running"
	JobStatusEnded     = "ended"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusManual    = "manual"
)

// PrintJob is one reconstructed print.
type PrintJob struct {
	ID        uuid.UUID
	PrinterID uuid.UUID
	// JobKey is the stable identity derived from task id or a timestamped
	// fallback; nil for manual jobs.
	JobKey    *string
	FileName  *string
	Status    string
	StartedAt *time.Time
	EndedAt   *time.Time
	Snapshot  Snapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OfficialBrand is the brand value assigned to first-party spools.
const OfficialBrand = "official"

// MaterialStock is a logical inventory entry keyed by
// (material, color, brand).
type MaterialStock struct {
	ID              uuid.UUID
	Material        string
	Color           string
	Brand           string
	RollWeightGrams float64
	// RemainingGrams is only ever changed through the ledger service.
	RemainingGrams float64
	IsArchived     bool
	ArchivedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ledger entry kinds.
const (
	KindPurchase           = "purchase"
	KindAdjustment         = "adjustment"
	KindConsumption        = "consumption"
	KindReservation        = "reservation"
	KindReservationRelease = "reservation_release"
	KindCancelRefund       = "cancel_refund"
	KindReversal           = "reversal"
	KindMergeIn            = "merge_in"
	KindMergeOut           = "merge_out"
	KindTrayDiscard        = "tray_discard"
)

// MaterialLedger is one signed grams delta against a stock. Rows are
// append-only; voiding only sets the void columns.
type MaterialLedger struct {
	ID int64
	// StockID is nil for tray-only rows.
	StockID *uuid.UUID
	JobID   *uuid.UUID
	// DeltaGrams is the effective delta after clamping, so replaying the
	// ledger reproduces remaining_grams exactly.
	DeltaGrams   float64
	Kind         string
	RollsCount   *int
	PricePerRoll *float64
	PriceTotal   *float64
	HasTray      bool
	TrayDelta    int
	Reason       string
	CreatedAt    time.Time
	VoidedAt     *time.Time
	VoidReason   *string
	ReversalOfID *int64
}

// Consumption sources.
const (
	SourceGcode3MF  = "gcode_3mf"
	SourceReserved  = "reservation"
	SourceAmsRemain = "ams_remain"
	SourceManual    = "manual"
)

// Confidence grades for estimates and consumptions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// ConsumptionRecord is a settled filament draw against a stock.
type ConsumptionRecord struct {
	ID         uuid.UUID
	JobID      *uuid.UUID
	StockID    *uuid.UUID
	TrayID     *int
	SegmentIdx *int
	// Grams always equals GramsEffective and never exceeds
	// GramsRequested.
	Grams          float64
	GramsRequested float64
	GramsEffective float64
	Source         string
	Confidence     string
	CreatedAt      time.Time
	VoidedAt       *time.Time
	VoidReason     *string
}

// AmsColorMapping maps a canonical color hex to an operator-assigned name.
type AmsColorMapping struct {
	ID        uuid.UUID
	ColorHex  string
	ColorName string
	CreatedAt time.Time
}
