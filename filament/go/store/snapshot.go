package store

import (
	"time"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/normalize"
)

// TrayMeta is what the processor knows about one AMS tray of a job.
type TrayMeta struct {
	Material string `json:"material,omitempty"`
	// Color is the operator-facing name; ColorHex the canonical hex. The
	// raw hex is preserved so a wrong alpha-channel guess can be fixed.
	Color      string `json:"color,omitempty"`
	ColorHex   string `json:"color_hex,omitempty"`
	RawColor   string `json:"raw_color,omitempty"`
	IsOfficial bool   `json:"is_official,omitempty"`
}

// RemainObservation is a tray remain reading together with its unit.
type RemainObservation struct {
	Value float64              `json:"value"`
	Unit  normalize.RemainUnit `json:"unit"`
}

// PendingConsumption is an observed filament use whose tray could not be
// bound to a unique stock, awaiting operator attribution.
type PendingConsumption struct {
	TrayID         int                  `json:"tray_id"`
	SegmentIdx     int                  `json:"segment_idx"`
	Unit           normalize.RemainUnit `json:"unit,omitempty"`
	GramsRequested float64              `json:"grams_requested"`
	Source         string               `json:"source,omitempty"`
	Confidence     string               `json:"confidence,omitempty"`
}

// Snapshot is the processor-owned state of a print job. It is persisted as
// a JSONB document on the job row.
//
// Snapshots are treated as immutable values: mutation always goes through
// Clone so the pre-mutation state stays intact for diffing.
type Snapshot struct {
	Mode                string                    `json:"mode,omitempty"`
	TrayToStock         map[int]uuid.UUID         `json:"tray_to_stock,omitempty"`
	TrayNow             *int                      `json:"tray_now,omitempty"`
	TraysSeen           []int                     `json:"trays_seen,omitempty"`
	TrayMetaByTray      map[int]TrayMeta          `json:"tray_meta_by_tray,omitempty"`
	PendingTrays        []int                     `json:"pending_trays,omitempty"`
	PendingConsumptions []PendingConsumption      `json:"pending_consumptions,omitempty"`
	ReservedByTray      map[int]float64           `json:"reserved_by_tray,omitempty"`
	ReservedStockByTray map[int]uuid.UUID         `json:"reserved_stock_by_tray,omitempty"`
	ReservedSource      string                    `json:"reserved_source,omitempty"`
	ReservedConfidence  string                    `json:"reserved_confidence,omitempty"`
	ReservedAt          *time.Time                `json:"reserved_at,omitempty"`
	ReservationRelease  *time.Time                `json:"reservation_release_at,omitempty"`
	SettledAt           *time.Time                `json:"settled_at,omitempty"`
	SettleError         string                    `json:"settle_error,omitempty"`
	LastProgress        *int                      `json:"last_progress,omitempty"`
	StartRemainByTray   map[int]RemainObservation `json:"start_remain_by_tray,omitempty"`
	EndRemainByTray     map[int]RemainObservation `json:"end_remain_by_tray,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	ret := s
	ret.TrayToStock = cloneMap(s.TrayToStock)
	ret.TrayNow = cloneIntPtr(s.TrayNow)
	ret.TraysSeen = append([]int(nil), s.TraysSeen...)
	ret.TrayMetaByTray = cloneMap(s.TrayMetaByTray)
	ret.PendingTrays = append([]int(nil), s.PendingTrays...)
	ret.PendingConsumptions = append([]PendingConsumption(nil), s.PendingConsumptions...)
	ret.ReservedByTray = cloneMap(s.ReservedByTray)
	ret.ReservedStockByTray = cloneMap(s.ReservedStockByTray)
	ret.ReservedAt = cloneTimePtr(s.ReservedAt)
	ret.ReservationRelease = cloneTimePtr(s.ReservationRelease)
	ret.SettledAt = cloneTimePtr(s.SettledAt)
	ret.LastProgress = cloneIntPtr(s.LastProgress)
	ret.StartRemainByTray = cloneMap(s.StartRemainByTray)
	ret.EndRemainByTray = cloneMap(s.EndRemainByTray)
	return ret
}

// HasTraySeen reports whether the tray is already in TraysSeen.
func (s Snapshot) HasTraySeen(trayID int) bool {
	for _, t := range s.TraysSeen {
		if t == trayID {
			return true
		}
	}
	return false
}

// HasPendingTray reports whether the tray is already in PendingTrays.
func (s Snapshot) HasPendingTray(trayID int) bool {
	for _, t := range s.PendingTrays {
		if t == trayID {
			return true
		}
	}
	return false
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
