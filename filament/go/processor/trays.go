package processor

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

// updateTrays folds the event's AMS view into the snapshot: active tray,
// progress, tray metadata, remain readings and tray-to-stock bindings.
func (p *Processor) updateTrays(ctx context.Context, txn store.Store, snap *store.Snapshot, ev store.NormalizedEvent, status string) error {
	d := ev.Data
	if d.TrayNow != nil {
		v := *d.TrayNow
		snap.TrayNow = &v
	}
	if d.Progress != nil {
		v := *d.Progress
		snap.LastProgress = &v
	}

	for _, tray := range d.AmsTrays {
		if !snap.HasTraySeen(tray.ID) {
			snap.TraysSeen = append(snap.TraysSeen, tray.ID)
		}
		meta, err := p.mergeTrayMeta(ctx, txn, snap.TrayMetaByTray[tray.ID], tray)
		if err != nil {
			return skerr.Wrap(err)
		}
		if snap.TrayMetaByTray == nil {
			snap.TrayMetaByTray = map[int]store.TrayMeta{}
		}
		snap.TrayMetaByTray[tray.ID] = meta

		if tray.Remain != nil {
			obs := store.RemainObservation{Value: *tray.Remain, Unit: tray.RemainUnit}
			if _, ok := snap.StartRemainByTray[tray.ID]; !ok && !isTerminalStatus(status) {
				if snap.StartRemainByTray == nil {
					snap.StartRemainByTray = map[int]store.RemainObservation{}
				}
				snap.StartRemainByTray[tray.ID] = obs
			}
			// The latest reading doubles as the end-of-job reading.
			if snap.EndRemainByTray == nil {
				snap.EndRemainByTray = map[int]store.RemainObservation{}
			}
			snap.EndRemainByTray[tray.ID] = obs
		}

		if _, bound := snap.TrayToStock[tray.ID]; !bound {
			stockID, ok, err := p.resolveTrayStock(ctx, txn, meta)
			if err != nil {
				return skerr.Wrap(err)
			}
			if ok {
				if snap.TrayToStock == nil {
					snap.TrayToStock = map[int]uuid.UUID{}
				}
				snap.TrayToStock[tray.ID] = stockID
			}
		}
	}
	return nil
}

// mergeTrayMeta folds a tray observation into the accumulated metadata,
// never clobbering an already-known field with an empty one. The color
// name comes from the operator-maintained hex mapping.
func (p *Processor) mergeTrayMeta(ctx context.Context, txn store.Store, meta store.TrayMeta, tray normalize.Tray) (store.TrayMeta, error) {
	if tray.Type != "" {
		meta.Material = tray.Type
	}
	if tray.ColorHex != "" {
		meta.ColorHex = tray.ColorHex
	}
	if tray.RawColor != "" {
		meta.RawColor = tray.RawColor
	}
	if tray.IsOfficial() {
		meta.IsOfficial = true
	}
	if meta.Color == "" && meta.ColorHex != "" {
		name, err := txn.Colors().NameForHex(ctx, meta.ColorHex)
		if err != nil {
			return meta, skerr.Wrap(err)
		}
		meta.Color = name
	}
	return meta, nil
}

// resolveTrayStock binds a tray to a stock. Official spools resolve
// against the exact (material, color, official) key; third-party spools
// resolve by (material, color) when exactly one non-official stock
// matches. Anything ambiguous stays unbound for operator attribution.
func (p *Processor) resolveTrayStock(ctx context.Context, txn store.Store, meta store.TrayMeta) (uuid.UUID, bool, error) {
	if meta.Material == "" || meta.Color == "" {
		return uuid.Nil, false, nil
	}
	if meta.IsOfficial {
		stock, err := txn.Stocks().FindActive(ctx, meta.Material, meta.Color, store.OfficialBrand)
		if err != nil {
			return uuid.Nil, false, skerr.Wrap(err)
		}
		if stock == nil {
			return uuid.Nil, false, nil
		}
		return stock.ID, true, nil
	}
	stocks, err := txn.Stocks().ListActiveByMaterialColor(ctx, meta.Material, meta.Color)
	if err != nil {
		return uuid.Nil, false, skerr.Wrap(err)
	}
	matches := stocks[:0:0]
	for _, s := range stocks {
		if s.Brand != store.OfficialBrand {
			matches = append(matches, s)
		}
	}
	if len(matches) != 1 {
		if len(matches) > 1 {
			sklog.Debugf("Tray (%s, %s) matches %d stocks, leaving unbound", meta.Material, meta.Color, len(matches))
		}
		return uuid.Nil, false, nil
	}
	return matches[0].ID, true, nil
}

// attribution is a per-tray rollup of the filament entries of one event.
type attribution struct {
	usedG  *float64
	totalG *float64
	source string
}

// attributeFilaments assigns each filament entry of the event to a tray.
// An explicit tray id wins; otherwise a unique (type, color) match among
// the known trays; otherwise the active tray, unless the payload marked
// its filament list as strictly tray-addressed and carries more than one
// entry.
func attributeFilaments(d normalize.EventData, snap store.Snapshot) map[int]attribution {
	ret := map[int]attribution{}
	for _, f := range d.Filaments {
		trayID := -1
		switch {
		case f.TrayID != nil:
			trayID = *f.TrayID
		default:
			if t, ok := uniqueTrayByTypeColor(snap, f.Type, f.ColorHex); ok {
				trayID = t
			} else if snap.TrayNow != nil && (len(d.Filaments) == 1 || !d.FilamentStrictNoFallback) {
				trayID = *snap.TrayNow
			}
		}
		if trayID < 0 {
			continue
		}
		a := ret[trayID]
		a.usedG = addOptional(a.usedG, f.UsedG)
		a.totalG = addOptional(a.totalG, f.TotalG)
		if a.source == "" {
			a.source = f.Source
		}
		ret[trayID] = a
	}
	return ret
}

// uniqueTrayByTypeColor returns the only tray whose observed material and
// color match, if there is exactly one.
func uniqueTrayByTypeColor(snap store.Snapshot, material, colorHex string) (int, bool) {
	if material == "" {
		return 0, false
	}
	found := -1
	for trayID, meta := range snap.TrayMetaByTray {
		if !strings.EqualFold(meta.Material, material) {
			continue
		}
		if colorHex != "" && meta.ColorHex != "" && !strings.EqualFold(meta.ColorHex, colorHex) {
			continue
		}
		if found >= 0 {
			return 0, false
		}
		found = trayID
	}
	return found, found >= 0
}

func addOptional(acc, v *float64) *float64 {
	if v == nil {
		return acc
	}
	if acc == nil {
		val := *v
		return &val
	}
	sum := *acc + *v
	return &sum
}

func sortedTrayIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
