package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/ledger"
	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
)

// ResolvePending books a job's pending consumptions against the stocks an
// operator assigned to its unattributed trays. Trays not named in the
// assignment stay pending. Idempotent: a tray whose consumption segment is
// already booked is skipped, so retrying a partially-applied resolution is
// safe.
func ResolvePending(ctx context.Context, db store.Store, jobID uuid.UUID, assignment map[int]uuid.UUID) error {
	if len(assignment) == 0 {
		return nil
	}
	return db.Transact(ctx, func(ctx context.Context, txn store.Store) error {
		job, err := txn.Jobs().Get(ctx, jobID)
		if err != nil {
			return skerr.Wrapf(err, "loading job %s", jobID)
		}
		snap := job.Snapshot.Clone()
		ts := now.Now(ctx).UTC()

		for _, trayID := range sortedTrayIDs(assignment) {
			stockID := assignment[trayID]
			stock, err := txn.Stocks().Get(ctx, stockID)
			if err != nil {
				return skerr.Wrapf(err, "loading stock %s for tray %d", stockID, trayID)
			}
			if snap.TrayToStock == nil {
				snap.TrayToStock = map[int]uuid.UUID{}
			}
			snap.TrayToStock[trayID] = stockID

			kept := snap.PendingConsumptions[:0]
			for _, pc := range snap.PendingConsumptions {
				if pc.TrayID != trayID {
					kept = append(kept, pc)
					continue
				}
				exists, err := txn.Consumptions().ExistsSegment(ctx, jobID, pc.TrayID, pc.SegmentIdx)
				if err != nil {
					return skerr.Wrap(err)
				}
				if exists {
					continue
				}
				grams := pendingGrams(pc, stock)
				jid := jobID
				applied, err := ledger.ApplyStockDelta(ctx, txn, ledger.DeltaArgs{
					StockID: stockID,
					Delta:   -grams,
					Kind:    store.KindConsumption,
					Reason:  fmt.Sprintf("consumption job=%s tray=%d; resolved=manual", jobID, pc.TrayID),
					JobID:   &jid,
				})
				if err != nil {
					return skerr.Wrap(err)
				}
				tray := pc.TrayID
				segment := pc.SegmentIdx
				sid := stockID
				if _, _, err := txn.Consumptions().Insert(ctx, store.ConsumptionRecord{
					JobID:          &jid,
					StockID:        &sid,
					TrayID:         &tray,
					SegmentIdx:     &segment,
					Grams:          -applied.Effective,
					GramsRequested: grams,
					GramsEffective: -applied.Effective,
					Source:         orDefault(pc.Source, store.SourceManual),
					Confidence:     orDefault(pc.Confidence, store.ConfidenceMedium),
					CreatedAt:      ts,
				}); err != nil {
					return skerr.Wrap(err)
				}
			}
			snap.PendingConsumptions = kept
			snap.PendingTrays = removeTray(snap.PendingTrays, trayID)
		}

		job.Snapshot = snap
		job.UpdatedAt = ts
		return skerr.Wrap(txn.Jobs().Update(ctx, job))
	})
}

// pendingGrams converts a pending item's requested amount to grams. Items
// queued from an AMS remain delta on an unbound tray carry the raw delta in
// its reported unit; relative units convert against the roll weight of the
// stock the operator assigned.
func pendingGrams(pc store.PendingConsumption, stock store.MaterialStock) float64 {
	switch pc.Unit {
	case normalize.RemainUnitFraction:
		return pc.GramsRequested * stock.RollWeightGrams
	case normalize.RemainUnitPercent:
		return pc.GramsRequested / 100 * stock.RollWeightGrams
	}
	return pc.GramsRequested
}

func removeTray(trays []int, trayID int) []int {
	kept := trays[:0]
	for _, t := range trays {
		if t != trayID {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
