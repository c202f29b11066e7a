package processor

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/estimate"
	"go.filafarm.org/infra/filament/go/ledger"
	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

// endRemainLookback is how many recent printer events are scanned for a
// final remain reading when the terminal event itself carries none.
const endRemainLookback = 20

// maybeReserve books the pre-deduct reservation the first time the job's
// expected filament totals become known. Each tray reserves
// min(estimate, remaining) so a depleted stock never goes negative.
func (p *Processor) maybeReserve(ctx context.Context, txn store.Store, job *store.PrintJob, snap *store.Snapshot, ev store.NormalizedEvent) error {
	totals := reservationTotals(ev, *snap, p.est, job)
	if len(totals) == 0 {
		return nil
	}
	source := ev.Data.EstimateSource
	if source == "" {
		source = store.SourceGcode3MF
	}
	confidence := ev.Data.EstimateConfidence
	if confidence == "" {
		confidence = store.ConfidenceMedium
	}

	reservedAny := false
	for _, trayID := range sortedTrayIDs(totals) {
		total := totals[trayID]
		if total <= 0 {
			continue
		}
		stockID, bound := snap.TrayToStock[trayID]
		if !bound {
			if !snap.HasPendingTray(trayID) {
				snap.PendingTrays = append(snap.PendingTrays, trayID)
			}
			continue
		}
		// The trailing semicolon keeps tray=1 from matching tray=12.
		exists, err := txn.Ledger().ExistsForJob(ctx, job.ID, store.KindReservation, fmt.Sprintf("tray=%d;", trayID))
		if err != nil {
			return skerr.Wrap(err)
		}
		if exists {
			// The ledger row is authoritative. Recomputing the reserve
			// here would clamp it against the already-debited balance.
			continue
		}
		stock, err := txn.Stocks().Get(ctx, stockID)
		if err != nil {
			return skerr.Wrap(err)
		}
		reserved := math.Min(total, stock.RemainingGrams)
		if reserved <= 0 {
			continue
		}
		jobID := job.ID
		if _, err := ledger.ApplyStockDelta(ctx, txn, ledger.DeltaArgs{
			StockID: stockID,
			Delta:   -reserved,
			Kind:    store.KindReservation,
			Reason:  fmt.Sprintf("reservation job=%s tray=%d; source=%s", job.ID, trayID, source),
			JobID:   &jobID,
		}); err != nil {
			return skerr.Wrap(err)
		}
		if snap.ReservedByTray == nil {
			snap.ReservedByTray = map[int]float64{}
			snap.ReservedStockByTray = map[int]uuid.UUID{}
		}
		snap.ReservedByTray[trayID] = reserved
		snap.ReservedStockByTray[trayID] = stockID
		reservedAny = true
	}
	if reservedAny {
		ts := now.Now(ctx).UTC()
		snap.ReservedAt = &ts
		snap.ReservedSource = source
		snap.ReservedConfidence = confidence
	}
	return nil
}

// reservationTotals computes the per-tray expected grams for the
// reservation, falling back to the estimator cache when the event itself
// carries no filament totals.
func reservationTotals(ev store.NormalizedEvent, snap store.Snapshot, est *estimate.Client, job *store.PrintJob) map[int]float64 {
	totals := map[int]float64{}
	for trayID, a := range attributeFilaments(ev.Data, snap) {
		if a.totalG != nil {
			totals[trayID] += *a.totalG
		} else if a.usedG != nil {
			// A running print that only reports cumulative use still
			// deserves a reservation floor.
			totals[trayID] += *a.usedG
		}
	}
	if len(totals) > 0 || est == nil || job.JobKey == nil {
		return totals
	}
	cached, ok := est.GetCached(*job.JobKey)
	if !ok || cached.Error != "" {
		return totals
	}
	for _, fe := range cached.PerFilament {
		trayID := -1
		if fe.TrayID != nil {
			trayID = *fe.TrayID
		} else if t, uniq := uniqueTrayByTypeColor(snap, fe.Type, fe.ColorHex); uniq {
			trayID = t
		} else if snap.TrayNow != nil && len(cached.PerFilament) == 1 {
			trayID = *snap.TrayNow
		}
		if trayID >= 0 {
			totals[trayID] += fe.TotalG
		}
	}
	return totals
}

// trayFinal is the settled grams decision for one tray. For an unbound
// tray settled from an AMS remain delta, grams holds the raw delta and
// unit its reported unit; the conversion waits for the operator to name a
// stock.
type trayFinal struct {
	grams      float64
	source     string
	confidence string
	unit       normalize.RemainUnit
}

// settle converts a terminal job into final consumption: the reservation
// is released, per-tray final grams are computed by source precedence and
// booked as clamped consumptions, and cancelled jobs refund the unused
// reservation portion. Every ledger write is idempotency-guarded so a
// replayed terminal event is a no-op.
func (p *Processor) settle(ctx context.Context, txn store.Store, job *store.PrintJob, snap *store.Snapshot, ev store.NormalizedEvent) error {
	if err := p.backfillEndRemains(ctx, txn, job, snap); err != nil {
		return skerr.Wrap(err)
	}

	finals, err := p.finalGrams(ctx, txn, job, snap, ev)
	if err != nil {
		return skerr.Wrap(err)
	}

	trays := map[int]bool{}
	for trayID := range snap.ReservedByTray {
		trays[trayID] = true
	}
	for trayID := range finals {
		trays[trayID] = true
	}

	ts := now.Now(ctx).UTC()
	jobID := job.ID
	for _, trayID := range sortedTrayIDs(trays) {
		final := finals[trayID]
		reserved := snap.ReservedByTray[trayID]

		stockID, bound := snap.TrayToStock[trayID]
		if !bound {
			stockID, bound = snap.ReservedStockByTray[trayID]
		}
		if !bound {
			if final.grams > 0 {
				p.recordPending(snap, trayID, final)
			}
			continue
		}

		if reserved > 0 {
			release := reserved
			refund := 0.0
			if job.Status == store.JobStatusCancelled {
				// The unused portion of a cancelled reservation comes
				// back as a refund so the cancellation is visible in the
				// ledger.
				release = math.Min(final.grams, reserved)
				refund = reserved - release
			}
			if release > 0 {
				if err := p.applyGuarded(ctx, txn, job, trayID, store.KindReservationRelease, ledger.DeltaArgs{
					StockID: stockID,
					Delta:   release,
					Kind:    store.KindReservationRelease,
					Reason:  fmt.Sprintf("reservation_release job=%s tray=%d;", job.ID, trayID),
					JobID:   &jobID,
				}); err != nil {
					return skerr.Wrap(err)
				}
			}
			if refund > 0 {
				if err := p.applyGuarded(ctx, txn, job, trayID, store.KindCancelRefund, ledger.DeltaArgs{
					StockID: stockID,
					Delta:   refund,
					Kind:    store.KindCancelRefund,
					Reason:  fmt.Sprintf("cancel_refund job=%s tray=%d;", job.ID, trayID),
					JobID:   &jobID,
				}); err != nil {
					return skerr.Wrap(err)
				}
			}
			snap.ReservationRelease = &ts
		}

		if final.grams <= 0 {
			continue
		}
		exists, err := txn.Consumptions().ExistsSegment(ctx, job.ID, trayID, 0)
		if err != nil {
			return skerr.Wrap(err)
		}
		if exists {
			continue
		}
		applied, err := ledger.ApplyStockDelta(ctx, txn, ledger.DeltaArgs{
			StockID: stockID,
			Delta:   -final.grams,
			Kind:    store.KindConsumption,
			Reason:  fmt.Sprintf("consumption job=%s tray=%d; source=%s", job.ID, trayID, final.source),
			JobID:   &jobID,
		})
		if err != nil {
			return skerr.Wrap(err)
		}
		if -applied.Effective < final.grams {
			sklog.Warningf("Job %s tray %d consumption clamped: wanted %.1f g, stock had %.1f g", job.ID, trayID, final.grams, applied.Before)
		}
		tray := trayID
		segment := 0
		sid := stockID
		if _, _, err := txn.Consumptions().Insert(ctx, store.ConsumptionRecord{
			JobID:          &jobID,
			StockID:        &sid,
			TrayID:         &tray,
			SegmentIdx:     &segment,
			Grams:          -applied.Effective,
			GramsRequested: final.grams,
			GramsEffective: -applied.Effective,
			Source:         final.source,
			Confidence:     final.confidence,
			CreatedAt:      ts,
		}); err != nil {
			return skerr.Wrap(err)
		}
	}

	snap.SettledAt = &ts
	snap.SettleError = ""
	return nil
}

// applyGuarded applies a stock delta unless a ledger row of the same kind
// already exists for the (job, tray) pair.
func (p *Processor) applyGuarded(ctx context.Context, txn store.Store, job *store.PrintJob, trayID int, kind string, args ledger.DeltaArgs) error {
	exists, err := txn.Ledger().ExistsForJob(ctx, job.ID, kind, fmt.Sprintf("tray=%d;", trayID))
	if err != nil {
		return skerr.Wrap(err)
	}
	if exists {
		return nil
	}
	_, err = ledger.ApplyStockDelta(ctx, txn, args)
	return skerr.Wrap(err)
}

// finalGrams decides the settled grams per tray, by precedence: reported
// used grams, then reported totals, then the reservation (scaled by
// progress for cancelled jobs), then the AMS remain delta when remain
// calibration is enabled.
func (p *Processor) finalGrams(ctx context.Context, txn store.Store, job *store.PrintJob, snap *store.Snapshot, ev store.NormalizedEvent) (map[int]trayFinal, error) {
	finals := map[int]trayFinal{}
	confidence := ev.Data.EstimateConfidence

	for trayID, a := range attributeFilaments(ev.Data, *snap) {
		source := a.source
		if source == "" {
			source = store.SourceGcode3MF
		}
		switch {
		case a.usedG != nil && *a.usedG > 0:
			finals[trayID] = trayFinal{grams: *a.usedG, source: source, confidence: orDefault(confidence, store.ConfidenceHigh)}
		case a.totalG != nil && *a.totalG > 0:
			finals[trayID] = trayFinal{grams: *a.totalG, source: source, confidence: orDefault(confidence, store.ConfidenceMedium)}
		}
	}

	for trayID, reserved := range snap.ReservedByTray {
		if _, ok := finals[trayID]; ok || reserved <= 0 {
			continue
		}
		grams := reserved
		if job.Status == store.JobStatusCancelled {
			progress := 0
			if snap.LastProgress != nil {
				progress = *snap.LastProgress
			}
			grams = reserved * float64(progress) / 100
		}
		finals[trayID] = trayFinal{
			grams:      grams,
			source:     store.SourceReserved,
			confidence: orDefault(snap.ReservedConfidence, store.ConfidenceMedium),
		}
	}

	if !p.cfg.AMSCalibrationEnabled {
		return finals, nil
	}
	for _, trayID := range sortedTrayIDs(snap.StartRemainByTray) {
		if _, ok := finals[trayID]; ok {
			continue
		}
		start := snap.StartRemainByTray[trayID]
		end, ok := snap.EndRemainByTray[trayID]
		if !ok || end.Unit != start.Unit || end.Value >= start.Value {
			continue
		}
		delta := start.Value - end.Value
		if !trayBound(snap, trayID) {
			// No stock to convert a relative unit against yet; the raw
			// delta goes to the pending queue with its unit and is
			// converted once the operator assigns a stock.
			finals[trayID] = trayFinal{
				grams:      delta,
				source:     store.SourceAmsRemain,
				confidence: store.ConfidenceLow,
				unit:       start.Unit,
			}
			continue
		}
		grams, err := remainDeltaGrams(ctx, txn, snap, trayID, delta, start.Unit)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if grams > 0 {
			finals[trayID] = trayFinal{
				grams:      grams,
				source:     store.SourceAmsRemain,
				confidence: store.ConfidenceLow,
				unit:       start.Unit,
			}
		}
	}
	return finals, nil
}

// trayBound reports whether the tray has a stock to settle against.
func trayBound(snap *store.Snapshot, trayID int) bool {
	if _, ok := snap.TrayToStock[trayID]; ok {
		return true
	}
	_, ok := snap.ReservedStockByTray[trayID]
	return ok
}

// remainDeltaGrams converts a remain delta in the tray's native unit to
// grams, using the bound stock's roll weight for relative units.
func remainDeltaGrams(ctx context.Context, txn store.Store, snap *store.Snapshot, trayID int, delta float64, unit normalize.RemainUnit) (float64, error) {
	if unit == normalize.RemainUnitGrams {
		return delta, nil
	}
	stockID, ok := snap.TrayToStock[trayID]
	if !ok {
		stockID, ok = snap.ReservedStockByTray[trayID]
	}
	if !ok {
		return 0, nil
	}
	stock, err := txn.Stocks().Get(ctx, stockID)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	switch unit {
	case normalize.RemainUnitFraction:
		return delta * stock.RollWeightGrams, nil
	case normalize.RemainUnitPercent:
		return delta / 100 * stock.RollWeightGrams, nil
	}
	return 0, nil
}

func (p *Processor) recordPending(snap *store.Snapshot, trayID int, final trayFinal) {
	for _, pc := range snap.PendingConsumptions {
		if pc.TrayID == trayID && pc.SegmentIdx == 0 {
			return
		}
	}
	snap.PendingConsumptions = append(snap.PendingConsumptions, store.PendingConsumption{
		TrayID:         trayID,
		SegmentIdx:     0,
		Unit:           final.unit,
		GramsRequested: final.grams,
		Source:         final.source,
		Confidence:     final.confidence,
	})
	if !snap.HasPendingTray(trayID) {
		snap.PendingTrays = append(snap.PendingTrays, trayID)
	}
}

// backfillEndRemains fills missing end-of-job remain readings from the
// printer's recent events; the terminal report frequently omits the AMS
// block.
func (p *Processor) backfillEndRemains(ctx context.Context, txn store.Store, job *store.PrintJob, snap *store.Snapshot) error {
	if !p.cfg.AMSCalibrationEnabled {
		return nil
	}
	missing := false
	for trayID := range snap.StartRemainByTray {
		if _, ok := snap.EndRemainByTray[trayID]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	events, err := txn.Events().ListRecentForPrinter(ctx, job.PrinterID, endRemainLookback)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, ev := range events {
		for _, tray := range ev.Data.AmsTrays {
			if tray.Remain == nil {
				continue
			}
			if _, hasStart := snap.StartRemainByTray[tray.ID]; !hasStart {
				continue
			}
			if _, ok := snap.EndRemainByTray[tray.ID]; ok {
				continue
			}
			if snap.EndRemainByTray == nil {
				snap.EndRemainByTray = map[int]store.RemainObservation{}
			}
			snap.EndRemainByTray[tray.ID] = store.RemainObservation{Value: *tray.Remain, Unit: tray.RemainUnit}
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
