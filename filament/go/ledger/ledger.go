// Package ledger implements the double-entry material ledger: every change
// to a stock's remaining grams goes through ApplyStockDelta, which writes
// one ledger row per change and clamps the balance at zero.
//
// All functions expect to be called inside the caller's transaction, i.e.
// with the Store handed to a store.Store.Transact callback.
package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
)

// priceTolerance is how far price_per_roll*rolls_count and price_total may
// disagree before the purchase is rejected.
const priceTolerance = 0.01

// DeltaArgs are the inputs to ApplyStockDelta.
type DeltaArgs struct {
	StockID      uuid.UUID
	Delta        float64
	Kind         string
	Reason       string
	JobID        *uuid.UUID
	ReversalOfID *int64
	RollsCount   *int
	PricePerRoll *float64
	PriceTotal   *float64
	HasTray      bool
	TrayDelta    int
}

// Applied describes the outcome of ApplyStockDelta.
type Applied struct {
	LedgerID  int64
	Requested float64
	// Effective is the delta actually applied after clamping at zero;
	// callers that must detect underflow compare it to Requested.
	Effective float64
	Before    float64
	After     float64
}

// ApplyStockDelta applies a signed grams delta to a stock, clamping the
// resulting balance at zero, and writes the ledger row recording the
// effective delta. Not idempotent by itself; callers enforce idempotency.
func ApplyStockDelta(ctx context.Context, s store.Store, args DeltaArgs) (Applied, error) {
	ret := Applied{Requested: args.Delta}
	if args.TrayDelta < 0 {
		if err := checkTrayTotal(ctx, s, args.TrayDelta); err != nil {
			return ret, err
		}
	}
	stock, err := s.Stocks().Get(ctx, args.StockID)
	if err != nil {
		return ret, skerr.Wrapf(err, "loading stock %s", args.StockID)
	}
	ret.Before = stock.RemainingGrams
	ret.After = math.Max(0, stock.RemainingGrams+args.Delta)
	ret.Effective = ret.After - ret.Before

	ts := now.Now(ctx).UTC()
	stock.RemainingGrams = ret.After
	stock.UpdatedAt = ts
	if err := s.Stocks().Update(ctx, stock); err != nil {
		return ret, skerr.Wrap(err)
	}
	stockID := args.StockID
	ret.LedgerID, err = s.Ledger().Insert(ctx, store.MaterialLedger{
		StockID:      &stockID,
		JobID:        args.JobID,
		DeltaGrams:   ret.Effective,
		Kind:         args.Kind,
		RollsCount:   args.RollsCount,
		PricePerRoll: args.PricePerRoll,
		PriceTotal:   args.PriceTotal,
		HasTray:      args.HasTray,
		TrayDelta:    args.TrayDelta,
		Reason:       args.Reason,
		CreatedAt:    ts,
		ReversalOfID: args.ReversalOfID,
	})
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	return ret, nil
}

// Adjust applies a manual grams adjustment to a stock.
func Adjust(ctx context.Context, s store.Store, stockID uuid.UUID, delta float64, reason string) (Applied, error) {
	return ApplyStockDelta(ctx, s, DeltaArgs{
		StockID: stockID,
		Delta:   delta,
		Kind:    store.KindAdjustment,
		Reason:  reason,
	})
}

// Reverse voids a ledger row and applies the compensating delta.
//
// Idempotent: if the row already has a reversal, its id is returned without
// further effect. Reversing a positive row is rejected with
// InsufficientBalanceError when the stock no longer holds enough grams to
// cover the refund.
func Reverse(ctx context.Context, s store.Store, ledgerID int64, reason string) (int64, error) {
	if existing, err := s.Ledger().FindReversalOf(ctx, ledgerID); err != nil {
		return 0, skerr.Wrap(err)
	} else if existing != nil {
		return existing.ID, nil
	}
	original, err := s.Ledger().Get(ctx, ledgerID)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	if original.StockID == nil {
		return 0, skerr.Fmt("ledger row %d is tray-only and cannot be reversed", ledgerID)
	}
	if original.DeltaGrams > 0 {
		stock, err := s.Stocks().Get(ctx, *original.StockID)
		if err != nil {
			return 0, skerr.Wrap(err)
		}
		if stock.RemainingGrams < original.DeltaGrams {
			return 0, InsufficientBalanceError{
				LedgerID:  ledgerID,
				Remaining: stock.RemainingGrams,
				Refund:    original.DeltaGrams,
			}
		}
	}
	ts := now.Now(ctx).UTC()
	if err := s.Ledger().MarkVoided(ctx, ledgerID, ts, reason); err != nil {
		return 0, skerr.Wrap(err)
	}
	applied, err := ApplyStockDelta(ctx, s, DeltaArgs{
		StockID:      *original.StockID,
		Delta:        -original.DeltaGrams,
		Kind:         store.KindReversal,
		Reason:       reason,
		JobID:        original.JobID,
		ReversalOfID: &ledgerID,
	})
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return applied.LedgerID, nil
}

// PurchaseArgs describe one recorded purchase.
type PurchaseArgs struct {
	Material        string
	Color           string
	Brand           string
	RollsCount      int
	RollWeightGrams float64
	PricePerRoll    *float64
	PriceTotal      *float64
	// HasTray marks spools that come on a reusable tray; each such roll
	// contributes +1 to the global tray total.
	HasTray bool
	Reason  string
}

// RecordPurchase finds or creates the stock for the purchase key and books
// the purchased grams with pricing attached.
//
// When both a per-roll price and a total are given they must agree within
// one cent, otherwise PricingConflictError is returned. A missing side is
// derived from the present one.
func RecordPurchase(ctx context.Context, s store.Store, args PurchaseArgs) (Applied, error) {
	var ret Applied
	if args.RollsCount <= 0 {
		return ret, skerr.Fmt("rolls_count must be positive, got %d", args.RollsCount)
	}
	if args.RollWeightGrams <= 0 {
		return ret, skerr.Fmt("roll_weight_grams must be positive, got %f", args.RollWeightGrams)
	}
	perRoll, total, err := derivePrices(args.RollsCount, args.PricePerRoll, args.PriceTotal)
	if err != nil {
		return ret, err
	}

	stock, err := s.Stocks().FindActive(ctx, args.Material, args.Color, args.Brand)
	if err != nil {
		return ret, skerr.Wrap(err)
	}
	var stockID uuid.UUID
	if stock == nil {
		ts := now.Now(ctx).UTC()
		stockID, err = s.Stocks().Insert(ctx, store.MaterialStock{
			Material:        args.Material,
			Color:           args.Color,
			Brand:           args.Brand,
			RollWeightGrams: args.RollWeightGrams,
			RemainingGrams:  0,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		})
		if err != nil {
			return ret, skerr.Wrap(err)
		}
	} else {
		stockID = stock.ID
	}

	trayDelta := 0
	if args.HasTray {
		trayDelta = args.RollsCount
	}
	rolls := args.RollsCount
	return ApplyStockDelta(ctx, s, DeltaArgs{
		StockID:      stockID,
		Delta:        float64(args.RollsCount) * args.RollWeightGrams,
		Kind:         store.KindPurchase,
		Reason:       args.Reason,
		RollsCount:   &rolls,
		PricePerRoll: perRoll,
		PriceTotal:   total,
		HasTray:      args.HasTray,
		TrayDelta:    trayDelta,
	})
}

// derivePrices fills in the missing one of (per-roll, total) and rejects
// inconsistent pairs.
func derivePrices(rollsCount int, perRoll, total *float64) (*float64, *float64, error) {
	switch {
	case perRoll != nil && total != nil:
		expected := *perRoll * float64(rollsCount)
		if math.Abs(expected-*total) > priceTolerance {
			return nil, nil, PricingConflictError{Observed: *total, Expected: expected}
		}
		return perRoll, total, nil
	case perRoll != nil:
		t := round2(*perRoll * float64(rollsCount))
		return perRoll, &t, nil
	case total != nil:
		p := round2(*total / float64(rollsCount))
		return &p, total, nil
	default:
		return nil, nil, nil
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DiscardTrays books the return or disposal of count empty trays as a
// tray-only ledger row. Rejected when it would drive the global tray total
// negative.
func DiscardTrays(ctx context.Context, s store.Store, count int, reason string) (int64, error) {
	if count <= 0 {
		return 0, skerr.Fmt("count must be positive, got %d", count)
	}
	if err := checkTrayTotal(ctx, s, -count); err != nil {
		return 0, err
	}
	id, err := s.Ledger().Insert(ctx, store.MaterialLedger{
		DeltaGrams: 0,
		Kind:       store.KindTrayDiscard,
		HasTray:    true,
		TrayDelta:  -count,
		Reason:     reason,
		CreatedAt:  now.Now(ctx).UTC(),
	})
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return id, nil
}

func checkTrayTotal(ctx context.Context, s store.Store, delta int) error {
	total, err := s.Ledger().SumTrayDelta(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	if total+delta < 0 {
		return TrayNegativeError{CurrentTotal: total, AttemptedDelta: delta}
	}
	return nil
}

// ArchiveStock soft-deletes a stock. Archiving an already-archived stock is
// a no-op.
func ArchiveStock(ctx context.Context, s store.Store, stockID uuid.UUID) error {
	stock, err := s.Stocks().Get(ctx, stockID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if stock.IsArchived {
		return nil
	}
	ts := now.Now(ctx).UTC()
	stock.IsArchived = true
	stock.ArchivedAt = &ts
	stock.UpdatedAt = ts
	return skerr.Wrap(s.Stocks().Update(ctx, stock))
}

// RenameStock changes a stock's (material, color, brand) key.
//
// When the target key is held by another active stock the rename fails with
// StockKeyConflictError unless merge is set, in which case the remaining
// grams move to the existing stock (as merge_out/merge_in ledger rows) and
// the source is archived. Merging conserves total grams.
func RenameStock(ctx context.Context, s store.Store, stockID uuid.UUID, material, color, brand string, merge bool) error {
	stock, err := s.Stocks().Get(ctx, stockID)
	if err != nil {
		return skerr.Wrap(err)
	}
	existing, err := s.Stocks().FindActive(ctx, material, color, brand)
	if err != nil {
		return skerr.Wrap(err)
	}
	if existing == nil || existing.ID == stockID {
		stock.Material = material
		stock.Color = color
		stock.Brand = brand
		stock.UpdatedAt = now.Now(ctx).UTC()
		return skerr.Wrap(s.Stocks().Update(ctx, stock))
	}
	if !merge {
		return StockKeyConflictError{
			ExistingID: existing.ID,
			Material:   material,
			Color:      color,
			Brand:      brand,
		}
	}

	moved := stock.RemainingGrams
	reason := fmt.Sprintf("merge stock=%s into stock=%s", stock.ID, existing.ID)
	if moved > 0 {
		if _, err := ApplyStockDelta(ctx, s, DeltaArgs{
			StockID: stock.ID,
			Delta:   -moved,
			Kind:    store.KindMergeOut,
			Reason:  reason,
		}); err != nil {
			return skerr.Wrap(err)
		}
		if _, err := ApplyStockDelta(ctx, s, DeltaArgs{
			StockID: existing.ID,
			Delta:   moved,
			Kind:    store.KindMergeIn,
			Reason:  reason,
		}); err != nil {
			return skerr.Wrap(err)
		}
	}
	return skerr.Wrap(ArchiveStock(ctx, s, stock.ID))
}

// AddManualConsumption books an operator-entered consumption against a
// stock, clamped to the available balance.
func AddManualConsumption(ctx context.Context, s store.Store, stockID uuid.UUID, jobID *uuid.UUID, grams float64, reason string) (uuid.UUID, error) {
	if grams <= 0 {
		return uuid.Nil, skerr.Fmt("grams must be positive, got %f", grams)
	}
	applied, err := ApplyStockDelta(ctx, s, DeltaArgs{
		StockID: stockID,
		Delta:   -grams,
		Kind:    store.KindConsumption,
		Reason:  reason,
		JobID:   jobID,
	})
	if err != nil {
		return uuid.Nil, skerr.Wrap(err)
	}
	sid := stockID
	id, _, err := s.Consumptions().Insert(ctx, store.ConsumptionRecord{
		JobID:          jobID,
		StockID:        &sid,
		Grams:          -applied.Effective,
		GramsRequested: grams,
		GramsEffective: -applied.Effective,
		Source:         store.SourceManual,
		Confidence:     store.ConfidenceHigh,
		CreatedAt:      now.Now(ctx).UTC(),
	})
	if err != nil {
		return uuid.Nil, skerr.Wrap(err)
	}
	return id, nil
}

// VoidManualConsumption voids a consumption record and refunds its grams.
// Idempotent: voiding an already-voided record has no further effect.
func VoidManualConsumption(ctx context.Context, s store.Store, consumptionID uuid.UUID, reason string) error {
	rec, err := s.Consumptions().Get(ctx, consumptionID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if rec.VoidedAt != nil {
		return nil
	}
	if rec.StockID == nil {
		return skerr.Fmt("consumption %s has no stock to refund", consumptionID)
	}
	ts := now.Now(ctx).UTC()
	if err := s.Consumptions().MarkVoided(ctx, consumptionID, ts, reason); err != nil {
		return skerr.Wrap(err)
	}
	_, err = ApplyStockDelta(ctx, s, DeltaArgs{
		StockID: *rec.StockID,
		Delta:   rec.GramsEffective,
		Kind:    store.KindReversal,
		Reason:  fmt.Sprintf("void consumption=%s: %s", consumptionID, reason),
		JobID:   rec.JobID,
	})
	return skerr.Wrap(err)
}
