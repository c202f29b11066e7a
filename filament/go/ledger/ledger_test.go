package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/filament/go/store/memstore"
	"go.filafarm.org/infra/go/now"
)

func testContext() context.Context {
	return now.TimeTravelingContext(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
}

func newStock(m *memstore.Store, remaining float64) store.MaterialStock {
	return m.AddStock(store.MaterialStock{
		Material:        "PLA",
		Color:           "白色",
		Brand:           store.OfficialBrand,
		RollWeightGrams: 1000,
		RemainingGrams:  remaining,
	})
}

func TestApplyStockDelta_ClampsAtZero(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	stock := newStock(m, 100)

	applied, err := ApplyStockDelta(ctx, m, DeltaArgs{
		StockID: stock.ID,
		Delta:   -150,
		Kind:    store.KindConsumption,
		Reason:  "test draw",
	})
	require.NoError(t, err)
	require.Equal(t, float64(-150), applied.Requested)
	require.Equal(t, float64(-100), applied.Effective)
	require.Equal(t, float64(0), applied.After)

	// The ledger records the effective delta, so a replay reproduces the
	// balance.
	row, err := m.Ledger().Get(ctx, applied.LedgerID)
	require.NoError(t, err)
	require.Equal(t, float64(-100), row.DeltaGrams)

	got, err := m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(0), got.RemainingGrams)
}

func TestApplyStockDelta_LedgerReplayMatchesBalance(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	stock := newStock(m, 0)

	for _, delta := range []float64{1000, -120, -60, 30, -900} {
		_, err := ApplyStockDelta(ctx, m, DeltaArgs{StockID: stock.ID, Delta: delta, Kind: store.KindAdjustment, Reason: "replay"})
		require.NoError(t, err)
	}
	rows, err := m.Ledger().ListByStock(ctx, stock.ID)
	require.NoError(t, err)
	sum := 0.0
	for _, row := range rows {
		sum += row.DeltaGrams
	}
	got, err := m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, got.RemainingGrams, sum)
	require.GreaterOrEqual(t, got.RemainingGrams, 0.0)
}

func TestReverse_AdjustmentRoundTrip(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	stock := newStock(m, 500)

	applied, err := Adjust(ctx, m, stock.ID, 120, "found an extra part-roll")
	require.NoError(t, err)
	got, err := m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(620), got.RemainingGrams)

	reversalID, err := Reverse(ctx, m, applied.LedgerID, "entered twice")
	require.NoError(t, err)

	got, err = m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(500), got.RemainingGrams)

	original, err := m.Ledger().Get(ctx, applied.LedgerID)
	require.NoError(t, err)
	require.NotNil(t, original.VoidedAt)

	reversal, err := m.Ledger().Get(ctx, reversalID)
	require.NoError(t, err)
	require.Equal(t, store.KindReversal, reversal.Kind)
	require.Equal(t, float64(-120), reversal.DeltaGrams)
	require.Equal(t, applied.LedgerID, *reversal.ReversalOfID)

	// Second reverse returns the existing reversal without side effects.
	again, err := Reverse(ctx, m, applied.LedgerID, "entered twice")
	require.NoError(t, err)
	require.Equal(t, reversalID, again)
	got, err = m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(500), got.RemainingGrams)
}

func TestReverse_InsufficientBalance_Rejected(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	stock := newStock(m, 500)

	applied, err := Adjust(ctx, m, stock.ID, 120, "adjustment")
	require.NoError(t, err)

	// Draw the stock below the refund amount.
	_, err = ApplyStockDelta(ctx, m, DeltaArgs{StockID: stock.ID, Delta: -550, Kind: store.KindConsumption, Reason: "big print"})
	require.NoError(t, err)

	_, err = Reverse(ctx, m, applied.LedgerID, "too late")
	require.Error(t, err)
	var ibe InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	require.Equal(t, float64(70), ibe.Remaining)
	require.Equal(t, float64(120), ibe.Refund)

	// The original row is not voided by the failed reverse.
	original, err := m.Ledger().Get(ctx, applied.LedgerID)
	require.NoError(t, err)
	require.Nil(t, original.VoidedAt)
}

func TestRecordPurchase_DerivesMissingPrice(t *testing.T) {
	ctx := testContext()
	m := memstore.New()

	perRoll := 19.90
	applied, err := RecordPurchase(ctx, m, PurchaseArgs{
		Material:        "PETG",
		Color:           "黑色",
		Brand:           "acme",
		RollsCount:      3,
		RollWeightGrams: 1000,
		PricePerRoll:    &perRoll,
		HasTray:         true,
		Reason:          "restock",
	})
	require.NoError(t, err)
	require.Equal(t, float64(3000), applied.Effective)

	row, err := m.Ledger().Get(ctx, applied.LedgerID)
	require.NoError(t, err)
	require.Equal(t, 59.70, *row.PriceTotal)
	require.Equal(t, 3, *row.RollsCount)
	require.True(t, row.HasTray)
	require.Equal(t, 3, row.TrayDelta)

	// The stock was created by the purchase.
	found, err := m.Stocks().FindActive(ctx, "PETG", "黑色", "acme")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, float64(3000), found.RemainingGrams)
}

func TestRecordPurchase_PricingConflict_Rejected(t *testing.T) {
	ctx := testContext()
	m := memstore.New()

	perRoll := 20.0
	total := 65.0
	_, err := RecordPurchase(ctx, m, PurchaseArgs{
		Material:        "PLA",
		Color:           "白色",
		Brand:           store.OfficialBrand,
		RollsCount:      3,
		RollWeightGrams: 1000,
		PricePerRoll:    &perRoll,
		PriceTotal:      &total,
	})
	var pce PricingConflictError
	require.ErrorAs(t, err, &pce)
	require.Equal(t, 65.0, pce.Observed)
	require.Equal(t, 60.0, pce.Expected)

	// One cent of disagreement is tolerated.
	total = 60.01
	_, err = RecordPurchase(ctx, m, PurchaseArgs{
		Material:        "PLA",
		Color:           "白色",
		Brand:           store.OfficialBrand,
		RollsCount:      3,
		RollWeightGrams: 1000,
		PricePerRoll:    &perRoll,
		PriceTotal:      &total,
	})
	require.NoError(t, err)
}

func TestDiscardTrays_GlobalTotalNeverNegative(t *testing.T) {
	ctx := testContext()
	m := memstore.New()

	// No trays purchased yet: discard is rejected.
	_, err := DiscardTrays(ctx, m, 1, "returned tray")
	var tne TrayNegativeError
	require.ErrorAs(t, err, &tne)
	require.Equal(t, 0, tne.CurrentTotal)

	perRoll := 25.0
	_, err = RecordPurchase(ctx, m, PurchaseArgs{
		Material:        "PLA",
		Color:           "白色",
		Brand:           store.OfficialBrand,
		RollsCount:      2,
		RollWeightGrams: 1000,
		PricePerRoll:    &perRoll,
		HasTray:         true,
	})
	require.NoError(t, err)

	_, err = DiscardTrays(ctx, m, 2, "returned trays")
	require.NoError(t, err)
	total, err := m.Ledger().SumTrayDelta(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, total)

	_, err = DiscardTrays(ctx, m, 1, "one too many")
	require.ErrorAs(t, err, &tne)
}

func TestRenameStock_MergeConservesGrams(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	src := m.AddStock(store.MaterialStock{Material: "PLA", Color: "灰色", Brand: "misc", RemainingGrams: 400, RollWeightGrams: 1000})
	dst := m.AddStock(store.MaterialStock{Material: "PLA", Color: "灰色", Brand: "acme", RemainingGrams: 250, RollWeightGrams: 1000})

	// Without merge the occupied key is a conflict.
	err := RenameStock(ctx, m, src.ID, "PLA", "灰色", "acme", false)
	var skc StockKeyConflictError
	require.ErrorAs(t, err, &skc)
	require.Equal(t, dst.ID, skc.ExistingID)

	require.NoError(t, RenameStock(ctx, m, src.ID, "PLA", "灰色", "acme", true))

	gotSrc, err := m.Stocks().Get(ctx, src.ID)
	require.NoError(t, err)
	require.True(t, gotSrc.IsArchived)
	require.Equal(t, float64(0), gotSrc.RemainingGrams)

	gotDst, err := m.Stocks().Get(ctx, dst.ID)
	require.NoError(t, err)
	require.Equal(t, float64(650), gotDst.RemainingGrams)
}

func TestRenameStock_FreeKey_JustRenames(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	src := m.AddStock(store.MaterialStock{Material: "PLA", Color: "灰色", Brand: "misc", RemainingGrams: 400})

	require.NoError(t, RenameStock(ctx, m, src.ID, "PLA", "深灰色", "misc", false))
	got, err := m.Stocks().Get(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, "深灰色", got.Color)
	require.Equal(t, float64(400), got.RemainingGrams)
	require.False(t, got.IsArchived)
}

func TestManualConsumption_AddAndVoid(t *testing.T) {
	ctx := testContext()
	m := memstore.New()
	stock := newStock(m, 500)

	id, err := AddManualConsumption(ctx, m, stock.ID, nil, 80, "calibration cube")
	require.NoError(t, err)
	got, err := m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(420), got.RemainingGrams)

	require.NoError(t, VoidManualConsumption(ctx, m, id, "wrong stock"))
	got, err = m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(500), got.RemainingGrams)

	// Voiding twice does not refund twice.
	require.NoError(t, VoidManualConsumption(ctx, m, id, "wrong stock"))
	got, err = m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(500), got.RemainingGrams)
}

func TestValuate_WeightedAverage(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
	m := memstore.New()

	// 1000 g at $20, then 1000 g at $30: average $0.025/g.
	perRoll := 20.0
	_, err := RecordPurchase(ctx, m, PurchaseArgs{
		Material: "PLA", Color: "白色", Brand: store.OfficialBrand,
		RollsCount: 1, RollWeightGrams: 1000, PricePerRoll: &perRoll,
	})
	require.NoError(t, err)
	stock, err := m.Stocks().FindActive(ctx, "PLA", "白色", store.OfficialBrand)
	require.NoError(t, err)

	ctx.SetTime(now.Now(ctx).Add(time.Hour))
	perRoll = 30.0
	_, err = RecordPurchase(ctx, m, PurchaseArgs{
		Material: "PLA", Color: "白色", Brand: store.OfficialBrand,
		RollsCount: 1, RollWeightGrams: 1000, PricePerRoll: &perRoll,
	})
	require.NoError(t, err)

	ctx.SetTime(now.Now(ctx).Add(time.Hour))
	_, err = AddManualConsumption(ctx, m, stock.ID, nil, 1000, "long print")
	require.NoError(t, err)

	v, err := Valuate(ctx, m, stock.ID)
	require.NoError(t, err)
	require.InDelta(t, 50.0, v.PurchasedValueTotal, 1e-9)
	require.InDelta(t, 25.0, v.ConsumedValueEst, 1e-9)
	require.InDelta(t, 25.0, v.RemainingValueEst, 1e-9)
	require.InDelta(t, 1.0, v.ConsumedRollsEst, 1e-9)
}
