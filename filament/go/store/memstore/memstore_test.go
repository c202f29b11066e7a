package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.filafarm.org/infra/filament/go/store"
)

func TestTransact_CallbackFails_StateRestored(t *testing.T) {
	ctx := context.Background()
	m := New()
	stock := m.AddStock(store.MaterialStock{Material: "PLA", Color: "白色", Brand: store.OfficialBrand, RemainingGrams: 2000})

	err := m.Transact(ctx, func(ctx context.Context, txn store.Store) error {
		s, err := txn.Stocks().Get(ctx, stock.ID)
		require.NoError(t, err)
		s.RemainingGrams = 100
		require.NoError(t, txn.Stocks().Update(ctx, s))
		return context.Canceled
	})
	require.Error(t, err)

	s, err := m.Stocks().Get(ctx, stock.ID)
	require.NoError(t, err)
	require.Equal(t, float64(2000), s.RemainingGrams)
}

func TestInsertNormalized_DuplicateEventID_NotInserted(t *testing.T) {
	ctx := context.Background()
	m := New()
	p := m.AddPrinter(store.Printer{Serial: "01S00A000000001", IP: "10.0.0.5"})

	ev := store.NormalizedEvent{
		EventID:    "abc",
		PrinterID:  p.ID,
		Type:       "PrintProgress",
		OccurredAt: time.Now().UTC(),
	}
	id, inserted, err := m.Events().InsertNormalized(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotZero(t, id)

	_, inserted, err = m.Events().InsertNormalized(ctx, ev)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestConsumptions_SegmentUniqueness(t *testing.T) {
	ctx := context.Background()
	m := New()
	jobID := uuid.New()
	tray := 0
	segment := 0

	rec := store.ConsumptionRecord{
		JobID:          &jobID,
		TrayID:         &tray,
		SegmentIdx:     &segment,
		Grams:          120,
		GramsRequested: 120,
		GramsEffective: 120,
	}
	first, inserted, err := m.Consumptions().Insert(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)

	second, inserted, err := m.Consumptions().Insert(ctx, rec)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first, second)
}

func TestStocks_ActiveKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	m := New()
	m.AddStock(store.MaterialStock{Material: "PLA", Color: "红色", Brand: "acme"})

	_, err := m.Stocks().Insert(ctx, store.MaterialStock{Material: "PLA", Color: "红色", Brand: "acme"})
	require.Error(t, err)

	// An archived row does not block the key.
	_, err = m.Stocks().Insert(ctx, store.MaterialStock{Material: "PLA", Color: "红色", Brand: "acme", IsArchived: true})
	require.NoError(t, err)
}

func TestColors_ImmutableBinding(t *testing.T) {
	ctx := context.Background()
	m := New()

	require.NoError(t, m.Colors().Insert(ctx, store.AmsColorMapping{ColorHex: "#00AE42", ColorName: "绿色"}))
	// Re-inserting the same binding is a no-op.
	require.NoError(t, m.Colors().Insert(ctx, store.AmsColorMapping{ColorHex: "#00AE42", ColorName: "绿色"}))
	// Re-binding to a different name fails.
	require.Error(t, m.Colors().Insert(ctx, store.AmsColorMapping{ColorHex: "#00AE42", ColorName: "蓝色"}))

	name, err := m.Colors().NameForHex(ctx, "#00AE42")
	require.NoError(t, err)
	require.Equal(t, "绿色", name)
}
