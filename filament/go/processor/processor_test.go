package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.filafarm.org/infra/filament/go/config"
	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/filament/go/store/memstore"
)

func newTestProcessor(m *memstore.Store) *Processor {
	return New(m, nil, config.EngineConfig{
		PollInterval: time.Second,
		BatchSize:    100,
	})
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	m       *memstore.Store
	p       *Processor
	printer store.Printer
	seq     int
}

func newHarness(t *testing.T) *harness {
	m := memstore.New()
	return &harness{
		t:       t,
		ctx:     context.Background(),
		m:       m,
		p:       newTestProcessor(m),
		printer: m.AddPrinter(store.Printer{Serial: "01S1", IP: "10.0.0.5"}),
	}
}

// send appends a normalized event the way the ingest path would and runs
// the processor over it.
func (h *harness) send(d normalize.EventData) {
	h.seq++
	prev, err := h.m.Events().LastForPrinter(h.ctx, h.printer.ID)
	require.NoError(h.t, err)
	prevState := ""
	if prev != nil {
		prevState = prev.Data.GcodeState
	}
	_, inserted, err := h.m.Events().InsertNormalized(h.ctx, store.NormalizedEvent{
		EventID:    fmt.Sprintf("ev-%d", h.seq),
		PrinterID:  h.printer.ID,
		Type:       normalize.DeriveEventType(prevState, d.GcodeState),
		OccurredAt: time.Date(2025, time.June, 1, 12, 0, h.seq, 0, time.UTC),
		Data:       d,
	})
	require.NoError(h.t, err)
	require.True(h.t, inserted)
	_, err = h.p.ProcessBatch(h.ctx)
	require.NoError(h.t, err)
}

func (h *harness) mapColor(hex, name string) {
	require.NoError(h.t, h.m.Colors().Insert(h.ctx, store.AmsColorMapping{ColorHex: hex, ColorName: name}))
}

func (h *harness) stockRemaining(id uuid.UUID) float64 {
	s, err := h.m.Stocks().Get(h.ctx, id)
	require.NoError(h.t, err)
	return s.RemainingGrams
}

func (h *harness) job(taskID string) store.PrintJob {
	job, err := h.m.Jobs().GetByJobKey(h.ctx, h.printer.ID, h.printer.ID.String()+":"+taskID)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return *job
}

func (h *harness) ledgerDeltas(stockID uuid.UUID) map[string]float64 {
	rows, err := h.m.Ledger().ListByStock(h.ctx, stockID)
	require.NoError(h.t, err)
	ret := map[string]float64{}
	for _, row := range rows {
		ret[row.Kind] += row.DeltaGrams
	}
	return ret
}

func officialTray(id int, material, hex string) normalize.Tray {
	return normalize.Tray{ID: id, Type: material, ColorHex: hex, TagUID: "A1B2C3"}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestProcessor_ReserveThenEnd_SettlesAgainstStock(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 2000,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		GcodeFile:  "benchy.gcode.3mf",
		Progress:   intPtr(1),
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
	})
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(5),
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), Type: "PLA", TotalG: floatPtr(120)}},
	})
	require.Equal(t, 1880.0, h.stockRemaining(stock.ID))

	job := h.job("t1")
	require.Equal(t, store.JobStatusRunning, job.Status)
	require.NotNil(t, job.Snapshot.ReservedAt)
	require.Equal(t, 120.0, job.Snapshot.ReservedByTray[0])

	h.send(normalize.EventData{GcodeState: normalize.StateFinish, TaskID: "t1"})

	require.Equal(t, 1880.0, h.stockRemaining(stock.ID))
	deltas := h.ledgerDeltas(stock.ID)
	require.Equal(t, -120.0, deltas[store.KindReservation])
	require.Equal(t, 120.0, deltas[store.KindReservationRelease])
	require.Equal(t, -120.0, deltas[store.KindConsumption])

	job = h.job("t1")
	require.Equal(t, store.JobStatusEnded, job.Status)
	require.NotNil(t, job.Snapshot.SettledAt)
	recs, err := h.m.Consumptions().ListByJob(h.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 120.0, recs[0].Grams)
	require.Equal(t, store.SourceReserved, recs[0].Source)
}

func TestProcessor_TerminalReplay_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 2000,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(120)}},
	})
	h.send(normalize.EventData{GcodeState: normalize.StateFinish, TaskID: "t1"})
	require.Equal(t, 1880.0, h.stockRemaining(stock.ID))

	// A restart replays everything from the first event.
	replay := newTestProcessor(h.m)
	n, err := replay.ProcessBatch(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, 1880.0, h.stockRemaining(stock.ID))
	recs, err := h.m.Consumptions().ListByJob(h.ctx, h.job("t1").ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestProcessor_CancelledJob_PartialRefund(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 2000,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(1),
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(100)}},
	})
	require.Equal(t, 1900.0, h.stockRemaining(stock.ID))

	h.send(normalize.EventData{GcodeState: normalize.StateRunning, TaskID: "t1", Progress: intPtr(30)})
	h.send(normalize.EventData{GcodeState: normalize.StateCanceled, TaskID: "t1"})

	// 30% of the 100 g reservation is consumed, the rest comes back.
	require.Equal(t, 1970.0, h.stockRemaining(stock.ID))
	deltas := h.ledgerDeltas(stock.ID)
	require.Equal(t, -100.0, deltas[store.KindReservation])
	require.Equal(t, 30.0, deltas[store.KindReservationRelease])
	require.Equal(t, 70.0, deltas[store.KindCancelRefund])
	require.Equal(t, -30.0, deltas[store.KindConsumption])

	job := h.job("t1")
	require.Equal(t, store.JobStatusCancelled, job.Status)
	recs, err := h.m.Consumptions().ListByJob(h.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 30.0, recs[0].Grams)
}

func TestProcessor_StrictSingleFilament_FallsBackToActiveTray(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 500,
	})

	// Two PLA trays make the (type, color) match ambiguous, so only the
	// active tray can carry the single filament entry.
	trays := []normalize.Tray{
		officialTray(0, "PLA", "#000000"),
		officialTray(1, "PLA", "#FFFFFF"),
	}
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(1),
		AmsTrays:   trays,
	})
	h.send(normalize.EventData{
		GcodeState:               normalize.StateFinish,
		TaskID:                   "t1",
		Filaments:                []normalize.Filament{{Type: "PLA", UsedG: floatPtr(60)}},
		FilamentStrictNoFallback: true,
	})

	require.Equal(t, 440.0, h.stockRemaining(stock.ID))
	recs, err := h.m.Consumptions().ListByJob(h.ctx, h.job("t1").ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, *recs[0].TrayID)
	require.Equal(t, 60.0, recs[0].Grams)
}

func TestProcessor_AmbiguousTray_PendingThenResolved(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FF0000", "红色")
	// Two third-party stocks share (PLA, 红色): the tray cannot bind.
	h.m.AddStock(store.MaterialStock{Material: "PLA", Color: "红色", Brand: "brandA", RemainingGrams: 800})
	stockB := h.m.AddStock(store.MaterialStock{Material: "PLA", Color: "红色", Brand: "brandB", RemainingGrams: 600})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{{ID: 0, Type: "PLA", ColorHex: "#FF0000"}},
	})
	h.send(normalize.EventData{
		GcodeState: normalize.StateFinish,
		TaskID:     "t1",
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), UsedG: floatPtr(80)}},
	})

	job := h.job("t1")
	require.NotNil(t, job.Snapshot.SettledAt)
	require.Equal(t, []int{0}, job.Snapshot.PendingTrays)
	require.Len(t, job.Snapshot.PendingConsumptions, 1)
	require.Equal(t, 80.0, job.Snapshot.PendingConsumptions[0].GramsRequested)
	// Neither stock was touched.
	require.Equal(t, 600.0, h.stockRemaining(stockB.ID))

	require.NoError(t, ResolvePending(h.ctx, h.m, job.ID, map[int]uuid.UUID{0: stockB.ID}))
	require.Equal(t, 520.0, h.stockRemaining(stockB.ID))

	job = h.job("t1")
	require.Empty(t, job.Snapshot.PendingTrays)
	require.Empty(t, job.Snapshot.PendingConsumptions)

	// Resolving again is a no-op.
	require.NoError(t, ResolvePending(h.ctx, h.m, job.ID, map[int]uuid.UUID{0: stockB.ID}))
	require.Equal(t, 520.0, h.stockRemaining(stockB.ID))
}

func TestProcessor_ReservationClampedToRemaining(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 50,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(120)}},
	})

	require.Equal(t, 0.0, h.stockRemaining(stock.ID))
	job := h.job("t1")
	require.Equal(t, 50.0, job.Snapshot.ReservedByTray[0])
}

func TestProcessor_StubJobSuperseded(t *testing.T) {
	h := newHarness(t)

	// A cold-start frame without task identity but with a start timestamp
	// creates a stub keyed by gcode_start_time.
	h.send(normalize.EventData{
		GcodeState:     normalize.StateRunning,
		GcodeStartTime: "1748779100",
	})
	stub, err := h.m.Jobs().GetByJobKey(h.ctx, h.printer.ID, h.printer.ID.String()+":1748779100:")
	require.NoError(t, err)

	// The task id arrives moments later.
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		GcodeFile:  "benchy.gcode.3mf",
	})

	job := h.job("t1")
	require.Equal(t, store.JobStatusRunning, job.Status)
	if stub != nil {
		got, err := h.m.Jobs().Get(h.ctx, stub.ID)
		require.NoError(t, err)
		require.Equal(t, store.JobStatusEnded, got.Status)
		require.Equal(t, settleErrSuperseded, got.Snapshot.SettleError)
	}
}

func TestProcessor_AmsRemainFallback_WhenCalibrationEnabled(t *testing.T) {
	h := newHarness(t)
	h.p = New(h.m, nil, config.EngineConfig{
		PollInterval:          time.Second,
		BatchSize:             100,
		AMSCalibrationEnabled: true,
	})
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:        "PLA",
		Color:           "白色",
		Brand:           store.OfficialBrand,
		RollWeightGrams: 1000,
		RemainingGrams:  1000,
	})

	tray := func(remain float64) normalize.Tray {
		t := officialTray(0, "PLA", "#FFFFFF")
		t.Remain = &remain
		t.RemainUnit = normalize.RemainUnitPercent
		return t
	}
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{tray(80)},
	})
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(90),
		AmsTrays:   []normalize.Tray{tray(74)},
	})
	h.send(normalize.EventData{GcodeState: normalize.StateFinish, TaskID: "t1"})

	// 6% of a 1 kg roll.
	require.Equal(t, 940.0, h.stockRemaining(stock.ID))
	recs, err := h.m.Consumptions().ListByJob(h.ctx, h.job("t1").ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 60.0, recs[0].Grams)
	require.Equal(t, store.SourceAmsRemain, recs[0].Source)
	require.Equal(t, store.ConfidenceLow, recs[0].Confidence)
}

func TestProcessor_AmsRemainPending_ResolvedAgainstRollWeight(t *testing.T) {
	h := newHarness(t)
	h.p = New(h.m, nil, config.EngineConfig{
		PollInterval:          time.Second,
		BatchSize:             100,
		AMSCalibrationEnabled: true,
	})
	h.mapColor("#FF0000", "红色")
	// Two third-party stocks share (PLA, 红色): the tray cannot bind, so
	// the remain delta has no roll weight to convert against.
	stockA := h.m.AddStock(store.MaterialStock{Material: "PLA", Color: "红色", Brand: "brandA", RollWeightGrams: 1000, RemainingGrams: 900})
	stockB := h.m.AddStock(store.MaterialStock{Material: "PLA", Color: "红色", Brand: "brandB", RemainingGrams: 600})

	tray := func(remain float64) normalize.Tray {
		return normalize.Tray{
			ID:         0,
			Type:       "PLA",
			ColorHex:   "#FF0000",
			Remain:     &remain,
			RemainUnit: normalize.RemainUnitPercent,
		}
	}
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{tray(80)},
	})
	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(50),
		AmsTrays:   []normalize.Tray{tray(72)},
	})
	h.send(normalize.EventData{GcodeState: normalize.StateFinish, TaskID: "t1"})

	// The raw 8% delta is queued with its unit, nothing is booked yet.
	job := h.job("t1")
	require.NotNil(t, job.Snapshot.SettledAt)
	require.Len(t, job.Snapshot.PendingConsumptions, 1)
	pending := job.Snapshot.PendingConsumptions[0]
	require.Equal(t, normalize.RemainUnitPercent, pending.Unit)
	require.Equal(t, 8.0, pending.GramsRequested)
	require.Equal(t, store.SourceAmsRemain, pending.Source)
	require.Equal(t, 900.0, h.stockRemaining(stockA.ID))
	require.Equal(t, 600.0, h.stockRemaining(stockB.ID))

	// 8% of the assigned 1 kg roll.
	require.NoError(t, ResolvePending(h.ctx, h.m, job.ID, map[int]uuid.UUID{0: stockA.ID}))
	require.Equal(t, 820.0, h.stockRemaining(stockA.ID))
	recs, err := h.m.Consumptions().ListByJob(h.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 80.0, recs[0].Grams)
	require.Equal(t, 80.0, recs[0].GramsRequested)
	require.Equal(t, store.SourceAmsRemain, recs[0].Source)

	// Resolving again is a no-op.
	require.NoError(t, ResolvePending(h.ctx, h.m, job.ID, map[int]uuid.UUID{0: stockA.ID}))
	require.Equal(t, 820.0, h.stockRemaining(stockA.ID))
}

func TestProcessor_ReservationReplay_DoesNotClampAgainstDebitedStock(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 100,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(1),
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(100)}},
	})
	require.Equal(t, 0.0, h.stockRemaining(stock.ID))

	// Simulate a snapshot write lost after the ledger commit.
	job := h.job("t1")
	snap := job.Snapshot.Clone()
	snap.ReservedAt = nil
	snap.ReservedByTray = nil
	snap.ReservedStockByTray = nil
	job.Snapshot = snap
	require.NoError(t, h.m.Jobs().Update(h.ctx, job))

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		Progress:   intPtr(50),
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(100)}},
	})

	// The existing ledger row is authoritative: no second booking, and no
	// zero-gram reserve recomputed from the already-debited balance.
	require.Equal(t, 0.0, h.stockRemaining(stock.ID))
	deltas := h.ledgerDeltas(stock.ID)
	require.Equal(t, -100.0, deltas[store.KindReservation])
	job = h.job("t1")
	_, recomputed := job.Snapshot.ReservedByTray[0]
	require.False(t, recomputed)
}

func TestProcessor_KeylessEventAttachesToRunningJob(t *testing.T) {
	h := newHarness(t)
	h.mapColor("#FFFFFF", "白色")
	stock := h.m.AddStock(store.MaterialStock{
		Material:       "PLA",
		Color:          "白色",
		Brand:          store.OfficialBrand,
		RemainingGrams: 1000,
	})

	h.send(normalize.EventData{
		GcodeState: normalize.StateRunning,
		TaskID:     "t1",
		TrayNow:    intPtr(0),
		AmsTrays:   []normalize.Tray{officialTray(0, "PLA", "#FFFFFF")},
		Filaments:  []normalize.Filament{{TrayID: intPtr(0), TotalG: floatPtr(100)}},
	})
	// The terminal report lost all identity fields.
	h.send(normalize.EventData{GcodeState: normalize.StateFinish})

	job := h.job("t1")
	require.Equal(t, store.JobStatusEnded, job.Status)
	require.NotNil(t, job.Snapshot.SettledAt)
	require.Equal(t, 900.0, h.stockRemaining(stock.ID))
}
