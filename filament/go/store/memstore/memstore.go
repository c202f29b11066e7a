// Package memstore is an in-memory implementation of store.Store.
//
// It backs the engine's tests and is also handy for dry runs. Writes are
// serialized by a single mutex; Transact snapshots the state up front and
// restores it when the callback fails, which mirrors the rollback behavior
// of the SQL implementation closely enough for the engine's invariants.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/skerr"
)

type state struct {
	printers     map[uuid.UUID]store.Printer
	rawEvents    []store.RawEvent
	normEvents   []store.NormalizedEvent
	normByID     map[string]bool
	jobs         map[uuid.UUID]store.PrintJob
	stocks       map[uuid.UUID]store.MaterialStock
	ledger       []store.MaterialLedger
	consumptions map[uuid.UUID]store.ConsumptionRecord
	colors       map[string]store.AmsColorMapping

	nextRawID    int64
	nextNormID   int64
	nextLedgerID int64
}

func newState() *state {
	return &state{
		printers:     map[uuid.UUID]store.Printer{},
		normByID:     map[string]bool{},
		jobs:         map[uuid.UUID]store.PrintJob{},
		stocks:       map[uuid.UUID]store.MaterialStock{},
		consumptions: map[uuid.UUID]store.ConsumptionRecord{},
		colors:       map[string]store.AmsColorMapping{},
		nextRawID:    1,
		nextNormID:   1,
		nextLedgerID: 1,
	}
}

func (s *state) clone() *state {
	ret := newState()
	for k, v := range s.printers {
		ret.printers[k] = v
	}
	ret.rawEvents = append([]store.RawEvent(nil), s.rawEvents...)
	ret.normEvents = append([]store.NormalizedEvent(nil), s.normEvents...)
	for k, v := range s.normByID {
		ret.normByID[k] = v
	}
	for k, v := range s.jobs {
		v.Snapshot = v.Snapshot.Clone()
		ret.jobs[k] = v
	}
	for k, v := range s.stocks {
		ret.stocks[k] = v
	}
	ret.ledger = append([]store.MaterialLedger(nil), s.ledger...)
	for k, v := range s.consumptions {
		ret.consumptions[k] = v
	}
	for k, v := range s.colors {
		ret.colors[k] = v
	}
	ret.nextRawID = s.nextRawID
	ret.nextNormID = s.nextNormID
	ret.nextLedgerID = s.nextLedgerID
	return ret
}

// Store implements store.Store in memory.
type Store struct {
	mtx sync.Mutex
	s   *state
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{s: newState()}
}

// Printers implements store.Store.
func (m *Store) Printers() store.PrinterStore { return (*printers)(m) }

// Events implements store.Store.
func (m *Store) Events() store.EventStore { return (*events)(m) }

// Jobs implements store.Store.
func (m *Store) Jobs() store.JobStore { return (*jobs)(m) }

// Stocks implements store.Store.
func (m *Store) Stocks() store.StockStore { return (*stocks)(m) }

// Ledger implements store.Store.
func (m *Store) Ledger() store.LedgerStore { return (*ledger)(m) }

// Consumptions implements store.Store.
func (m *Store) Consumptions() store.ConsumptionStore { return (*consumptions)(m) }

// Colors implements store.Store.
func (m *Store) Colors() store.ColorStore { return (*colors)(m) }

// Transact implements store.Store.
func (m *Store) Transact(ctx context.Context, f func(ctx context.Context, txn store.Store) error) error {
	m.mtx.Lock()
	before := m.s.clone()
	m.mtx.Unlock()
	if err := f(ctx, m); err != nil {
		m.mtx.Lock()
		m.s = before
		m.mtx.Unlock()
		return err
	}
	return nil
}

// AddPrinter seeds a printer, for tests.
func (m *Store) AddPrinter(p store.Printer) store.Printer {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = store.PrinterStatusUnknown
	}
	m.s.printers[p.ID] = p
	return p
}

// AddStock seeds a stock, for tests.
func (m *Store) AddStock(s store.MaterialStock) store.MaterialStock {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.RollWeightGrams == 0 {
		s.RollWeightGrams = 1000
	}
	m.s.stocks[s.ID] = s
	return s
}

type printers Store

func (p *printers) List(ctx context.Context) ([]store.Printer, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ret := make([]store.Printer, 0, len(p.s.printers))
	for _, v := range p.s.printers {
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Serial < ret[j].Serial })
	return ret, nil
}

func (p *printers) Get(ctx context.Context, id uuid.UUID) (store.Printer, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ret, ok := p.s.printers[id]
	if !ok {
		return ret, skerr.Wrapf(store.ErrNotFound, "printer %s", id)
	}
	return ret, nil
}

func (p *printers) TouchOnline(ctx context.Context, id uuid.UUID, at time.Time) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	cur, ok := p.s.printers[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "printer %s", id)
	}
	cur.Status = store.PrinterStatusOnline
	cur.LastSeen = &at
	p.s.printers[id] = cur
	return nil
}

func (p *printers) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	cur, ok := p.s.printers[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "printer %s", id)
	}
	cur.Status = status
	p.s.printers[id] = cur
	return nil
}

type events Store

func (e *events) InsertRaw(ctx context.Context, ev store.RawEvent) (int64, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ev.ID = e.s.nextRawID
	e.s.nextRawID++
	e.s.rawEvents = append(e.s.rawEvents, ev)
	return ev.ID, nil
}

func (e *events) InsertNormalized(ctx context.Context, ev store.NormalizedEvent) (int64, bool, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.s.normByID[ev.EventID] {
		return 0, false, nil
	}
	ev.ID = e.s.nextNormID
	e.s.nextNormID++
	e.s.normByID[ev.EventID] = true
	e.s.normEvents = append(e.s.normEvents, ev)
	return ev.ID, true, nil
}

func (e *events) LastForPrinter(ctx context.Context, printerID uuid.UUID) (*store.NormalizedEvent, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for i := len(e.s.normEvents) - 1; i >= 0; i-- {
		if e.s.normEvents[i].PrinterID == printerID {
			ret := e.s.normEvents[i]
			return &ret, nil
		}
	}
	return nil, nil
}

func (e *events) ListAfter(ctx context.Context, afterID int64, limit int) ([]store.NormalizedEvent, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ret := []store.NormalizedEvent{}
	for _, ev := range e.s.normEvents {
		if ev.ID > afterID {
			ret = append(ret, ev)
			if len(ret) == limit {
				break
			}
		}
	}
	return ret, nil
}

func (e *events) ListRecentForPrinter(ctx context.Context, printerID uuid.UUID, limit int) ([]store.NormalizedEvent, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ret := []store.NormalizedEvent{}
	for i := len(e.s.normEvents) - 1; i >= 0 && len(ret) < limit; i-- {
		if e.s.normEvents[i].PrinterID == printerID {
			ret = append(ret, e.s.normEvents[i])
		}
	}
	return ret, nil
}

type jobs Store

func (j *jobs) Get(ctx context.Context, id uuid.UUID) (store.PrintJob, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	ret, ok := j.s.jobs[id]
	if !ok {
		return ret, skerr.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return ret, nil
}

func (j *jobs) GetByJobKey(ctx context.Context, printerID uuid.UUID, jobKey string) (*store.PrintJob, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	for _, job := range j.s.jobs {
		if job.PrinterID == printerID && job.JobKey != nil && *job.JobKey == jobKey {
			ret := job
			return &ret, nil
		}
	}
	return nil, nil
}

func (j *jobs) Insert(ctx context.Context, job store.PrintJob) (uuid.UUID, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if job.JobKey != nil {
		for _, existing := range j.s.jobs {
			if existing.PrinterID == job.PrinterID && existing.JobKey != nil && *existing.JobKey == *job.JobKey {
				return uuid.Nil, skerr.Fmt("job with key %q already exists on printer %s", *job.JobKey, job.PrinterID)
			}
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	j.s.jobs[job.ID] = job
	return job.ID, nil
}

func (j *jobs) Update(ctx context.Context, job store.PrintJob) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if _, ok := j.s.jobs[job.ID]; !ok {
		return skerr.Wrapf(store.ErrNotFound, "job %s", job.ID)
	}
	j.s.jobs[job.ID] = job
	return nil
}

func (j *jobs) ListRunningSince(ctx context.Context, printerID uuid.UUID, since time.Time) ([]store.PrintJob, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	ret := []store.PrintJob{}
	for _, job := range j.s.jobs {
		if job.PrinterID != printerID || job.Status != store.JobStatusRunning {
			continue
		}
		if job.StartedAt != nil && job.StartedAt.Before(since) {
			continue
		}
		ret = append(ret, job)
	}
	sort.Slice(ret, func(i, k int) bool { return ret[i].CreatedAt.Before(ret[k].CreatedAt) })
	return ret, nil
}

type stocks Store

func (s *stocks) Get(ctx context.Context, id uuid.UUID) (store.MaterialStock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret, ok := s.s.stocks[id]
	if !ok {
		return ret, skerr.Wrapf(store.ErrNotFound, "stock %s", id)
	}
	return ret, nil
}

func (s *stocks) List(ctx context.Context, includeArchived bool) ([]store.MaterialStock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret := []store.MaterialStock{}
	for _, v := range s.s.stocks {
		if !includeArchived && v.IsArchived {
			continue
		}
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret, nil
}

func (s *stocks) FindActive(ctx context.Context, material, color, brand string) (*store.MaterialStock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, v := range s.s.stocks {
		if !v.IsArchived && v.Material == material && v.Color == color && v.Brand == brand {
			ret := v
			return &ret, nil
		}
	}
	return nil, nil
}

func (s *stocks) ListActiveByMaterialColor(ctx context.Context, material, color string) ([]store.MaterialStock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ret := []store.MaterialStock{}
	for _, v := range s.s.stocks {
		if !v.IsArchived && v.Material == material && v.Color == color {
			ret = append(ret, v)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Brand < ret[j].Brand })
	return ret, nil
}

func (s *stocks) Insert(ctx context.Context, stock store.MaterialStock) (uuid.UUID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !stock.IsArchived {
		for _, v := range s.s.stocks {
			if !v.IsArchived && v.Material == stock.Material && v.Color == stock.Color && v.Brand == stock.Brand {
				return uuid.Nil, skerr.Fmt("active stock (%s, %s, %s) already exists", stock.Material, stock.Color, stock.Brand)
			}
		}
	}
	if stock.ID == uuid.Nil {
		stock.ID = uuid.New()
	}
	s.s.stocks[stock.ID] = stock
	return stock.ID, nil
}

func (s *stocks) Update(ctx context.Context, stock store.MaterialStock) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.s.stocks[stock.ID]; !ok {
		return skerr.Wrapf(store.ErrNotFound, "stock %s", stock.ID)
	}
	s.s.stocks[stock.ID] = stock
	return nil
}

type ledger Store

func (l *ledger) Insert(ctx context.Context, row store.MaterialLedger) (int64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if row.ReversalOfID != nil {
		for _, existing := range l.s.ledger {
			if existing.ReversalOfID != nil && *existing.ReversalOfID == *row.ReversalOfID {
				return 0, skerr.Fmt("ledger row %d already has a reversal", *row.ReversalOfID)
			}
		}
	}
	row.ID = l.s.nextLedgerID
	l.s.nextLedgerID++
	l.s.ledger = append(l.s.ledger, row)
	return row.ID, nil
}

func (l *ledger) Get(ctx context.Context, id int64) (store.MaterialLedger, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, row := range l.s.ledger {
		if row.ID == id {
			return row, nil
		}
	}
	return store.MaterialLedger{}, skerr.Wrapf(store.ErrNotFound, "ledger row %d", id)
}

func (l *ledger) MarkVoided(ctx context.Context, id int64, at time.Time, reason string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for i, row := range l.s.ledger {
		if row.ID == id {
			l.s.ledger[i].VoidedAt = &at
			l.s.ledger[i].VoidReason = &reason
			return nil
		}
	}
	return skerr.Wrapf(store.ErrNotFound, "ledger row %d", id)
}

func (l *ledger) FindReversalOf(ctx context.Context, originalID int64) (*store.MaterialLedger, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, row := range l.s.ledger {
		if row.ReversalOfID != nil && *row.ReversalOfID == originalID {
			ret := row
			return &ret, nil
		}
	}
	return nil, nil
}

func (l *ledger) ExistsForJob(ctx context.Context, jobID uuid.UUID, kind string, reasonContains string) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, row := range l.s.ledger {
		if row.JobID == nil || *row.JobID != jobID || row.Kind != kind {
			continue
		}
		if reasonContains != "" && !strings.Contains(row.Reason, reasonContains) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (l *ledger) ListByStock(ctx context.Context, stockID uuid.UUID) ([]store.MaterialLedger, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	ret := []store.MaterialLedger{}
	for _, row := range l.s.ledger {
		if row.StockID != nil && *row.StockID == stockID {
			ret = append(ret, row)
		}
	}
	return ret, nil
}

func (l *ledger) SumTrayDelta(ctx context.Context) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	sum := 0
	for _, row := range l.s.ledger {
		sum += row.TrayDelta
	}
	return sum, nil
}

type consumptions Store

func (c *consumptions) Insert(ctx context.Context, rec store.ConsumptionRecord) (uuid.UUID, bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if rec.JobID != nil && rec.TrayID != nil && rec.SegmentIdx != nil {
		for _, existing := range c.s.consumptions {
			if existing.JobID != nil && *existing.JobID == *rec.JobID &&
				existing.TrayID != nil && *existing.TrayID == *rec.TrayID &&
				existing.SegmentIdx != nil && *existing.SegmentIdx == *rec.SegmentIdx {
				return existing.ID, false, nil
			}
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	c.s.consumptions[rec.ID] = rec
	return rec.ID, true, nil
}

func (c *consumptions) Get(ctx context.Context, id uuid.UUID) (store.ConsumptionRecord, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ret, ok := c.s.consumptions[id]
	if !ok {
		return ret, skerr.Wrapf(store.ErrNotFound, "consumption %s", id)
	}
	return ret, nil
}

func (c *consumptions) ExistsSegment(ctx context.Context, jobID uuid.UUID, trayID, segmentIdx int) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, existing := range c.s.consumptions {
		if existing.JobID != nil && *existing.JobID == jobID &&
			existing.TrayID != nil && *existing.TrayID == trayID &&
			existing.SegmentIdx != nil && *existing.SegmentIdx == segmentIdx {
			return true, nil
		}
	}
	return false, nil
}

func (c *consumptions) ListByJob(ctx context.Context, jobID uuid.UUID) ([]store.ConsumptionRecord, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ret := []store.ConsumptionRecord{}
	for _, rec := range c.s.consumptions {
		if rec.JobID != nil && *rec.JobID == jobID {
			ret = append(ret, rec)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret, nil
}

func (c *consumptions) ListByStock(ctx context.Context, stockID uuid.UUID) ([]store.ConsumptionRecord, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ret := []store.ConsumptionRecord{}
	for _, rec := range c.s.consumptions {
		if rec.StockID != nil && *rec.StockID == stockID {
			ret = append(ret, rec)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret, nil
}

func (c *consumptions) MarkVoided(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rec, ok := c.s.consumptions[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "consumption %s", id)
	}
	rec.VoidedAt = &at
	rec.VoidReason = &reason
	c.s.consumptions[id] = rec
	return nil
}

type colors Store

func (c *colors) NameForHex(ctx context.Context, colorHex string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if m, ok := c.s.colors[colorHex]; ok {
		return m.ColorName, nil
	}
	return "", nil
}

func (c *colors) Insert(ctx context.Context, m store.AmsColorMapping) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if existing, ok := c.s.colors[m.ColorHex]; ok {
		if existing.ColorName != m.ColorName {
			return skerr.Fmt("color %s is already mapped to %q", m.ColorHex, existing.ColorName)
		}
		return nil
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	c.s.colors[m.ColorHex] = m
	return nil
}
