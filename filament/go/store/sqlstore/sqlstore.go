// Package sqlstore contains an implementation of ../store.Store backed by
// Postgres.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sql/pool"
	"go.filafarm.org/infra/go/sql/sqlutil"
)

// statement is an SQL statement or fragment of an SQL statement.
type statement int

// All the different statements we need. Each statement will appear in
// Statements.
const (
	printerGet statement = iota
	printerList
	printerTouchOnline
	printerSetStatus
	rawEventInsert
	normEventInsert
	normEventLastForPrinter
	normEventListAfter
	normEventListRecent
	jobGet
	jobGetByKey
	jobInsert
	jobUpdate
	jobListRunningSince
	stockGet
	stockList
	stockFindActive
	stockListByMaterialColor
	stockInsert
	stockUpdate
	ledgerInsert
	ledgerGet
	ledgerMarkVoided
	ledgerFindReversalOf
	ledgerExistsForJob
	ledgerListByStock
	ledgerSumTrayDelta
	consumptionInsert
	consumptionGetBySegment
	consumptionGet
	consumptionExistsSegment
	consumptionListByJob
	consumptionListByStock
	consumptionMarkVoided
	colorNameForHex
	colorInsert
)

const (
	printerColumns     = "id, ip, serial, access_code_sealed, status, last_seen"
	normEventColumns   = "id, event_id, printer_id, type, occurred_at, payload, raw_event_id"
	jobColumns         = "id, printer_id, job_key, file_name, status, started_at, ended_at, snapshot, created_at, updated_at"
	stockColumns       = "id, material, color, brand, roll_weight_grams, remaining_grams, is_archived, archived_at, created_at, updated_at"
	ledgerColumns      = "id, stock_id, job_id, delta_grams, kind, rolls_count, price_per_roll, price_total, has_tray, tray_delta, reason, created_at, voided_at, void_reason, reversal_of_id"
	consumptionColumns = "id, job_id, stock_id, tray_id, segment_idx, grams, grams_requested, grams_effective, source, confidence, created_at, voided_at, void_reason"
)

// Statements are all the SQL statements used in Store.
var Statements = map[statement]string{
	printerGet: `
SELECT ` + printerColumns + `
FROM printers
WHERE id = $1`,
	printerList: `
SELECT ` + printerColumns + `
FROM printers
ORDER BY serial`,
	printerTouchOnline: `
UPDATE printers
SET status = 'online', last_seen = $2, updated_at = $2
WHERE id = $1`,
	printerSetStatus: `
UPDATE printers
SET status = $2, updated_at = now()
WHERE id = $1`,
	rawEventInsert: fmt.Sprintf(`
INSERT INTO raw_events (printer_id, topic, payload, content_hash, received_at)
VALUES %s
RETURNING id`, sqlutil.ValuesPlaceholders(5, 1)),
	normEventInsert: fmt.Sprintf(`
INSERT INTO normalized_events (event_id, printer_id, type, occurred_at, payload, raw_event_id)
VALUES %s
ON CONFLICT (event_id) DO NOTHING
RETURNING id`, sqlutil.ValuesPlaceholders(6, 1)),
	normEventLastForPrinter: `
SELECT ` + normEventColumns + `
FROM normalized_events
WHERE printer_id = $1
ORDER BY id DESC
LIMIT 1`,
	normEventListAfter: `
SELECT ` + normEventColumns + `
FROM normalized_events
WHERE id > $1
ORDER BY id ASC
LIMIT $2`,
	normEventListRecent: `
SELECT ` + normEventColumns + `
FROM normalized_events
WHERE printer_id = $1
ORDER BY id DESC
LIMIT $2`,
	jobGet: `
SELECT ` + jobColumns + `
FROM print_jobs
WHERE id = $1`,
	jobGetByKey: `
SELECT ` + jobColumns + `
FROM print_jobs
WHERE printer_id = $1 AND job_key = $2`,
	jobInsert: fmt.Sprintf(`
INSERT INTO print_jobs (printer_id, job_key, file_name, status, started_at, ended_at, snapshot, created_at, updated_at)
VALUES %s
RETURNING id`, sqlutil.ValuesPlaceholders(9, 1)),
	jobUpdate: `
UPDATE print_jobs
SET job_key = $2, file_name = $3, status = $4, started_at = $5, ended_at = $6, snapshot = $7, updated_at = $8
WHERE id = $1`,
	jobListRunningSince: `
SELECT ` + jobColumns + `
FROM print_jobs
WHERE printer_id = $1
	AND status = 'running'
	AND (started_at IS NULL OR started_at >= $2)`,
	stockGet: `
SELECT ` + stockColumns + `
FROM material_stocks
WHERE id = $1`,
	stockList: `
SELECT ` + stockColumns + `
FROM material_stocks
WHERE $1 OR is_archived = FALSE
ORDER BY material, color, brand`,
	stockFindActive: `
SELECT ` + stockColumns + `
FROM material_stocks
WHERE material = $1 AND color = $2 AND brand = $3 AND is_archived = FALSE`,
	stockListByMaterialColor: `
SELECT ` + stockColumns + `
FROM material_stocks
WHERE material = $1 AND color = $2 AND is_archived = FALSE`,
	stockInsert: fmt.Sprintf(`
INSERT INTO material_stocks (material, color, brand, roll_weight_grams, remaining_grams, is_archived, archived_at, created_at, updated_at)
VALUES %s
RETURNING id`, sqlutil.ValuesPlaceholders(9, 1)),
	stockUpdate: `
UPDATE material_stocks
SET material = $2, color = $3, brand = $4, roll_weight_grams = $5, remaining_grams = $6, is_archived = $7, archived_at = $8, updated_at = $9
WHERE id = $1`,
	ledgerInsert: fmt.Sprintf(`
INSERT INTO material_ledger (stock_id, job_id, delta_grams, kind, rolls_count, price_per_roll, price_total, has_tray, tray_delta, reason, created_at, reversal_of_id)
VALUES %s
RETURNING id`, sqlutil.ValuesPlaceholders(12, 1)),
	ledgerGet: `
SELECT ` + ledgerColumns + `
FROM material_ledger
WHERE id = $1`,
	ledgerMarkVoided: `
UPDATE material_ledger
SET voided_at = $2, void_reason = $3
WHERE id = $1`,
	ledgerFindReversalOf: `
SELECT ` + ledgerColumns + `
FROM material_ledger
WHERE reversal_of_id = $1`,
	ledgerExistsForJob: `
SELECT EXISTS (
	SELECT 1
	FROM material_ledger
	WHERE job_id = $1 AND kind = $2 AND ($3 = '' OR reason LIKE '%' || $3 || '%')
)`,
	ledgerListByStock: `
SELECT ` + ledgerColumns + `
FROM material_ledger
WHERE stock_id = $1
ORDER BY id ASC`,
	ledgerSumTrayDelta: `
SELECT COALESCE(SUM(tray_delta), 0)
FROM material_ledger`,
	consumptionInsert: fmt.Sprintf(`
INSERT INTO consumption_records (job_id, stock_id, tray_id, segment_idx, grams, grams_requested, grams_effective, source, confidence, created_at)
VALUES %s
ON CONFLICT (job_id, tray_id, segment_idx) WHERE tray_id IS NOT NULL AND segment_idx IS NOT NULL DO NOTHING
RETURNING id`, sqlutil.ValuesPlaceholders(10, 1)),
	consumptionGetBySegment: `
SELECT id
FROM consumption_records
WHERE job_id = $1 AND tray_id = $2 AND segment_idx = $3`,
	consumptionGet: `
SELECT ` + consumptionColumns + `
FROM consumption_records
WHERE id = $1`,
	consumptionExistsSegment: `
SELECT EXISTS (
	SELECT 1
	FROM consumption_records
	WHERE job_id = $1 AND tray_id = $2 AND segment_idx = $3
)`,
	consumptionListByJob: `
SELECT ` + consumptionColumns + `
FROM consumption_records
WHERE job_id = $1
ORDER BY created_at ASC`,
	consumptionListByStock: `
SELECT ` + consumptionColumns + `
FROM consumption_records
WHERE stock_id = $1
ORDER BY created_at ASC`,
	consumptionMarkVoided: `
UPDATE consumption_records
SET voided_at = $2, void_reason = $3
WHERE id = $1`,
	colorNameForHex: `
SELECT color_name
FROM ams_color_mappings
WHERE color_hex = $1`,
	colorInsert: `
INSERT INTO ams_color_mappings (color_hex, color_name, created_at)
VALUES ($1, $2, $3)`,
}

// db is the subset of pool.Pool shared by pgx.Tx, so the same query code
// runs both inside and outside transactions.
type db interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store implements ../store.Store.
type Store struct {
	db db

	// pool is nil for transaction-scoped stores, which makes Transact
	// calls within a transaction join it instead of nesting.
	pool pool.Pool
}

// New returns a Store that uses the given Pool.
func New(p pool.Pool) *Store {
	return &Store{db: p, pool: p}
}

// Printers implements store.Store.
func (s *Store) Printers() store.PrinterStore { return (*printers)(s) }

// Events implements store.Store.
func (s *Store) Events() store.EventStore { return (*events)(s) }

// Jobs implements store.Store.
func (s *Store) Jobs() store.JobStore { return (*jobs)(s) }

// Stocks implements store.Store.
func (s *Store) Stocks() store.StockStore { return (*stocks)(s) }

// Ledger implements store.Store.
func (s *Store) Ledger() store.LedgerStore { return (*ledger)(s) }

// Consumptions implements store.Store.
func (s *Store) Consumptions() store.ConsumptionStore { return (*consumptions)(s) }

// Colors implements store.Store.
func (s *Store) Colors() store.ColorStore { return (*colors)(s) }

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, f func(ctx context.Context, txn store.Store) error) error {
	if s.pool == nil {
		return f(ctx, s)
	}
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		return f(ctx, &Store{db: tx})
	})
}

// wrappedError unwraps and re-wraps a pgconn.PgError to give more details
// on the failure.
func wrappedError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return skerr.Wrapf(err, "Code: %s Message: %s", pgErr.Code, pgErr.Message)
	}
	return skerr.Wrap(err)
}

type printers Store

func (s *printers) List(ctx context.Context) ([]store.Printer, error) {
	rows, err := s.db.Query(ctx, Statements[printerList])
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.Printer{}
	for rows.Next() {
		var p store.Printer
		if err := rows.Scan(&p.ID, &p.IP, &p.Serial, &p.AccessCodeSealed, &p.Status, &p.LastSeen); err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, p)
	}
	return ret, wrappedError(rows.Err())
}

func (s *printers) Get(ctx context.Context, id uuid.UUID) (store.Printer, error) {
	var p store.Printer
	err := s.db.QueryRow(ctx, Statements[printerGet], id).Scan(&p.ID, &p.IP, &p.Serial, &p.AccessCodeSealed, &p.Status, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, skerr.Wrapf(store.ErrNotFound, "printer %s", id)
	}
	return p, wrappedError(err)
}

func (s *printers) TouchOnline(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, Statements[printerTouchOnline], id, at)
	return wrappedError(err)
}

func (s *printers) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx, Statements[printerSetStatus], id, status)
	return wrappedError(err)
}

type events Store

func (s *events) InsertRaw(ctx context.Context, e store.RawEvent) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, Statements[rawEventInsert], e.PrinterID, e.Topic, e.Payload, e.ContentHash, e.ReceivedAt).Scan(&id)
	return id, wrappedError(err)
}

func (s *events) InsertNormalized(ctx context.Context, e store.NormalizedEvent) (int64, bool, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return 0, false, skerr.Wrap(err)
	}
	var id int64
	err = s.db.QueryRow(ctx, Statements[normEventInsert], e.EventID, e.PrinterID, string(e.Type), e.OccurredAt, payload, e.RawEventID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrappedError(err)
	}
	return id, true, nil
}

func scanNormEvent(row pgx.Row) (store.NormalizedEvent, error) {
	var e store.NormalizedEvent
	var evType string
	var payload []byte
	if err := row.Scan(&e.ID, &e.EventID, &e.PrinterID, &evType, &e.OccurredAt, &payload, &e.RawEventID); err != nil {
		return e, err
	}
	e.Type = normalize.EventType(evType)
	if err := json.Unmarshal(payload, &e.Data); err != nil {
		return e, err
	}
	return e, nil
}

func (s *events) LastForPrinter(ctx context.Context, printerID uuid.UUID) (*store.NormalizedEvent, error) {
	e, err := scanNormEvent(s.db.QueryRow(ctx, Statements[normEventLastForPrinter], printerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrappedError(err)
	}
	return &e, nil
}

func (s *events) listEvents(ctx context.Context, stmt statement, args ...interface{}) ([]store.NormalizedEvent, error) {
	rows, err := s.db.Query(ctx, Statements[stmt], args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.NormalizedEvent{}
	for rows.Next() {
		e, err := scanNormEvent(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, e)
	}
	return ret, wrappedError(rows.Err())
}

func (s *events) ListAfter(ctx context.Context, afterID int64, limit int) ([]store.NormalizedEvent, error) {
	return s.listEvents(ctx, normEventListAfter, afterID, limit)
}

func (s *events) ListRecentForPrinter(ctx context.Context, printerID uuid.UUID, limit int) ([]store.NormalizedEvent, error) {
	return s.listEvents(ctx, normEventListRecent, printerID, limit)
}

type jobs Store

func scanJob(row pgx.Row) (store.PrintJob, error) {
	var j store.PrintJob
	var snapshot []byte
	if err := row.Scan(&j.ID, &j.PrinterID, &j.JobKey, &j.FileName, &j.Status, &j.StartedAt, &j.EndedAt, &snapshot, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return j, err
	}
	if err := json.Unmarshal(snapshot, &j.Snapshot); err != nil {
		return j, err
	}
	return j, nil
}

func (s *jobs) Get(ctx context.Context, id uuid.UUID) (store.PrintJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx, Statements[jobGet], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return j, skerr.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return j, wrappedError(err)
}

func (s *jobs) GetByJobKey(ctx context.Context, printerID uuid.UUID, jobKey string) (*store.PrintJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx, Statements[jobGetByKey], printerID, jobKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrappedError(err)
	}
	return &j, nil
}

func (s *jobs) Insert(ctx context.Context, job store.PrintJob) (uuid.UUID, error) {
	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return uuid.Nil, skerr.Wrap(err)
	}
	var id uuid.UUID
	err = s.db.QueryRow(ctx, Statements[jobInsert], job.PrinterID, job.JobKey, job.FileName, job.Status, job.StartedAt, job.EndedAt, snapshot, job.CreatedAt, job.UpdatedAt).Scan(&id)
	return id, wrappedError(err)
}

func (s *jobs) Update(ctx context.Context, job store.PrintJob) error {
	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = s.db.Exec(ctx, Statements[jobUpdate], job.ID, job.JobKey, job.FileName, job.Status, job.StartedAt, job.EndedAt, snapshot, job.UpdatedAt)
	return wrappedError(err)
}

func (s *jobs) ListRunningSince(ctx context.Context, printerID uuid.UUID, since time.Time) ([]store.PrintJob, error) {
	rows, err := s.db.Query(ctx, Statements[jobListRunningSince], printerID, since)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.PrintJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, j)
	}
	return ret, wrappedError(rows.Err())
}

type stocks Store

func scanStock(row pgx.Row) (store.MaterialStock, error) {
	var m store.MaterialStock
	err := row.Scan(&m.ID, &m.Material, &m.Color, &m.Brand, &m.RollWeightGrams, &m.RemainingGrams, &m.IsArchived, &m.ArchivedAt, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *stocks) Get(ctx context.Context, id uuid.UUID) (store.MaterialStock, error) {
	m, err := scanStock(s.db.QueryRow(ctx, Statements[stockGet], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, skerr.Wrapf(store.ErrNotFound, "stock %s", id)
	}
	return m, wrappedError(err)
}

func (s *stocks) listStocks(ctx context.Context, stmt statement, args ...interface{}) ([]store.MaterialStock, error) {
	rows, err := s.db.Query(ctx, Statements[stmt], args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.MaterialStock{}
	for rows.Next() {
		m, err := scanStock(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, m)
	}
	return ret, wrappedError(rows.Err())
}

func (s *stocks) List(ctx context.Context, includeArchived bool) ([]store.MaterialStock, error) {
	return s.listStocks(ctx, stockList, includeArchived)
}

func (s *stocks) FindActive(ctx context.Context, material, color, brand string) (*store.MaterialStock, error) {
	m, err := scanStock(s.db.QueryRow(ctx, Statements[stockFindActive], material, color, brand))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrappedError(err)
	}
	return &m, nil
}

func (s *stocks) ListActiveByMaterialColor(ctx context.Context, material, color string) ([]store.MaterialStock, error) {
	return s.listStocks(ctx, stockListByMaterialColor, material, color)
}

func (s *stocks) Insert(ctx context.Context, m store.MaterialStock) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, Statements[stockInsert], m.Material, m.Color, m.Brand, m.RollWeightGrams, m.RemainingGrams, m.IsArchived, m.ArchivedAt, m.CreatedAt, m.UpdatedAt).Scan(&id)
	return id, wrappedError(err)
}

func (s *stocks) Update(ctx context.Context, m store.MaterialStock) error {
	_, err := s.db.Exec(ctx, Statements[stockUpdate], m.ID, m.Material, m.Color, m.Brand, m.RollWeightGrams, m.RemainingGrams, m.IsArchived, m.ArchivedAt, m.UpdatedAt)
	return wrappedError(err)
}

type ledger Store

func scanLedger(row pgx.Row) (store.MaterialLedger, error) {
	var l store.MaterialLedger
	err := row.Scan(&l.ID, &l.StockID, &l.JobID, &l.DeltaGrams, &l.Kind, &l.RollsCount, &l.PricePerRoll, &l.PriceTotal, &l.HasTray, &l.TrayDelta, &l.Reason, &l.CreatedAt, &l.VoidedAt, &l.VoidReason, &l.ReversalOfID)
	return l, err
}

func (s *ledger) Insert(ctx context.Context, l store.MaterialLedger) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, Statements[ledgerInsert], l.StockID, l.JobID, l.DeltaGrams, l.Kind, l.RollsCount, l.PricePerRoll, l.PriceTotal, l.HasTray, l.TrayDelta, l.Reason, l.CreatedAt, l.ReversalOfID).Scan(&id)
	return id, wrappedError(err)
}

func (s *ledger) Get(ctx context.Context, id int64) (store.MaterialLedger, error) {
	l, err := scanLedger(s.db.QueryRow(ctx, Statements[ledgerGet], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return l, skerr.Wrapf(store.ErrNotFound, "ledger row %d", id)
	}
	return l, wrappedError(err)
}

func (s *ledger) MarkVoided(ctx context.Context, id int64, at time.Time, reason string) error {
	_, err := s.db.Exec(ctx, Statements[ledgerMarkVoided], id, at, reason)
	return wrappedError(err)
}

func (s *ledger) FindReversalOf(ctx context.Context, originalID int64) (*store.MaterialLedger, error) {
	l, err := scanLedger(s.db.QueryRow(ctx, Statements[ledgerFindReversalOf], originalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrappedError(err)
	}
	return &l, nil
}

func (s *ledger) ExistsForJob(ctx context.Context, jobID uuid.UUID, kind string, reasonContains string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, Statements[ledgerExistsForJob], jobID, kind, reasonContains).Scan(&exists)
	return exists, wrappedError(err)
}

func (s *ledger) ListByStock(ctx context.Context, stockID uuid.UUID) ([]store.MaterialLedger, error) {
	rows, err := s.db.Query(ctx, Statements[ledgerListByStock], stockID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.MaterialLedger{}
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, l)
	}
	return ret, wrappedError(rows.Err())
}

func (s *ledger) SumTrayDelta(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRow(ctx, Statements[ledgerSumTrayDelta]).Scan(&total)
	return total, wrappedError(err)
}

type consumptions Store

func scanConsumption(row pgx.Row) (store.ConsumptionRecord, error) {
	var c store.ConsumptionRecord
	err := row.Scan(&c.ID, &c.JobID, &c.StockID, &c.TrayID, &c.SegmentIdx, &c.Grams, &c.GramsRequested, &c.GramsEffective, &c.Source, &c.Confidence, &c.CreatedAt, &c.VoidedAt, &c.VoidReason)
	return c, err
}

func (s *consumptions) Insert(ctx context.Context, c store.ConsumptionRecord) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, Statements[consumptionInsert], c.JobID, c.StockID, c.TrayID, c.SegmentIdx, c.Grams, c.GramsRequested, c.GramsEffective, c.Source, c.Confidence, c.CreatedAt).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, wrappedError(err)
	}
	// The segment already exists; hand back its id.
	err = s.db.QueryRow(ctx, Statements[consumptionGetBySegment], c.JobID, c.TrayID, c.SegmentIdx).Scan(&id)
	return id, false, wrappedError(err)
}

func (s *consumptions) Get(ctx context.Context, id uuid.UUID) (store.ConsumptionRecord, error) {
	c, err := scanConsumption(s.db.QueryRow(ctx, Statements[consumptionGet], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, skerr.Wrapf(store.ErrNotFound, "consumption %s", id)
	}
	return c, wrappedError(err)
}

func (s *consumptions) ExistsSegment(ctx context.Context, jobID uuid.UUID, trayID, segmentIdx int) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, Statements[consumptionExistsSegment], jobID, trayID, segmentIdx).Scan(&exists)
	return exists, wrappedError(err)
}

func (s *consumptions) listConsumptions(ctx context.Context, stmt statement, args ...interface{}) ([]store.ConsumptionRecord, error) {
	rows, err := s.db.Query(ctx, Statements[stmt], args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	ret := []store.ConsumptionRecord{}
	for rows.Next() {
		c, err := scanConsumption(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, c)
	}
	return ret, wrappedError(rows.Err())
}

func (s *consumptions) ListByJob(ctx context.Context, jobID uuid.UUID) ([]store.ConsumptionRecord, error) {
	return s.listConsumptions(ctx, consumptionListByJob, jobID)
}

func (s *consumptions) ListByStock(ctx context.Context, stockID uuid.UUID) ([]store.ConsumptionRecord, error) {
	return s.listConsumptions(ctx, consumptionListByStock, stockID)
}

func (s *consumptions) MarkVoided(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	_, err := s.db.Exec(ctx, Statements[consumptionMarkVoided], id, at, reason)
	return wrappedError(err)
}

type colors Store

func (s *colors) NameForHex(ctx context.Context, colorHex string) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, Statements[colorNameForHex], colorHex).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return name, wrappedError(err)
}

func (s *colors) Insert(ctx context.Context, m store.AmsColorMapping) error {
	existing, err := s.NameForHex(ctx, m.ColorHex)
	if err != nil {
		return skerr.Wrap(err)
	}
	if existing != "" {
		if existing == m.ColorName {
			return nil
		}
		return skerr.Fmt("color %s is already mapped to %q; mappings are immutable", m.ColorHex, existing)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, Statements[colorInsert], m.ColorHex, m.ColorName, createdAt)
	return wrappedError(err)
}

// Confirm the Store implements store.Store.
var _ store.Store = (*Store)(nil)
