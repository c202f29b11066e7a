package schema

// Schema is the SQL schema for the engine, including the partial unique
// indexes that back the idempotency guarantees:
//
//   - normalized_events.event_id is unique, so replayed raw payloads persist
//     at most one normalized event.
//   - print_jobs (printer_id, job_key) is unique for non-null keys, so event
//     replay always lands on the same job.
//   - material_stocks (material, color, brand) is unique among non-archived
//     rows only, which lets an archived stock's key be reused.
//   - consumption_records (job_id, tray_id, segment_idx) is unique, which
//     makes terminal settlement idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS printers (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	ip TEXT NOT NULL,
	serial TEXT UNIQUE NOT NULL,
	access_code_sealed TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unknown',
	last_seen TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS raw_events (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	content_hash TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS raw_events_by_printer ON raw_events (printer_id, received_at);
CREATE TABLE IF NOT EXISTS normalized_events (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id TEXT UNIQUE NOT NULL,
	printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	raw_event_id BIGINT REFERENCES raw_events (id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS normalized_events_by_printer ON normalized_events (printer_id, occurred_at);
CREATE TABLE IF NOT EXISTS print_jobs (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	printer_id UUID NOT NULL REFERENCES printers (id) ON DELETE CASCADE,
	job_key TEXT,
	file_name TEXT,
	status TEXT NOT NULL DEFAULT 'unknown',
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	snapshot JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS print_jobs_by_job_key ON print_jobs (printer_id, job_key)
	WHERE job_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS material_stocks (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	material TEXT NOT NULL,
	color TEXT NOT NULL,
	brand TEXT NOT NULL,
	roll_weight_grams DOUBLE PRECISION NOT NULL DEFAULT 1000,
	remaining_grams DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	archived_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS material_stocks_by_key ON material_stocks (material, color, brand)
	WHERE is_archived = FALSE;
CREATE TABLE IF NOT EXISTS material_ledger (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	stock_id UUID REFERENCES material_stocks (id) ON DELETE RESTRICT,
	job_id UUID REFERENCES print_jobs (id) ON DELETE SET NULL,
	delta_grams DOUBLE PRECISION NOT NULL,
	kind TEXT NOT NULL,
	rolls_count INTEGER,
	price_per_roll NUMERIC(12,2),
	price_total NUMERIC(12,2),
	has_tray BOOLEAN NOT NULL DEFAULT FALSE,
	tray_delta INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	voided_at TIMESTAMPTZ,
	void_reason TEXT,
	reversal_of_id BIGINT REFERENCES material_ledger (id)
);
CREATE INDEX IF NOT EXISTS material_ledger_by_stock ON material_ledger (stock_id, created_at);
CREATE INDEX IF NOT EXISTS material_ledger_by_job ON material_ledger (job_id);
CREATE UNIQUE INDEX IF NOT EXISTS material_ledger_by_reversal ON material_ledger (reversal_of_id)
	WHERE reversal_of_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS consumption_records (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	job_id UUID REFERENCES print_jobs (id) ON DELETE SET NULL,
	stock_id UUID REFERENCES material_stocks (id) ON DELETE RESTRICT,
	tray_id INTEGER,
	segment_idx INTEGER,
	grams DOUBLE PRECISION NOT NULL,
	grams_requested DOUBLE PRECISION NOT NULL,
	grams_effective DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	confidence TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	voided_at TIMESTAMPTZ,
	void_reason TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS consumption_records_by_segment ON consumption_records (job_id, tray_id, segment_idx)
	WHERE tray_id IS NOT NULL AND segment_idx IS NOT NULL;
CREATE TABLE IF NOT EXISTS ams_color_mappings (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	color_hex TEXT UNIQUE NOT NULL,
	color_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
