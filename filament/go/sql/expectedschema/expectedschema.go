// Package expectedschema applies the engine schema and validates that a live
// database matches it.
//
// Validation failures are distinguished from ordinary query errors so the
// binary can exit with a dedicated status code on schema mismatch.
package expectedschema

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"go.filafarm.org/infra/filament/go/sql/schema"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sql/pool"
	sqlschema "go.filafarm.org/infra/go/sql/schema"
)

// ErrSchemaMismatch is returned, wrapped, when the live database schema does
// not match the expected one.
var ErrSchemaMismatch = errors.New("live schema does not match the expected schema")

// requiredIndexes are the indexes the engine's idempotency guarantees depend
// on, as "table.index" per sqlschema.Description.
var requiredIndexes = []string{
	"print_jobs.print_jobs_by_job_key",
	"material_stocks.material_stocks_by_key",
	"material_ledger.material_ledger_by_reversal",
	"consumption_records.consumption_records_by_segment",
}

// Migrate creates all tables and indexes that do not exist yet. The DDL is
// additive, so running it against an up-to-date database is a no-op.
func Migrate(ctx context.Context, db pool.Pool) error {
	if _, err := db.Exec(ctx, schema.Schema); err != nil {
		return skerr.Wrapf(err, "applying schema")
	}
	return nil
}

// Validate compares the live database against the expected schema. A
// mismatch is reported as an error wrapping ErrSchemaMismatch.
func Validate(ctx context.Context, db pool.Pool) error {
	desc, err := sqlschema.GetDescription(ctx, db, schema.Tables{})
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, col := range expectedColumns(schema.Tables{}) {
		if _, ok := desc.ColumnNameAndType[col]; !ok {
			return skerr.Wrapf(ErrSchemaMismatch, "missing column %q", col)
		}
	}
	liveIndexes := map[string]bool{}
	for _, name := range desc.IndexNames {
		liveIndexes[name] = true
	}
	for _, name := range requiredIndexes {
		if !liveIndexes[name] {
			return skerr.Wrapf(ErrSchemaMismatch, "missing index %q", name)
		}
	}
	return nil
}

// expectedColumns returns every expected "table.column" derived from the sql
// struct tags of the given table struct.
func expectedColumns(tables interface{}) []string {
	ret := []string{}
	t := reflect.TypeOf(tables)
	for _, tableField := range reflect.VisibleFields(t) {
		tableName := strings.ToLower(tableField.Name)
		rowType := tableField.Type.Elem()
		for _, colField := range reflect.VisibleFields(rowType) {
			tag, ok := colField.Tag.Lookup("sql")
			if !ok {
				continue
			}
			colName := strings.Fields(tag)[0]
			ret = append(ret, tableName+"."+colName)
		}
	}
	return ret
}
