// Package processor implements the settlement engine: it polls the
// normalized event log, reconstructs print jobs, manages pre-deduct
// reservations and settles filament consumption at terminal states.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.filafarm.org/infra/filament/go/config"
	"go.filafarm.org/infra/filament/go/estimate"
	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/metrics2"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

// Processor is the single logical settlement worker. Run at most one per
// engine instance; the database uniqueness guards keep a second instance
// from corrupting state, but it would do duplicate work.
type Processor struct {
	db  store.Store
	est *estimate.Client
	cfg config.EngineConfig

	// lastProcessedID is process-local; replay after a restart is safe
	// because every settlement write is idempotency-guarded.
	lastProcessedID int64

	eventsProcessed metrics2.Counter
	eventsFailed    metrics2.Counter
	liveness        *metrics2.Liveness
}

// New returns a Processor. The estimate client may be nil; it is only
// consulted as a reservation fallback when an event carries no totals.
func New(db store.Store, est *estimate.Client, cfg config.EngineConfig) *Processor {
	return &Processor{
		db:              db,
		est:             est,
		cfg:             cfg,
		eventsProcessed: metrics2.GetCounter("filament_processor_events", map[string]string{"result": "processed"}),
		eventsFailed:    metrics2.GetCounter("filament_processor_events", map[string]string{"result": "failed"}),
		liveness:        metrics2.NewLiveness("filament_processor"),
	}
}

// Run polls for new normalized events until the context is canceled. The
// current event's transaction always completes before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				sklog.Errorf("Processing batch: %s", err)
			}
			p.liveness.ResetWithContext(ctx)
		}
	}
}

// ProcessBatch loads up to BatchSize events past the cursor and processes
// each in order, one transaction per event. A failing event is logged and
// skipped; the idempotency guards make a later replay safe.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.db.Events().ListAfter(ctx, p.lastProcessedID, p.cfg.BatchSize)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	for _, ev := range events {
		if err := p.processEvent(ctx, ev); err != nil {
			p.eventsFailed.Inc(1)
			sklog.Errorf("Processing event %d (%s): %s", ev.ID, ev.EventID, err)
		} else {
			p.eventsProcessed.Inc(1)
		}
		p.lastProcessedID = ev.ID
	}
	return len(events), nil
}

// processEvent applies one normalized event to its job inside a single
// transaction. When terminal settlement fails, the transaction rolls back
// and the failure is recorded on the snapshot in a follow-up transaction,
// leaving the job eligible for operator intervention.
func (p *Processor) processEvent(ctx context.Context, ev store.NormalizedEvent) error {
	var settleFailure error
	var failedJobID uuid.UUID
	err := p.db.Transact(ctx, func(ctx context.Context, txn store.Store) error {
		job, err := p.ensureJob(ctx, txn, ev)
		if err != nil {
			return skerr.Wrap(err)
		}
		if job == nil {
			// Nothing to attribute this event to.
			return nil
		}
		if job.Status == store.JobStatusManual {
			return nil
		}

		if err := p.suppressStubJobs(ctx, txn, ev, job); err != nil {
			return skerr.Wrap(err)
		}

		snap := job.Snapshot.Clone()
		p.applyLifecycle(job, ev)
		if err := p.updateTrays(ctx, txn, &snap, ev, job.Status); err != nil {
			return skerr.Wrap(err)
		}

		if snap.ReservedAt == nil && job.Status == store.JobStatusRunning {
			if err := p.maybeReserve(ctx, txn, job, &snap, ev); err != nil {
				return skerr.Wrap(err)
			}
		}

		if isTerminalStatus(job.Status) && snap.SettledAt == nil {
			if err := p.settle(ctx, txn, job, &snap, ev); err != nil {
				settleFailure = err
				failedJobID = job.ID
				return skerr.Wrap(err)
			}
		}

		job.Snapshot = snap
		job.UpdatedAt = now.Now(ctx).UTC()
		return skerr.Wrap(txn.Jobs().Update(ctx, *job))
	})
	if err != nil && settleFailure != nil {
		p.recordSettleError(ctx, failedJobID, settleFailure)
	}
	return err
}

// recordSettleError persists the settlement failure on the job snapshot
// without advancing settled_at.
func (p *Processor) recordSettleError(ctx context.Context, jobID uuid.UUID, settleErr error) {
	err := p.db.Transact(ctx, func(ctx context.Context, txn store.Store) error {
		job, err := txn.Jobs().Get(ctx, jobID)
		if err != nil {
			return skerr.Wrap(err)
		}
		snap := job.Snapshot.Clone()
		snap.SettleError = settleErr.Error()
		job.Snapshot = snap
		job.UpdatedAt = now.Now(ctx).UTC()
		return skerr.Wrap(txn.Jobs().Update(ctx, job))
	})
	if err != nil {
		sklog.Errorf("Recording settle error for job %s: %s", jobID, err)
	}
}

func isTerminalStatus(status string) bool {
	return status == store.JobStatusEnded || status == store.JobStatusFailed || status == store.JobStatusCancelled
}

// applyLifecycle drives the job status from the event type and gcode
// state.
func (p *Processor) applyLifecycle(job *store.PrintJob, ev store.NormalizedEvent) {
	state := ev.Data.GcodeState
	switch {
	case ev.Type == normalize.TypePrintStarted || state == normalize.StateRunning:
		if job.Status == store.JobStatusUnknown || job.Status == store.JobStatusRunning {
			job.Status = store.JobStatusRunning
			if job.StartedAt == nil {
				at := ev.OccurredAt
				job.StartedAt = &at
			}
		}
	case state == normalize.StateCanceled:
		p.finish(job, store.JobStatusCancelled, ev.OccurredAt)
	case state == normalize.StateFailed || state == normalize.StateStopped:
		p.finish(job, store.JobStatusFailed, ev.OccurredAt)
	case ev.Type == normalize.TypePrintEnded || state == normalize.StateFinish || state == normalize.StateIdle:
		if job.Status == store.JobStatusRunning || job.Status == store.JobStatusUnknown {
			p.finish(job, store.JobStatusEnded, ev.OccurredAt)
		}
	}
}

func (p *Processor) finish(job *store.PrintJob, status string, at time.Time) {
	if isTerminalStatus(job.Status) {
		return
	}
	job.Status = status
	job.EndedAt = &at
}
