package processor

import (
	"context"
	"time"

	"go.filafarm.org/infra/filament/go/normalize"
	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/now"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

const (
	// stubSupersedeWindow is how far back a keyless running job may be
	// superseded once a real task identity shows up for the printer.
	stubSupersedeWindow = 10 * time.Minute

	// keylessAttachWindow bounds how old a running job may be for a
	// keyless event to attach to it.
	keylessAttachWindow = 24 * time.Hour

	// settleErrSuperseded marks jobs closed because a better-identified
	// job took over the same physical print.
	settleErrSuperseded = "superseded_stub_job"
)

// ensureJob returns the job the event belongs to, creating it when the
// event carries a job key that is not known yet. Events without any job
// identity attach to the printer's most recent running job; when there is
// none they are dropped (nil, nil).
func (p *Processor) ensureJob(ctx context.Context, txn store.Store, ev store.NormalizedEvent) (*store.PrintJob, error) {
	jobKey := normalize.JobKey(ev.PrinterID.String(), ev.OccurredAt, ev.Data)
	if jobKey == "" {
		jobs, err := txn.Jobs().ListRunningSince(ctx, ev.PrinterID, ev.OccurredAt.Add(-keylessAttachWindow))
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		var newest *store.PrintJob
		for i := range jobs {
			j := &jobs[i]
			if newest == nil || startedAfter(j, newest) {
				newest = j
			}
		}
		if newest == nil {
			sklog.Debugf("Dropping keyless %s event for printer %s with no running job", ev.Type, ev.PrinterID)
		}
		return newest, nil
	}

	job, err := txn.Jobs().GetByJobKey(ctx, ev.PrinterID, jobKey)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if job != nil {
		if job.FileName == nil {
			job.FileName = fileNameOf(ev.Data)
		}
		return job, nil
	}

	ts := now.Now(ctx).UTC()
	fresh := store.PrintJob{
		PrinterID: ev.PrinterID,
		JobKey:    &jobKey,
		FileName:  fileNameOf(ev.Data),
		Status:    store.JobStatusUnknown,
		Snapshot:  store.Snapshot{Mode: "stock"},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	id, err := txn.Jobs().Insert(ctx, fresh)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	fresh.ID = id
	return &fresh, nil
}

// suppressStubJobs closes out keyed-by-fallback jobs that the current,
// better-identified job supersedes. A printer cold start often produces a
// short-lived job keyed only by timestamp before the task id arrives; once
// the real identity shows up those stubs must not settle.
func (p *Processor) suppressStubJobs(ctx context.Context, txn store.Store, ev store.NormalizedEvent, job *store.PrintJob) error {
	if ev.Data.TaskID == "" && ev.Data.SubtaskID == "" {
		return nil
	}
	jobs, err := txn.Jobs().ListRunningSince(ctx, ev.PrinterID, ev.OccurredAt.Add(-stubSupersedeWindow))
	if err != nil {
		return skerr.Wrap(err)
	}
	ts := now.Now(ctx).UTC()
	for _, stub := range jobs {
		if stub.ID == job.ID || stub.FileName != nil || stub.Snapshot.ReservedAt != nil {
			continue
		}
		snap := stub.Snapshot.Clone()
		snap.SettleError = settleErrSuperseded
		snap.SettledAt = &ts
		stub.Status = store.JobStatusEnded
		stub.EndedAt = &ts
		stub.Snapshot = snap
		stub.UpdatedAt = ts
		if err := txn.Jobs().Update(ctx, stub); err != nil {
			return skerr.Wrap(err)
		}
		sklog.Infof("Superseded stub job %s on printer %s by job %s", stub.ID, ev.PrinterID, job.ID)
	}
	return nil
}

func startedAfter(a, b *store.PrintJob) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.StartedAt != nil {
		at = *a.StartedAt
	}
	if b.StartedAt != nil {
		bt = *b.StartedAt
	}
	return at.After(bt)
}

func fileNameOf(d normalize.EventData) *string {
	if d.GcodeFile == "" {
		return nil
	}
	name := d.GcodeFile
	return &name
}
