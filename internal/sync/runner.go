package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/record"
	"github.com/Martian-dev/inbox-ledger/internal/sink"
)

// Sink is the persisted table a runner synchronizes into
type Sink interface {
	ReadAll(ctx context.Context) (sink.Table, error)
	LastCheckpoint(t sink.Table) (time.Time, error)
	AppendIfAbsent(ctx context.Context, rows []record.Record, existing sink.Table) (int, error)
	OverwriteAll(ctx context.Context, rows []record.Record) error
}

// Ledger keeps a history of finished runs
type Ledger interface {
	RecordRun(ctx context.Context, rep Report) error
}

// Runner synchronizes one source kind into one sink
type Runner struct {
	Profile extract.Profile
	Source  mail.Source
	Sink    Sink
	SinkID  string // identity of the sink, runs against the same id never overlap
	Ledger  Ledger // optional

	// SelfReset enables the single fallback to a full resync when the
	// incremental path fails.
	SelfReset bool

	Log logrus.FieldLogger
	Now func() time.Time
}

// Kind returns the source kind the runner serves
func (r *Runner) Kind() string { return r.Profile.Kind }

// Run performs one incremental sync, falling back to a full resync at most once.
// The returned error equals Report.Err.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	rep := r.start(ModeIncremental)
	log := r.Log.WithFields(logrus.Fields{"run_id": rep.RunID, "source": rep.Source})
	log.Info("sync start")

	err := r.incremental(ctx, &rep, log)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			log.WithError(err).Warn("sync canceled")
		case !r.SelfReset:
			log.WithError(err).Error("incremental sync failed, self reset disabled")
		default:
			log.WithError(err).Warn("incremental sync failed, attempting full resync")
			rep.FallbackReason = err.Error()
			rep.Mode = ModeFullResync
			rep.resetCounts()
			err = r.full(ctx, &rep, log)
		}
	}
	return r.finish(ctx, rep, err, log)
}

// Resync rebuilds the sink from the full mail history
func (r *Runner) Resync(ctx context.Context) (Report, error) {
	rep := r.start(ModeFullResync)
	log := r.Log.WithFields(logrus.Fields{"run_id": rep.RunID, "source": rep.Source})
	log.Info("full resync start")
	return r.finish(ctx, rep, r.full(ctx, &rep, log), log)
}

func (r *Runner) incremental(ctx context.Context, rep *Report, log logrus.FieldLogger) error {
	current, err := r.Sink.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	checkpoint, err := r.Sink.LastCheckpoint(current)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	rep.Checkpoint = checkpoint

	filter := r.Profile.Filter
	filter.After = checkpoint
	filter.MaxCount = 0
	table, err := r.collect(ctx, filter, rep, log)
	if err != nil {
		return err
	}

	existing, err := r.Sink.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read sink: %w", err)
	}
	n, err := r.Sink.AppendIfAbsent(ctx, table.Records, existing)
	rep.Appended = n
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

func (r *Runner) full(ctx context.Context, rep *Report, log logrus.FieldLogger) error {
	table, err := r.collect(ctx, r.Profile.Filter.Unbounded(), rep, log)
	if err != nil {
		return err
	}
	if err := r.Sink.OverwriteAll(ctx, table.Records); err != nil {
		return fmt.Errorf("overwrite: %w", err)
	}
	rep.Appended = table.Len()
	return nil
}

// collect fetches, extracts and consolidates; extraction failures are absorbed
func (r *Runner) collect(ctx context.Context, f mail.Filter, rep *Report, log logrus.FieldLogger) (record.Table, error) {
	msgs, err := r.Source.Fetch(ctx, f)
	if err != nil {
		return record.Table{}, fmt.Errorf("fetch: %w", err)
	}
	rep.Fetched = len(msgs)
	log.WithFields(logrus.Fields{"fetched": len(msgs), "query": f.Query()}).Info("messages fetched")

	records := make([]record.Record, 0, len(msgs))
	for _, m := range msgs {
		mlog := log.WithField("message_id", m.ID)
		res, err := r.Profile.Extractor.Extract(m.Parts)
		if err != nil {
			rep.addFailure(m.ID, m.Subject, err)
			mlog.WithError(err).Warn("extraction failed, message dropped")
			continue
		}
		if len(res.Warnings) > 0 {
			rep.Ambiguous++
			for _, w := range res.Warnings {
				mlog.WithField("reason", w.Reason).Warn(w.Error())
			}
		}
		rep.Extracted++
		records = append(records, res.Record)
	}
	return record.Consolidate(r.Profile.Schema, records), nil
}

func (r *Runner) start(mode Mode) Report {
	return Report{
		RunID:     uuid.NewString(),
		Source:    r.Profile.Kind,
		Mode:      mode,
		StartedAt: r.now(),
	}
}

func (r *Runner) finish(ctx context.Context, rep Report, err error, log logrus.FieldLogger) (Report, error) {
	rep.FinishedAt = r.now()
	if err != nil {
		rep.Err = err
		rep.Appended = 0
	}
	fields := logrus.Fields{
		"mode":      rep.Mode,
		"fetched":   rep.Fetched,
		"extracted": rep.Extracted,
		"failed":    rep.Failed,
		"appended":  rep.Appended,
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("sync failed")
	} else {
		log.WithFields(fields).Info("sync done")
	}

	if r.Ledger != nil {
		// the run is recorded even when ctx was canceled
		lctx := context.WithoutCancel(ctx)
		if lerr := r.Ledger.RecordRun(lctx, rep); lerr != nil {
			log.WithError(lerr).Error("record run")
		}
	}
	return rep, err
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
