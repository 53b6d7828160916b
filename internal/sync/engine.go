package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	otelScope       = "shelfsync/sync"
	spanRun         = "sync.run"
	metricCreated   = "shelfsync.sync.records.created"
	metricUpdated   = "shelfsync.sync.records.updated"
	metricDeleted   = "shelfsync.sync.records.deleted"
	metricPulled    = "shelfsync.sync.records.pulled"
	metricDeduped   = "shelfsync.sync.records.deduped"
	metricPurged    = "shelfsync.sync.records.purged"
	metricDemoted   = "shelfsync.sync.records.demoted"
	metricConflicts = "shelfsync.sync.conflicts"
	metricErrors    = "shelfsync.sync.errors"
	metricOffline   = "shelfsync.sync.offline"

	// flightKey is the single-flight key; there is only ever one run.
	flightKey = "sync"
)

// Engine owns the single-flight guard around [Reconciler.Run] and the polling
// loop. Create one with [NewEngine]; call [Engine.Sync] for an immediate run
// or [Engine.Run] to poll until cancelled.
type Engine struct {
	reconciler   *Reconciler
	pollInterval time.Duration
	log          *slog.Logger

	flight  singleflight.Group
	trigger chan struct{}

	mu   sync.Mutex
	pass *pass // context of the in-flight run, nil when idle

	// OTel instruments; no-op providers when telemetry is disabled.
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntPulled    metric.Int64Counter
	cntDeduped   metric.Int64Counter
	cntPurged    metric.Int64Counter
	cntDemoted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
	cntOffline   metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(reconciler *Reconciler, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler:   reconciler,
		pollInterval: pollInterval,
		log:          logger,
		trigger:      make(chan struct{}, 1),

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Number of records created on the server"),
		cntUpdated:   mustCounter(metricUpdated, "Number of records updated on the server"),
		cntDeleted:   mustCounter(metricDeleted, "Number of deletes acknowledged by the server"),
		cntPulled:    mustCounter(metricPulled, "Number of server records written locally"),
		cntDeduped:   mustCounter(metricDeduped, "Number of natural-key duplicates removed"),
		cntPurged:    mustCounter(metricPurged, "Number of tombstones purged locally"),
		cntDemoted:   mustCounter(metricDemoted, "Number of synced records the server had lost"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflicts detected during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of per-record errors during sync"),
		cntOffline:   mustCounter(metricOffline, "Number of runs skipped because the server was unreachable"),
	}
}

// pass is the context a shared run executes under. It outlives any single
// caller and is cancelled once no caller is waiting for the run.
type pass struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Sync runs one reconcile pass. A call that arrives while a pass is already in
// flight joins it and receives the same result instead of starting another.
// The pass keeps running while at least one caller still waits for it, so a
// joined caller is not failed by the cancellation of the caller that started
// it. A panic inside the pass is recovered, logged, and returned as an error.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	for {
		p := e.join(ctx)
		ch := e.flight.DoChan(flightKey, func() (any, error) {
			defer e.finish(p)
			return e.reconcile(p.ctx)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			if e.leave(p) {
				// Last one out: wait for the cancelled run to unwind.
				<-ch
			}
			return Stats{}, ctx.Err()
		}
		e.leave(p)

		if res.Shared {
			e.log.Debug("joined in-flight sync run")
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				// Joined a run every other caller had abandoned.
				continue
			}
		}
		stats, _ := res.Val.(Stats)
		return stats, res.Err
	}
}

// join registers a caller with the current pass, starting a fresh one when
// none is live. Values such as the trace parent come from the first caller.
func (e *Engine) join(ctx context.Context) *pass {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pass == nil || e.pass.ctx.Err() != nil {
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.pass = &pass{ctx: pctx, cancel: cancel}
	}
	e.pass.waiters++
	return e.pass
}

// leave unregisters a caller and reports whether it cancelled the pass.
func (e *Engine) leave(p *pass) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.waiters--
	if p.waiters > 0 {
		return false
	}
	p.cancel()
	return true
}

// finish clears p once its run has returned.
func (e *Engine) finish(p *pass) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pass == p {
		e.pass = nil
	}
}

// Trigger requests a run from the polling loop without waiting for it. Calls
// made while a request is already queued are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// reconcile runs one full pass, recording a trace span and metrics.
func (e *Engine) reconcile(ctx context.Context) (stats Stats, err error) {
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sync run panicked: %v", p)
			e.log.Error("sync run aborted", "error", err)
			span.RecordError(err)
		}
	}()

	stats, err = e.reconciler.Run(ctx)
	e.record(ctx, stats)

	span.SetAttributes(
		attribute.Bool("sync.offline", stats.Offline),
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.deduped", stats.Deduped),
		attribute.Int("sync.purged", stats.Purged),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

// record adds the run's stats to the counters.
func (e *Engine) record(ctx context.Context, stats Stats) {
	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	if stats.Offline {
		add(e.cntOffline, 1)
		return
	}
	add(e.cntCreated, stats.Created)
	add(e.cntUpdated, stats.Updated)
	add(e.cntDeleted, stats.Deleted)
	add(e.cntPulled, stats.Pulled)
	add(e.cntDeduped, stats.Deduped)
	add(e.cntPurged, stats.Purged)
	add(e.cntDemoted, stats.Demoted)
	add(e.cntConflicts, stats.Conflicts)
	add(e.cntErrors, stats.Errors)
}

// Run starts the polling loop. It syncs immediately, then on every tick and
// on every [Engine.Trigger], and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.runLogged(ctx, "initial")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.runLogged(ctx, "poll")
		case <-e.trigger:
			e.runLogged(ctx, "trigger")
		}
	}
}

func (e *Engine) runLogged(ctx context.Context, reason string) {
	if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
		e.log.Error("sync failed", "reason", reason, "error", err)
	}
}
