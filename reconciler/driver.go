// Package reconciler drives resources toward their desired state.
//
// The Driver runs one convergence attempt per event: gate, then delete, or
// observe, compare and converge. The Controller schedules attempts so
// that a name is never attempted twice at once, and the Sweeper re-enqueues
// every stored resource on an interval.
package reconciler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
	"github.com/yairfalse/anchor/veto"
	"github.com/yairfalse/anchor/wal"
)

// DefaultAttemptTimeout bounds a single attempt when none is configured.
const DefaultAttemptTimeout = 30 * time.Second

// DriverConfig holds the collaborators of a Driver.
type DriverConfig struct {
	Gate     Gate
	Handlers Handlers
	Audit    AuditLog
	Metrics  *Metrics

	AttemptTimeout time.Duration
}

// Driver runs convergence attempts. It is safe for concurrent use; per-name
// exclusion is the caller's job.
type Driver struct {
	gate     Gate
	handlers Handlers
	audit    AuditLog
	metrics  *Metrics
	timeout  time.Duration

	tracer trace.Tracer
	logger *telemetry.Logger
}

// NewDriver creates a driver. A nil gate proceeds on every attempt.
func NewDriver(cfg DriverConfig) *Driver {
	gate := cfg.Gate
	if gate == nil {
		gate = veto.NewAggregator()
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Driver{
		gate:     gate,
		handlers: cfg.Handlers,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		timeout:  timeout,
		tracer:   otel.Tracer("anchor.reconciler"),
		logger:   telemetry.NewLogger("driver"),
	}
}

// Attempt runs one attempt for ev and returns its terminal result. There
// are no retries inside an attempt.
func (d *Driver) Attempt(ctx context.Context, ev resource.Event) Result {
	start := time.Now()
	r := ev.Resource

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "reconciler.attempt",
		trace.WithAttributes(
			attribute.String("resource.name", r.Metadata.Name.String()),
			attribute.String("resource.kind", r.Kind),
			attribute.String("event.type", string(ev.Type)),
		))
	defer span.End()

	res := d.run(ctx, ev)
	res.Name = r.Metadata.Name
	res.Kind = r.Kind
	res.EventType = ev.Type
	res.Duration = time.Since(start)

	d.finish(ctx, span, res)
	return res
}

func (d *Driver) run(ctx context.Context, ev resource.Event) Result {
	r := ev.Resource

	if decision := d.gate.Allow(ctx, r); decision.Halted {
		reason := decision.Reason
		if decision.Plugin != "" {
			reason = decision.Plugin + ": " + reason
		}
		return Result{Outcome: OutcomeSkipped, Reason: reason}
	}

	h, err := d.handlers.Get(r.Kind)
	if err != nil {
		return failed(ctx, "no handler", err)
	}

	// A delete does not depend on the live state.
	if ev.Type == resource.EventDelete {
		ref, err := h.Delete(ctx, r)
		if err != nil {
			return failed(ctx, "delete", err)
		}
		return Result{Outcome: OutcomeSubmitted, Reason: "delete", TaskRef: ref}
	}

	obs, err := h.Observe(ctx, r)
	if err != nil {
		return failed(ctx, "observe", err)
	}

	if obs.InSync() {
		return Result{Outcome: OutcomeConverged}
	}

	reason := "drift"
	if obs.Absent {
		reason = "absent"
	}
	ref, err := h.Converge(ctx, r)
	if err != nil {
		res := failed(ctx, "converge", err)
		res.Changes = obs.Changes
		return res
	}
	return Result{Outcome: OutcomeSubmitted, Reason: reason, TaskRef: ref, Changes: obs.Changes}
}

// failed builds a Failed result. A blown attempt deadline is transient.
func failed(ctx context.Context, stage string, err error) Result {
	if fault.ClassOf(err) == "" && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil) {
		err = fault.Transient("attempt deadline exceeded", err).WithOperation(stage)
	}
	return Result{Outcome: OutcomeFailed, Reason: stage, Err: err}
}

// finish logs, counts, traces and audits a result.
func (d *Driver) finish(ctx context.Context, span trace.Span, res Result) {
	logger := d.logger.WithContext(ctx)
	span.SetAttributes(attribute.String("anchor.outcome", string(res.Outcome)))

	switch res.Outcome {
	case OutcomeSkipped:
		logger.Info().
			Str("resource", res.Name.String()).
			Str("reason", res.Reason).
			Msg("convergence vetoed")
	case OutcomeConverged:
		logger.Debug().
			Str("resource", res.Name.String()).
			Msg("resource is converged")
	case OutcomeSubmitted:
		logger.Info().
			Str("resource", res.Name.String()).
			Str("reason", res.Reason).
			Str("task", res.TaskRef.Ref).
			Int("changes", len(res.Changes)).
			Msg("submitted task")
	case OutcomeFailed:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Reason)
		logger.Error().
			Err(res.Err).
			Str("resource", res.Name.String()).
			Str("stage", res.Reason).
			Str("error_class", string(fault.ClassOf(res.Err))).
			Msg("convergence attempt failed")
	}

	d.metrics.RecordAttempt(ctx, res)

	if d.audit == nil {
		return
	}
	var err error
	if res.Err != nil {
		err = d.audit.AppendError(wal.EntryType(res.Outcome), res.Name.String(), res.record(), res.Err)
	} else {
		err = d.audit.Append(wal.EntryType(res.Outcome), res.Name.String(), res.record())
	}
	if err != nil {
		logger.Warn().Err(err).Str("resource", res.Name.String()).Msg("failed to write audit entry")
	}
}
