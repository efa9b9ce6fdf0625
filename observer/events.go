package observer

import (
	"context"
	"errors"
	"time"

	"github.com/nevindra/caravan"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// EventSink returns a caravan.EventSink that turns run lifecycle events
// into OTEL metrics and structured logs. Subscribe it engine-wide
// together with the tracer:
//
//	inst, shutdown, err := observer.Init(ctx)
//	engine := caravan.New(caravan.WithStore(store),
//		caravan.WithTracer(observer.NewTracer()),
//		caravan.WithEventSink(observer.EventSink(inst)))
func EventSink(inst *Instruments) caravan.EventSink {
	return func(ev caravan.Event) {
		ctx := context.Background()
		switch ev.Type {
		case caravan.EventWorkflowSuccess:
			recordRun(ctx, inst, ev, "ok")
		case caravan.EventWorkflowError:
			recordRun(ctx, inst, ev, "error")
		case caravan.EventWorkflowCancelled:
			recordRun(ctx, inst, ev, "cancelled")
		case caravan.EventStepComplete:
			recordStep(ctx, inst, ev)
		case caravan.EventStepCacheHit:
			inst.StepReplays.Add(ctx, 1, metric.WithAttributes(
				AttrWorkflowID.String(ev.WorkflowID)))
		case caravan.EventStepRetry:
			inst.StepRetries.Add(ctx, 1, metric.WithAttributes(
				AttrWorkflowID.String(ev.WorkflowID),
				AttrStepKey.String(ev.StepKey)))
		case caravan.EventPersistError:
			inst.PersistFailures.Add(ctx, 1, metric.WithAttributes(
				AttrWorkflowID.String(ev.WorkflowID)))
			emitLog(ctx, inst, otellog.SeverityWarn, "workflow checkpoint failed",
				otellog.String("workflow.id", ev.WorkflowID),
				otellog.String("workflow.step.key", ev.StepKey),
				otellog.String("error", ev.Err))
		case caravan.EventHookBeforeStartError, caravan.EventHookAfterStepError:
			emitLog(ctx, inst, otellog.SeverityWarn, "workflow hook failed",
				otellog.String("workflow.id", ev.WorkflowID),
				otellog.String("event", string(ev.Type)),
				otellog.String("error", ev.Err))
		}
	}
}

// recordRun emits the terminal metrics and log for a finished run.
func recordRun(ctx context.Context, inst *Instruments, ev caravan.Event, status string) {
	inst.WorkflowRuns.Add(ctx, 1, metric.WithAttributes(
		AttrWorkflowID.String(ev.WorkflowID),
		AttrRunStatus.String(status)))
	inst.RunDuration.Record(ctx, durationMs(ev.Duration), metric.WithAttributes(
		AttrWorkflowID.String(ev.WorkflowID)))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	if status == "error" {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.SetBody(otellog.StringValue("workflow run completed"))
	rec.AddAttributes(
		otellog.String("workflow.id", ev.WorkflowID),
		otellog.String("workflow.status", status),
		otellog.Float64("duration_ms", durationMs(ev.Duration)),
	)
	if ev.Err != "" {
		rec.AddAttributes(otellog.String("error", ev.Err))
	}
	inst.Logger.Emit(ctx, rec)
}

// recordStep emits metrics and a log for one executed step. A pending
// approval or hook outcome additionally counts as a suspension.
func recordStep(ctx context.Context, inst *Instruments, ev caravan.Event) {
	status := "ok"
	if ev.Result != nil && !ev.Result.OK {
		status = "error"
	}
	inst.StepExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrWorkflowID.String(ev.WorkflowID),
		AttrStepStatus.String(status)))
	inst.StepDuration.Record(ctx, durationMs(ev.Duration), metric.WithAttributes(
		AttrWorkflowID.String(ev.WorkflowID),
		AttrStepKey.String(ev.StepKey)))

	if ev.Result != nil && isPendingResult(*ev.Result) {
		inst.PendingApprovals.Add(ctx, 1, metric.WithAttributes(
			AttrWorkflowID.String(ev.WorkflowID),
			AttrStepKey.String(ev.StepKey)))
	}

	emitLog(ctx, inst, otellog.SeverityInfo, "workflow step executed",
		otellog.String("workflow.id", ev.WorkflowID),
		otellog.String("workflow.step.key", ev.StepKey),
		otellog.String("workflow.step.status", status),
		otellog.Float64("duration_ms", durationMs(ev.Duration)))
}

func emitLog(ctx context.Context, inst *Instruments, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	inst.Logger.Emit(ctx, rec)
}

func isPendingResult(res caravan.StepResult) bool {
	err := caravan.DecodeStepError(res)
	if err == nil {
		return false
	}
	var pa *caravan.ErrPendingApproval
	var ph *caravan.ErrPendingHook
	return errors.As(err, &pa) || errors.As(err, &ph)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
