package executor

import (
	"fmt"

	"goa.design/durableflow/eventlog"
	"goa.design/durableflow/workflow"
)

// replay fast-forwards wf (freshly constructed from the first event's
// input) through every subsequent persisted event, dispatching to the
// matching On* handler and discarding its returned actions: they were
// already translated and persisted by the activation that produced them
// (spec.md §4.1 step 2). Events that merely echo an action the handler
// already emitted (ActivityScheduled, ActivityStarted, TimerStarted, ...)
// carry no handler dispatch of their own.
func replay(wf workflow.Workflow, events []eventlog.Event) error {
	for _, ev := range events[1:] {
		switch ev.Kind {
		case eventlog.KindActivityCompleted:
			var p eventlog.ActivityCompletedPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			if _, err := wf.OnActivityCompleted(p.ActivityID, p.Result); err != nil {
				return err
			}
		case eventlog.KindActivityFailed:
			var p eventlog.ActivityFailedPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			// A will-retry failure produces no handler callback (only the
			// logged event); only the terminal failure does.
			if !p.WillRetry {
				if _, err := wf.OnActivityFailed(p.ActivityID, p.Error); err != nil {
					return err
				}
			}
		case eventlog.KindTimerFired:
			var p eventlog.TimerFiredPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			if _, err := wf.OnTimerFired(p.TimerID); err != nil {
				return err
			}
		case eventlog.KindSignalReceived:
			var p eventlog.SignalReceivedPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			envelope := workflow.SignalEnvelope{SignalID: p.SignalID, SignalType: p.SignalType, Payload: p.Payload, Sequence: p.Sequence}
			if _, err := wf.OnSignal(envelope); err != nil {
				return err
			}
		case eventlog.KindActivityScheduled, eventlog.KindActivityStarted,
			eventlog.KindActivityTimedOut, eventlog.KindActivityCancelled,
			eventlog.KindTimerStarted, eventlog.KindTimerCancelled,
			eventlog.KindChildWorkflowStarted, eventlog.KindChildWorkflowCompleted,
			eventlog.KindChildWorkflowFailed,
			eventlog.KindWorkflowCompleted, eventlog.KindWorkflowFailed, eventlog.KindWorkflowCancelled:
			// Echoes of already-dispatched actions or terminal markers; no
			// handler call.
		case eventlog.KindWorkflowStarted:
			return fmt.Errorf("executor: unexpected second WorkflowStarted event at sequence %d", ev.Sequence)
		default:
			return fmt.Errorf("executor: %w: unrecognized event kind %q at sequence %d", errUnknownEventKind, ev.Kind, ev.Sequence)
		}
	}
	return nil
}
