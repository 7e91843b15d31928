package persistence

import (
	"context"
	"unicode/utf8"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/orchestrator"
	"github.com/aristath/forge/internal/scheduler"
)

// maxOutput caps stored command output per attempt.
const maxOutput = 8 << 10

// recorderBuffer is the mailbox size; the bus drops messages for a full mailbox.
const recorderBuffer = 1024

// journaled are the actions the recorder consumes. Capability traffic and
// notifications never reach its mailbox.
var journaled = []string{bus.ActionStateChanged, bus.ActionTaskResult, bus.ActionResolution}

// Recorder writes session, attempt and resolution messages from a bus into
// a Store. Journal failures are logged and never reach the pipeline.
type Recorder struct {
	store     Store
	inbox     <-chan bus.Message
	sessionID string
}

// NewRecorder subscribes to b. Call Run to start consuming.
func NewRecorder(b *bus.Bus, store Store) *Recorder {
	return &Recorder{store: store, inbox: b.SubscribeActions(recorderBuffer, journaled...)}
}

// Run consumes messages until ctx is done or the bus is closed. Messages
// already queued when the bus closes are still recorded.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.inbox:
			if !ok {
				return
			}
			r.record(ctx, msg)
		}
	}
}

func (r *Recorder) record(ctx context.Context, msg bus.Message) {
	var err error
	switch msg.Action {
	case bus.ActionStateChanged:
		change, ok := msg.Payload.(bus.StateChange)
		if !ok || change.Key != bus.KeySession {
			return
		}
		sess, ok := change.Value.(orchestrator.Session)
		if !ok {
			return
		}
		r.sessionID = sess.ID
		err = r.store.SaveSession(ctx, SessionRecord{
			ID:         sess.ID,
			Title:      sess.Job.Title,
			PlanName:   sess.PlanName,
			Phase:      string(sess.Phase),
			Progress:   sess.Progress,
			Error:      sess.Error,
			StartedAt:  sess.StartedAt,
			FinishedAt: sess.FinishedAt,
		})

	case bus.ActionTaskResult:
		res, ok := msg.Payload.(scheduler.ExecutionResult)
		if !ok || r.sessionID == "" {
			return
		}
		rec := TaskResultRecord{
			SessionID: r.sessionID,
			TaskID:    res.TaskID,
			AttemptID: res.AttemptID,
			Success:   res.Success,
			Output:    truncate(res.Output, maxOutput),
			Error:     res.Error,
			Duration:  res.Duration,
		}
		if res.Task != nil {
			rec.Type = string(res.Task.Type)
		}
		err = r.store.SaveTaskResult(ctx, rec)

	case bus.ActionResolution:
		ev, ok := msg.Payload.(scheduler.ResolutionEvent)
		if !ok || r.sessionID == "" {
			return
		}
		err = r.store.SaveResolution(ctx, ResolutionRecord{
			SessionID:    r.sessionID,
			TaskID:       ev.TaskID,
			Attempt:      ev.Attempt,
			Tier:         ev.Resolution.Tier,
			Fixed:        ev.Resolution.Fixed,
			Skip:         ev.Resolution.Skip,
			Exhausted:    ev.Resolution.Exhausted,
			Analysis:     ev.Resolution.Analysis,
			RetryCommand: ev.Resolution.RetryCommand,
		})

	default:
		return
	}
	if err != nil {
		logging.Warn("journal write failed", "action", msg.Action, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the result stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}
