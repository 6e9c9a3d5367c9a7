package calls

import (
	"fmt"
	"math"
	"time"
)

// EventKind is an input to the call state machine. Events arrive from the
// initiating request, the provider's status webhooks and the signaling channel.
type EventKind string

const (
	EventDial     EventKind = "dial"
	EventConnect  EventKind = "connect"
	EventAnswer   EventKind = "answer"
	EventHangup   EventKind = "hangup"
	EventNoAnswer EventKind = "no_answer"
	EventFail     EventKind = "fail"
)

// Event is one state machine input.
type Event struct {
	Kind EventKind
	// Source names the channel the event came from ("api", "webhook",
	// "signaling", "reaper"). Used for logs and audit only.
	Source string
	// Actor is the user behind the event, empty for provider and reaper events.
	Actor string
	At    time.Time

	// RecordingURL is copied onto the record when present.
	RecordingURL string
	// Reason is a short free-form explanation for fail events.
	Reason string
}

// Step is the outcome of applying one event to one record.
type Step struct {
	From Status
	To   Status
	// Changed is false for forward-only no-ops (e.g. connect after answered).
	Changed bool
	Patch   Patch
}

// Transition computes the next state for rec under ev without mutating rec.
//
// Returns ErrStaleEvent if rec is already terminal.
func Transition(rec CallRecord, ev Event) (Step, error) {
	from := rec.Status
	if from.IsTerminal() {
		return Step{From: from, To: from}, ErrStaleEvent
	}
	if from.rank() < 0 {
		return Step{}, fmt.Errorf("calls: unknown status %q", from)
	}

	to, err := target(from, ev.Kind)
	if err != nil {
		return Step{}, err
	}
	if to == from || (!to.IsTerminal() && to.rank() < from.rank()) {
		return Step{From: from, To: from}, nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	st := to
	p := Patch{Status: &st, ExpectStatus: from, UpdatedAt: at}
	switch {
	case to.IsTerminal():
		end := at
		if end.Before(rec.StartTime) {
			end = rec.StartTime
		}
		d := durationSeconds(rec.StartTime, end)
		disp := terminalDisposition(to)
		p.EndTime = &end
		p.DurationSeconds = &d
		p.Disposition = &disp
	case to == StatusAnswered:
		disp := DispositionAnswered
		p.Disposition = &disp
	}
	if ev.RecordingURL != "" && rec.RecordingURL == "" {
		u := ev.RecordingURL
		p.RecordingURL = &u
	}
	return Step{From: from, To: to, Changed: true, Patch: p}, nil
}

func target(from Status, kind EventKind) (Status, error) {
	answered := from == StatusAnswered
	switch kind {
	case EventDial:
		return StatusProviderConnecting, nil
	case EventConnect:
		return StatusConnected, nil
	case EventAnswer:
		return StatusAnswered, nil
	case EventHangup:
		if answered {
			return StatusCompleted, nil
		}
		return StatusMissed, nil
	case EventNoAnswer:
		if answered {
			return StatusCompleted, nil
		}
		return StatusMissed, nil
	case EventFail:
		if answered {
			return StatusCompleted, nil
		}
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown event %q", ErrValidation, kind)
	}
}

func terminalDisposition(s Status) Disposition {
	switch s {
	case StatusCompleted:
		return DispositionCompleted
	case StatusMissed:
		return DispositionMissed
	default:
		return DispositionFailed
	}
}

// durationSeconds rounds end-start to whole seconds.
func durationSeconds(start, end time.Time) int {
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return int(math.Round(end.Sub(start).Seconds()))
}
