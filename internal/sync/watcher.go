package sync

import (
	"errors"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailtriage/internal/triage"
)

// Totals accumulates iteration counts for one run.
type Totals struct {
	Polls     int
	Processed int
	Replied   int
	Skipped   int
	Failed    int
}

// Status is the latest known state of the triage loop.
type Status struct {
	State    triage.State
	RunID    string
	LastPoll time.Time
	Unread   int
	Totals   Totals
	Err      error
}

// EventMsg is a tea.Msg sent for every event a triage loop publishes.
type EventMsg struct {
	Event     triage.Event
	Status    Status
	AuthError *AuthErrorMsg
}

// AuthErrorMsg is set on an EventMsg when the mailbox rejected the login.
type AuthErrorMsg struct {
	Message string
}

// LogTickMsg asks the log view to pick up new lines.
type LogTickMsg time.Time

// Watcher turns controller events into Bubble Tea messages and keeps a
// running status for the header and status bar.
type Watcher struct {
	ctrl   *triage.Controller
	mu     gosync.Mutex
	status Status
}

// NewWatcher creates a watcher for ctrl.
func NewWatcher(ctrl *triage.Controller) *Watcher {
	return &Watcher{ctrl: ctrl}
}

// Status returns the current status. The state is read from the loop
// itself because events can be dropped when nobody is listening.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	st := w.status
	w.mu.Unlock()

	if loop := w.ctrl.Current(); loop != nil {
		st.State = loop.State()
		st.RunID = loop.RunID()
	} else {
		st.State = triage.StateIdle
	}
	return st
}

// Apply folds ev into the status and returns the message for it.
func (w *Watcher) Apply(ev triage.Event) EventMsg {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.RunID != w.status.RunID {
		w.status = Status{RunID: ev.RunID}
	}
	w.status.State = ev.State

	if r := ev.Report; r != nil {
		w.status.LastPoll = r.Finished
		w.status.Unread = r.Unread
		w.status.Totals.Polls++
		w.status.Totals.Processed += r.Processed
		w.status.Totals.Replied += r.Replied
		w.status.Totals.Skipped += r.Skipped
		w.status.Totals.Failed += r.Failed
	}
	w.status.Err = ev.Err

	msg := EventMsg{Event: ev, Status: w.status}
	if ev.State == triage.StateStopped && triage.IsAuthError(ev.Err) {
		msg.AuthError = &AuthErrorMsg{
			Message: "mailbox: authentication failed. Press 'c' to reconfigure.",
		}
	}
	return msg
}

// WaitForNextEvent returns a tea.Cmd that waits for the next loop event.
// It should be called again after each EventMsg to keep listening.
func (w *Watcher) WaitForNextEvent() tea.Cmd {
	events := w.ctrl.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return w.Apply(ev)
	}
}

// TickLogs returns a tea.Cmd that fires a LogTickMsg after d.
func TickLogs(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return LogTickMsg(t)
	})
}

// FormatReport renders a one-line summary of an iteration.
func FormatReport(r *triage.IterationReport) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d unread, %d processed, %d replied, %d skipped, %d failed",
		r.Unread, r.Processed, r.Replied, r.Skipped, r.Failed)
}

// Describe renders the status for the status bar.
func Describe(st Status) string {
	switch st.State {
	case triage.StateRunning:
		if st.LastPoll.IsZero() {
			return "Polling..."
		}
		s := fmt.Sprintf("Last poll %s: %d unread | replied %d, failed %d",
			st.LastPoll.Format("15:04:05"), st.Unread, st.Totals.Replied, st.Totals.Failed)
		if st.Err != nil {
			s += " | " + errSummary(st.Err)
		}
		return s
	case triage.StateStopped:
		if st.Err != nil {
			return "Stopped: " + errSummary(st.Err)
		}
		return fmt.Sprintf("Stopped after %d polls, %d replies", st.Totals.Polls, st.Totals.Replied)
	default:
		return "Idle. Press s to start."
	}
}

func errSummary(err error) string {
	var authErr *triage.AuthError
	if errors.As(err, &authErr) {
		return "authentication failed"
	}
	return err.Error()
}
