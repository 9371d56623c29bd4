package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/model"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is what happened to one message.
type Outcome int

const (
	// OutcomeReplied means a reply was sent (or logged, in dry-run mode).
	OutcomeReplied Outcome = iota
	// OutcomeNoReply means the message was analyzed and no reply was due.
	OutcomeNoReply
	// OutcomeSkipped means the message could not be fetched or decoded.
	OutcomeSkipped
	// OutcomeFailed means analysis or dispatch failed.
	OutcomeFailed
)

// MessageResult is the per-step result threaded through an iteration.
type MessageResult struct {
	ID      model.MessageID
	Sender  string
	Subject string
	Outcome Outcome
	Err     error
}

// IterationReport summarizes one poll.
type IterationReport struct {
	Started  time.Time
	Finished time.Time
	Unread   int
	// Processed counts messages that reached the analysis step.
	Processed int
	Replied   int
	Skipped   int
	Failed    int
	Results   []MessageResult
}

func (r *IterationReport) add(res MessageResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeReplied:
		r.Processed++
		r.Replied++
	case OutcomeNoReply:
		r.Processed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Processed++
		r.Failed++
	}
}

// Event is published by a loop whenever its state changes or an
// iteration completes.
type Event struct {
	RunID  string
	State  State
	Report *IterationReport
	Err    error
}

// Deps are the collaborators a Loop sequences.
type Deps struct {
	Mailbox    Mailbox
	Decoder    Decoder
	Analyzer   Analyzer
	Extractor  Extractor
	Dispatcher Dispatcher
	Rules      *model.LiveRules
	Logger     *zap.Logger
}

// eventBuffer bounds the event channel; slow readers lose events rather
// than stall the worker.
const eventBuffer = 16

// Loop polls the inbox on a single worker goroutine. A Loop runs at most
// once: Idle -> Running -> Stopped.
type Loop struct {
	cfg    model.TriageConfig
	deps   Deps
	log    *zap.Logger
	runID  string
	state  atomic.Int32
	stop   atomic.Bool
	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
	err    error
	events chan Event
}

// NewLoop creates an idle loop.
func NewLoop(cfg model.TriageConfig, deps Deps) *Loop {
	return newLoop(cfg, deps, make(chan Event, eventBuffer))
}

func newLoop(cfg model.TriageConfig, deps Deps, events chan Event) *Loop {
	if cfg.SubInterval <= 0 {
		cfg.SubInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Rules == nil {
		deps.Rules = model.NewLiveRules(model.RuleSet{})
	}

	runID := uuid.New().String()

	return &Loop{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With(zap.String("run_id", runID)),
		runID:  runID,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		events: events,
	}
}

// RunID identifies this loop in logs and events.
func (l *Loop) RunID() string { return l.runID }

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Events returns the channel events are published on.
func (l *Loop) Events() <-chan Event { return l.events }

// Done is closed once the loop has reached Stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err returns the error that stopped the loop. It is only meaningful
// after Done is closed.
func (l *Loop) Err() error { return l.err }

// Start launches the worker. Only an idle loop can start.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("loop is %s, not idle", l.State())
	}

	l.log.Info("mail triage started",
		zap.String("mailbox", l.cfg.Credentials.Address),
		zap.Duration("interval", l.cfg.PollInterval),
	)
	l.publish(Event{State: StateRunning})

	go l.run()
	return nil
}

// Stop requests shutdown. The worker exits at its next checkpoint: the top
// of an iteration, between messages, or a sleep sub-interval. Calls in
// flight are not interrupted.
func (l *Loop) Stop() {
	l.stop.Store(true)
	l.once.Do(func() { close(l.stopCh) })

	if l.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		l.finish(nil)
	}
}

func (l *Loop) stopRequested() bool {
	return l.stop.Load()
}

func (l *Loop) run() {
	ctx := context.Background()

	var fatal error
	for !l.stopRequested() {
		report, err := l.RunOnce(ctx)

		if err != nil && ScopeOf(err) == ScopeFatal {
			fatal = err
			LogAuthGuidance(l.log, err)
			break
		}

		l.publish(Event{State: StateRunning, Report: &report, Err: err})

		if !l.sleep(l.cfg.PollInterval) {
			break
		}
	}

	l.state.Store(int32(StateStopped))
	l.finish(fatal)
}

func (l *Loop) finish(err error) {
	l.err = err
	l.log.Info("mail triage stopped")
	l.publish(Event{State: StateStopped, Err: err})
	close(l.done)
}

// sleep waits for d in sub-interval steps and reports false if a stop was
// requested meanwhile.
func (l *Loop) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if l.stopRequested() {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}

		step := min(l.cfg.SubInterval, remaining)
		t := time.NewTimer(step)
		select {
		case <-l.stopCh:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// RunOnce performs a single poll: open the session, list unseen mail and
// triage each message in server order. A non-nil error is iteration scope
// or fatal; message failures are recorded in the report instead.
func (l *Loop) RunOnce(ctx context.Context) (report IterationReport, err error) {
	report.Started = time.Now()
	defer func() { report.Finished = time.Now() }()

	rules := l.deps.Rules.Load()

	session, err := l.deps.Mailbox.Open(ctx, l.cfg.Credentials)
	if err != nil {
		if !IsAuthError(err) {
			l.log.Error("IMAP connection failed", zap.Error(err))
		}
		return report, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			l.log.Debug("closing IMAP session", zap.Error(cerr))
		}
	}()

	ids, err := session.ListUnread(ctx)
	if err != nil {
		l.log.Error("listing unread mail failed", zap.Error(err))
		return report, err
	}

	report.Unread = len(ids)
	if len(ids) == 0 {
		l.log.Info("no new mail")
		return report, nil
	}
	l.log.Info("found unread mail", zap.Int("count", len(ids)))

	for _, id := range ids {
		if l.stopRequested() {
			break
		}

		res := l.processMessage(ctx, session, id, rules)
		report.add(res)

		if res.Err != nil && ScopeOf(res.Err) != ScopeMessage {
			l.log.Error("aborting iteration",
				zap.Uint32("uid", uint32(id)), zap.Error(res.Err))
			return report, res.Err
		}
	}

	l.log.Info("iteration complete",
		zap.Int("unread", report.Unread),
		zap.Int("processed", report.Processed),
		zap.Int("replied", report.Replied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	return report, nil
}

func (l *Loop) processMessage(
	ctx context.Context,
	session Session,
	id model.MessageID,
	rules model.RuleSet,
) MessageResult {
	res := MessageResult{ID: id}
	log := l.log.With(zap.Uint32("uid", uint32(id)))

	raw, err := session.Fetch(ctx, id)
	if err != nil {
		res.Outcome = OutcomeSkipped
		res.Err = classify(err, func(e error) error { return &FetchError{ID: id, Err: e} })
		log.Warn("fetch failed, skipping message", zap.Error(res.Err))
		return res
	}

	msg, err := l.deps.Decoder.Decode(raw)
	if err != nil {
		res.Outcome = OutcomeSkipped
		res.Err = classify(err, func(e error) error { return &DecodeError{Err: e} })
		log.Warn("decode failed, skipping message", zap.Error(res.Err))
		return res
	}
	msg.ID = id
	res.Sender = msg.Sender
	res.Subject = msg.Subject

	log.Info("processing message",
		zap.String("subject", msg.Subject),
		zap.String("from", msg.Sender),
	)

	analysis, err := l.deps.Analyzer.Analyze(ctx, msg, rules)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = classify(err, func(e error) error { return &ClassifierError{Err: e} })
		log.Error("analysis failed, reply skipped", zap.Error(res.Err))
		return res
	}
	log.Info("analysis result", zap.String("excerpt", preview(string(analysis), 100)))

	body, ok := l.deps.Extractor.Extract(string(analysis))
	if !ok {
		res.Outcome = OutcomeNoReply
		log.Info("no reply required")
		return res
	}

	if msg.Sender == "" {
		res.Outcome = OutcomeNoReply
		log.Warn("reply requested but sender address is unknown")
		return res
	}

	decision := model.NewReplyDecision(msg, body)

	if l.cfg.DryRun {
		res.Outcome = OutcomeReplied
		log.Info("dry run, reply not sent",
			zap.String("to", decision.Recipient),
			zap.String("subject", decision.Subject),
			zap.String("body", preview(decision.Body, 100)),
		)
		return res
	}

	if err := l.deps.Dispatcher.Send(ctx, l.cfg.Credentials, decision); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = classify(err, func(e error) error {
			return &DispatchError{Recipient: decision.Recipient, Err: e}
		})
		log.Error("reply failed", zap.Error(res.Err))
		return res
	}

	res.Outcome = OutcomeReplied
	log.Info("reply sent", zap.String("to", decision.Recipient))
	return res
}

// classify keeps errors that already name their kind and wraps the rest
// with the kind of the step that produced them.
func classify(err error, wrap func(error) error) error {
	var (
		connErr     *ConnectionError
		fetchErr    *FetchError
		decodeErr   *DecodeError
		classErr    *ClassifierError
		dispatchErr *DispatchError
	)
	if errors.As(err, &connErr) || errors.As(err, &fetchErr) ||
		errors.As(err, &decodeErr) || errors.As(err, &classErr) ||
		errors.As(err, &dispatchErr) {
		return err
	}
	return wrap(err)
}

// LogAuthGuidance logs a rejected login followed by the steps to obtain
// a Gmail app password.
func LogAuthGuidance(log *zap.Logger, err error) {
	log.Error("authentication failed", zap.Error(err))
	log.Error("Gmail accounts need 2-step verification enabled")
	log.Error("use an app password instead of the account password")
	log.Error("create one at https://myaccount.google.com/apppasswords")
}

// publish sends ev without blocking the worker.
func (l *Loop) publish(ev Event) {
	ev.RunID = l.runID
	select {
	case l.events <- ev:
	default:
	}
}

// preview returns the first n runes of s, marking truncation.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
