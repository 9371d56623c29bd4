package triage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nhle/mailtriage/internal/email"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/reply"
	"github.com/nhle/mailtriage/internal/triage"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var (
	invoiceRaw = crlf(`From: Alice Example <alice@example.com>
To: me@example.com
Subject: Invoice #22
Content-Type: text/plain; charset=utf-8

please send receipt`)

	emptyRaw = crlf(`From: bob@example.com
To: me@example.com
Subject: hello
Content-Type: text/plain; charset=utf-8

`)

	corruptRaw = crlf(`From: c@example.com
Subject: broken
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: base64

!!!not base64!!!`)
)

// fakeSession serves a fixed set of raw messages.
type fakeSession struct {
	ids      []model.MessageID
	raws     map[model.MessageID][]byte
	fetchErr map[model.MessageID]error
	listErr  error

	mu      sync.Mutex
	fetched []model.MessageID
	closed  int
}

func (s *fakeSession) ListUnread(context.Context) ([]model.MessageID, error) {
	return s.ids, s.listErr
}

func (s *fakeSession) Fetch(_ context.Context, id model.MessageID) ([]byte, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, id)
	s.mu.Unlock()

	if err := s.fetchErr[id]; err != nil {
		return nil, err
	}
	return s.raws[id], nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Fetched() []model.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MessageID(nil), s.fetched...)
}

// fakeMailbox hands out one session, optionally failing the first opens.
type fakeMailbox struct {
	session  *fakeSession
	openErrs []error
	opens    atomic.Int32
}

func (m *fakeMailbox) Open(context.Context, model.MailboxCredentials) (triage.Session, error) {
	n := int(m.opens.Add(1)) - 1
	if n < len(m.openErrs) && m.openErrs[n] != nil {
		return nil, m.openErrs[n]
	}
	return m.session, nil
}

// fakeAnalyzer answers with a fixed text per subject.
type fakeAnalyzer struct {
	answers map[string]string
	errs    map[string]error
	hook    func(msg model.InboundMessage)

	mu    sync.Mutex
	calls []model.InboundMessage
	rules []string
}

func (a *fakeAnalyzer) Analyze(
	_ context.Context,
	msg model.InboundMessage,
	rules model.RuleSet,
) (model.AnalysisResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, msg)
	a.rules = append(a.rules, rules.Text)
	a.mu.Unlock()

	if a.hook != nil {
		a.hook(msg)
	}
	if err := a.errs[msg.Subject]; err != nil {
		return "", err
	}
	return model.AnalysisResult(a.answers[msg.Subject]), nil
}

func (a *fakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeDispatcher struct {
	errs map[string]error

	mu   sync.Mutex
	sent []model.ReplyDecision
}

func (d *fakeDispatcher) Send(
	_ context.Context,
	_ model.MailboxCredentials,
	decision model.ReplyDecision,
) error {
	if err := d.errs[decision.Recipient]; err != nil {
		return err
	}
	d.mu.Lock()
	d.sent = append(d.sent, decision)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) Sent() []model.ReplyDecision {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ReplyDecision(nil), d.sent...)
}

func validConfig() model.TriageConfig {
	return model.TriageConfig{
		Credentials: model.MailboxCredentials{
			Address:  "me@example.com",
			Secret:   "app-password",
			IMAPHost: "imap.example.com",
			IMAPPort: 993,
			IMAPTLS:  true,
			SMTPHost: "smtp.example.com",
			SMTPPort: 587,
		},
		APIKey:       "key",
		PollInterval: 20 * time.Millisecond,
		SubInterval:  5 * time.Millisecond,
	}
}

type fixture struct {
	mailbox    *fakeMailbox
	session    *fakeSession
	analyzer   *fakeAnalyzer
	dispatcher *fakeDispatcher
	rules      *model.LiveRules
	logs       *observer.ObservedLogs
	deps       triage.Deps
}

func newFixture() *fixture {
	session := &fakeSession{
		ids: []model.MessageID{1, 2},
		raws: map[model.MessageID][]byte{
			1: invoiceRaw,
			2: emptyRaw,
		},
	}
	f := &fixture{
		session: session,
		mailbox: &fakeMailbox{session: session},
		analyzer: &fakeAnalyzer{answers: map[string]string{
			"Invoice #22": "客户索要收据。\n回复内容: Receipt attached, thanks...",
			"hello":       "空邮件，无需处理。",
		}},
		dispatcher: &fakeDispatcher{},
		rules:      model.NewLiveRules(model.RuleSet{Text: "如果客户索要收据，回复收据已附上"}),
	}

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	f.deps = triage.Deps{
		Mailbox:    f.mailbox,
		Decoder:    email.NewDecoder(0),
		Analyzer:   f.analyzer,
		Extractor:  reply.NewExtractor(),
		Dispatcher: f.dispatcher,
		Rules:      f.rules,
		Logger:     zap.New(core),
	}
	return f
}

func TestRunOnce_InvoiceScenario(t *testing.T) {
	f := newFixture()
	loop := triage.NewLoop(validConfig(), f.deps)

	report, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Unread)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Replied)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)

	assert.Equal(t, []model.MessageID{1, 2}, f.session.Fetched())
	assert.Equal(t, 2, f.analyzer.Calls())

	sent := f.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.ReplyDecision{
		Recipient: "alice@example.com",
		Subject:   "Re: Invoice #22",
		Body:      "Receipt attached, thanks...",
	}, sent[0])

	require.Len(t, report.Results, 2)
	assert.Equal(t, triage.OutcomeReplied, report.Results[0].Outcome)
	assert.Equal(t, triage.OutcomeNoReply, report.Results[1].Outcome)
	assert.Equal(t, model.MessageID(2), report.Results[1].ID)

	assert.Equal(t, 1, f.session.closed)
	assert.NotZero(t, f.logs.FilterMessage("reply sent").Len())
}

func TestRunOnce_NoUnreadMail(t *testing.T) {
	f := newFixture()
	f.session.ids = nil
	loop := triage.NewLoop(validConfig(), f.deps)

	report, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Unread)
	assert.False(t, report.Finished.IsZero())
	assert.False(t, report.Finished.Before(report.Started))
	assert.Zero(t, f.analyzer.Calls())
	assert.Equal(t, 1, f.logs.FilterMessage("no new mail").Len())
}

func TestRunOnce_MessageErrorsAreContained(t *testing.T) {
	f := newFixture()
	f.session.ids = []model.MessageID{1, 2, 3, 4, 5}
	f.session.raws = map[model.MessageID][]byte{
		2: corruptRaw,
		3: crlf("From: d@example.com\nSubject: analysis down\n\nhi"),
		4: crlf("From: e@example.com\nSubject: unreachable\n\nhi"),
		5: invoiceRaw,
	}
	f.session.fetchErr = map[model.MessageID]error{
		1: errors.New("message vanished"),
	}
	f.analyzer.errs = map[string]error{
		"analysis down": errors.New("503 overloaded"),
	}
	f.analyzer.answers["unreachable"] = "回复内容：收到"
	f.dispatcher.errs = map[string]error{
		"e@example.com": &triage.AuthError{Server: "smtp.example.com", Message: "535 bad credentials"},
	}

	loop := triage.NewLoop(validConfig(), f.deps)
	report, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.MessageID{1, 2, 3, 4, 5}, f.session.Fetched())
	assert.Equal(t, 5, report.Unread)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Replied)
	assert.Equal(t, 3, report.Processed)

	var (
		fetchErr    *triage.FetchError
		decodeErr   *triage.DecodeError
		classErr    *triage.ClassifierError
		dispatchErr *triage.DispatchError
	)
	assert.ErrorAs(t, report.Results[0].Err, &fetchErr)
	assert.Equal(t, model.MessageID(1), fetchErr.ID)
	assert.ErrorAs(t, report.Results[1].Err, &decodeErr)
	assert.ErrorAs(t, report.Results[2].Err, &classErr)
	assert.ErrorAs(t, report.Results[3].Err, &dispatchErr)
	assert.Equal(t, "e@example.com", dispatchErr.Recipient)

	require.Len(t, f.dispatcher.Sent(), 1)
	assert.Equal(t, "alice@example.com", f.dispatcher.Sent()[0].Recipient)
}

func TestRunOnce_ConnectionErrorAbortsIteration(t *testing.T) {
	f := newFixture()
	f.session.fetchErr = map[model.MessageID]error{
		1: &triage.ConnectionError{Op: "fetch", Err: errors.New("connection reset")},
	}

	loop := triage.NewLoop(validConfig(), f.deps)
	_, err := loop.RunOnce(context.Background())
	require.Error(t, err)

	assert.Equal(t, triage.ScopeIteration, triage.ScopeOf(err))
	assert.Equal(t, []model.MessageID{1}, f.session.Fetched())
	assert.Zero(t, f.analyzer.Calls())
	assert.Equal(t, 1, f.session.closed)
}

func TestRunOnce_ListFailure(t *testing.T) {
	f := newFixture()
	f.session.listErr = &triage.ConnectionError{Op: "search", Err: errors.New("BAD")}

	loop := triage.NewLoop(validConfig(), f.deps)
	_, err := loop.RunOnce(context.Background())

	var connErr *triage.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Empty(t, f.session.Fetched())
}

func TestRunOnce_EmptySenderIsNotReplied(t *testing.T) {
	f := newFixture()
	f.session.ids = []model.MessageID{9}
	f.session.raws = map[model.MessageID][]byte{
		9: crlf("Subject: anonymous\n\nhi"),
	}
	f.analyzer.answers["anonymous"] = "回复内容: hello"

	loop := triage.NewLoop(validConfig(), f.deps)
	report, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.dispatcher.Sent())
	assert.Equal(t, triage.OutcomeNoReply, report.Results[0].Outcome)
}

func TestRunOnce_DryRun(t *testing.T) {
	f := newFixture()
	cfg := validConfig()
	cfg.DryRun = true

	loop := triage.NewLoop(cfg, f.deps)
	report, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Replied)
	assert.Empty(t, f.dispatcher.Sent())
	assert.Equal(t, 1, f.logs.FilterMessage("dry run, reply not sent").Len())
}

func TestRunOnce_ReadsLiveRules(t *testing.T) {
	f := newFixture()
	f.session.ids = []model.MessageID{1}
	loop := triage.NewLoop(validConfig(), f.deps)

	_, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	f.rules.Set(model.RuleSet{Text: "new rules"})
	_, err = loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"如果客户索要收据，回复收据已附上", "new rules"}, f.analyzer.rules)
}

func TestLoop_StopBetweenMessages(t *testing.T) {
	f := newFixture()
	cfg := validConfig()
	cfg.PollInterval = time.Hour

	var loop *triage.Loop
	f.analyzer.hook = func(msg model.InboundMessage) {
		if msg.ID == 1 {
			loop.Stop()
		}
	}
	loop = triage.NewLoop(cfg, f.deps)
	require.NoError(t, loop.Start())

	waitDone(t, loop, 2*time.Second)

	// The in-flight message finishes; the next one is never fetched.
	assert.Equal(t, []model.MessageID{1}, f.session.Fetched())
	require.Len(t, f.dispatcher.Sent(), 1)
	assert.Equal(t, triage.StateStopped, loop.State())
}

func TestLoop_StopLatencyBoundedBySubInterval(t *testing.T) {
	f := newFixture()
	f.session.ids = nil

	cfg := validConfig()
	cfg.PollInterval = time.Hour
	cfg.SubInterval = 50 * time.Millisecond

	loop := triage.NewLoop(cfg, f.deps)
	require.NoError(t, loop.Start())

	waitForReport(t, loop.Events(), 2*time.Second)

	start := time.Now()
	loop.Stop()
	waitDone(t, loop, 2*time.Second)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), f.mailbox.opens.Load())
}

func TestLoop_ConnectionErrorRetriesNextTick(t *testing.T) {
	f := newFixture()
	f.session.ids = nil
	f.mailbox.openErrs = []error{
		&triage.ConnectionError{Op: "dial", Err: errors.New("no route to host")},
	}

	loop := triage.NewLoop(validConfig(), f.deps)
	require.NoError(t, loop.Start())
	defer func() {
		loop.Stop()
		waitDone(t, loop, 2*time.Second)
	}()

	first := waitForReport(t, loop.Events(), 2*time.Second)
	var connErr *triage.ConnectionError
	assert.ErrorAs(t, first.Err, &connErr)
	assert.Equal(t, triage.StateRunning, loop.State())

	second := waitForReport(t, loop.Events(), 2*time.Second)
	assert.NoError(t, second.Err)
}

func TestLoop_InboundAuthFailureStops(t *testing.T) {
	f := newFixture()
	f.mailbox.openErrs = []error{
		&triage.AuthError{Server: "imap.gmail.com", Message: "Invalid credentials"},
	}

	loop := triage.NewLoop(validConfig(), f.deps)
	require.NoError(t, loop.Start())
	waitDone(t, loop, 2*time.Second)

	assert.Equal(t, triage.StateStopped, loop.State())
	assert.True(t, triage.IsAuthError(loop.Err()))
	assert.Equal(t, int32(1), f.mailbox.opens.Load())
	assert.Empty(t, f.session.Fetched())
	assert.Zero(t, f.analyzer.Calls())

	assert.Equal(t, 1, f.logs.FilterMessageSnippet("apppasswords").Len())
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("2-step verification").Len())

	ev := lastEvent(loop.Events())
	assert.Equal(t, triage.StateStopped, ev.State)
	assert.True(t, triage.IsAuthError(ev.Err))

	// A stopped loop cannot be started again.
	assert.Error(t, loop.Start())
}

func TestLoop_StopWhileIdle(t *testing.T) {
	f := newFixture()
	loop := triage.NewLoop(validConfig(), f.deps)

	loop.Stop()
	loop.Stop()
	waitDone(t, loop, time.Second)

	assert.Equal(t, triage.StateStopped, loop.State())
	assert.NoError(t, loop.Err())
	assert.Error(t, loop.Start())
	assert.Zero(t, f.mailbox.opens.Load())
}

func TestLoop_StartTwice(t *testing.T) {
	f := newFixture()
	f.session.ids = nil
	cfg := validConfig()
	cfg.PollInterval = time.Hour

	loop := triage.NewLoop(cfg, f.deps)
	require.NoError(t, loop.Start())
	assert.Error(t, loop.Start())

	loop.Stop()
	waitDone(t, loop, 2*time.Second)
}

func waitDone(t *testing.T, loop *triage.Loop, timeout time.Duration) {
	t.Helper()
	select {
	case <-loop.Done():
	case <-time.After(timeout):
		t.Fatalf("loop did not stop within %s", timeout)
	}
}

// waitForReport returns the next event that carries an iteration report.
func waitForReport(t *testing.T, events <-chan triage.Event, timeout time.Duration) triage.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Report != nil {
				return ev
			}
		case <-deadline:
			t.Fatalf("no iteration report within %s", timeout)
		}
	}
}

// lastEvent drains events and returns the final one.
func lastEvent(events <-chan triage.Event) triage.Event {
	var last triage.Event
	for {
		select {
		case ev := <-events:
			last = ev
		default:
			return last
		}
	}
}

func TestLogAuthGuidance(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	err := &triage.AuthError{Server: "imap.gmail.com", Message: "Invalid credentials"}

	triage.LogAuthGuidance(zap.New(core), err)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "authentication failed", entries[0].Message)
	assert.Equal(t, 1, logs.FilterMessageSnippet("app password").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("apppasswords").Len())
}
