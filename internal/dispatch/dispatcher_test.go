package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
	"lead-qualifier/pkg/logger"
)

type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	dials   []DialRequest
	updates []UpdateRequest
	seq     int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Dial(_ context.Context, req DialRequest) (DialResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	if f.dialErr != nil {
		return DialResult{}, f.dialErr
	}
	f.seq++
	return DialResult{ProviderCallID: fmt.Sprintf("CA%d", f.seq), Status: "queued"}, nil
}

func (f *fakeTransport) Update(_ context.Context, req UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeTransport) Hangup(context.Context, string) error { return nil }

func (f *fakeTransport) Updates() []UpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UpdateRequest(nil), f.updates...)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []calls.Session
}

func (a *fakeArchiver) Archive(_ context.Context, s calls.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, s)
	return nil
}

func (a *fakeArchiver) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

// countingClassifier wraps a classifier and optionally blocks until released.
type countingClassifier struct {
	inner   classifier.Provider
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (c *countingClassifier) Name() string { return "counting" }

func (c *countingClassifier) Classify(ctx context.Context, transcript string, cc classifier.Context) (calls.Verdict, error) {
	c.calls.Add(1)
	if c.release != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	return c.inner.Classify(ctx, transcript, cc)
}

// conflictingRepo fails the first n saves with ErrConflict.
type conflictingRepo struct {
	*calls.MemoryRepo
	remaining atomic.Int32
}

func (r *conflictingRepo) Save(ctx context.Context, s calls.Session) (calls.Session, error) {
	if r.remaining.Add(-1) >= 0 {
		return calls.Session{}, calls.ErrConflict
	}
	return r.MemoryRepo.Save(ctx, s)
}

type fixture struct {
	repo       calls.Repository
	transport  *fakeTransport
	archiver   *fakeArchiver
	classifier *countingClassifier
	scheduler  *scheduler.MemoryScheduler
	limiter    *MemoryDialLimiter
	timers     *Timers
}

func newDispatcher(t *testing.T, policy orchestrator.Policy, tweak func(*Deps, *fixture)) (*Dispatcher, *fixture) {
	t.Helper()
	orch, err := orchestrator.New(policy)
	require.NoError(t, err)

	fx := &fixture{
		repo:       calls.NewMemoryRepo(),
		transport:  &fakeTransport{},
		archiver:   &fakeArchiver{},
		classifier: &countingClassifier{inner: classifier.NewKeywordClassifier()},
		scheduler:  scheduler.NewMemoryScheduler("monday 9am"),
		limiter:    NewMemoryDialLimiter(0),
		timers:     NewTimers(),
	}
	var ids atomic.Int32
	deps := Deps{
		Orchestrator: orch,
		Speech:       speech.NewGatherProvider(0.3),
		Transport:    fx.transport,
		Archiver:     fx.archiver,
		DialLimiter:  fx.limiter,
		Timers:       fx.timers,
		Log:          logger.Discard(),
		NewID:        func() string { return fmt.Sprintf("sess-%d", ids.Add(1)) },
	}
	if tweak != nil {
		tweak(&deps, fx)
	}
	deps.Repo = fx.repo
	deps.Classifier = fx.classifier
	deps.Scheduler = fx.scheduler
	deps.DialLimiter = fx.limiter

	d, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, fx
}

func ctxWithLog() context.Context {
	return logger.With(context.Background(), logger.Discard())
}

func capture(sessionID, text string) speech.Capture {
	return speech.Capture{SessionID: sessionID, SpeechText: text, Confidence: 0.9}
}

func TestDispatcher_QualifiedCallEndToEnd(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567", From: "+15550000000"})
	require.NoError(t, err)
	require.Equal(t, calls.StateInitiated, s.State)
	require.Equal(t, "CA1", s.ProviderCallID)
	require.Equal(t, 1, fx.limiter.Active())

	res, err := d.Answered(ctx, s.SessionID, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.StateGreeting, res.Session.State)
	require.Equal(t, orchestrator.ActionSay, res.Actions[0].Kind)
	require.Equal(t, 1, fx.timers.Pending())

	res, err = d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)
	require.Equal(t, calls.StateAwaitingResponse, res.Session.State)

	pos := res.Position()
	res, err = d.DeliverCapture(ctx, capture(s.SessionID, "yes I'm interested"), &pos)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2, "speech result then classifier result")
	require.Equal(t, calls.StateScheduling, res.Session.State)
	require.Equal(t, []orchestrator.Action{orchestrator.GatherSpeech(orchestrator.DefaultPrompts().Scheduling, 10)}, res.Actions)
	require.Equal(t, int32(1), fx.classifier.calls.Load())

	pos = res.Position()
	res, err = d.DeliverCapture(ctx, capture(s.SessionID, "Friday at 10am"), &pos)
	require.NoError(t, err)
	require.Equal(t, calls.StateCompleted, res.Session.State)
	require.NotNil(t, res.Session.Appointment)
	require.True(t, orchestrator.Ends(res.Actions))

	require.Equal(t, 1, fx.scheduler.Bookings())
	require.Equal(t, 1, fx.archiver.Count())
	require.Equal(t, 0, fx.limiter.Active())
	require.Equal(t, 0, fx.timers.Pending())

	stored, err := d.Session(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, res.Session, stored)
	require.NoError(t, stored.Validate(2))

	// A replayed scheduler success must not book again.
	res, err = d.Deliver(ctx, orchestrator.SchedulerOutcome(s.SessionID, *stored.Appointment, nil))
	require.NoError(t, err)
	require.False(t, res.Applied())
	require.Equal(t, 1, fx.scheduler.Calls)
}

func TestDispatcher_UnqualifiedCallIsRejected(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	_, err = d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)

	res, err := d.DeliverCapture(ctx, capture(s.SessionID, "no, not interested"), nil)
	require.NoError(t, err)
	require.Equal(t, calls.StateRejected, res.Session.State)
	require.Equal(t, []orchestrator.Action{orchestrator.Say(orchestrator.DefaultPrompts().ThankYou), orchestrator.HangupCall()}, res.Actions)
	require.Equal(t, 0, fx.scheduler.Calls)
}

func TestDispatcher_RetriesAfterConflict(t *testing.T) {
	var repo *conflictingRepo
	d, _ := newDispatcher(t, orchestrator.DefaultPolicy(), func(_ *Deps, fx *fixture) {
		repo = &conflictingRepo{MemoryRepo: calls.NewMemoryRepo()}
		fx.repo = repo
	})
	ctx := ctxWithLog()

	s, _ := calls.NewSession("s1", "+15551234567", calls.DirectionInbound, time.Now())
	_, err := repo.Create(ctx, s)
	require.NoError(t, err)

	repo.remaining.Store(2)
	res, err := d.Deliver(ctx, orchestrator.CallConnected("s1"))
	require.NoError(t, err)
	require.Equal(t, calls.StateGreeting, res.Session.State)

	repo.remaining.Store(100)
	_, err = d.Deliver(ctx, orchestrator.PromptDelivered("s1"))
	require.ErrorIs(t, err, calls.ErrConflict)

	stored, err := repo.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, calls.StateGreeting, stored.State, "a failed save must not advance the session")
}

func TestDispatcher_ConcurrentDuplicateEventsApplyOnce(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	res, err := d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)
	pos := res.Position()

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := d.DeliverCapture(ctx, capture(s.SessionID, "yes"), &pos)
			if err == nil && r.Applied() {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), applied.Load())
	require.Equal(t, int32(1), fx.classifier.calls.Load())
	stored, _ := d.Session(ctx, s.SessionID)
	require.Equal(t, calls.StateScheduling, stored.State)
	require.Len(t, stored.Transcripts, 1)
}

func TestDispatcher_SessionsRunInParallel(t *testing.T) {
	d, _ := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
			if err != nil {
				errs <- err
				return
			}
			if _, err := d.Answered(ctx, s.SessionID, ""); err != nil {
				errs <- err
				return
			}
			if _, err := d.CallEnded(ctx, s.SessionID, orchestrator.HangupCallee); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestDispatcher_UnansweredPromptsFailAfterRetries(t *testing.T) {
	policy := orchestrator.DefaultPolicy()
	policy.GreetingTimeout = 5 * time.Millisecond
	policy.ResponseTimeout = 5 * time.Millisecond
	policy.SchedulingTimeout = 5 * time.Millisecond
	policy.TimerGrace = 0
	d, fx := newDispatcher(t, policy, nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := d.Session(ctx, s.SessionID)
		return err == nil && cur.State == calls.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := d.Session(ctx, s.SessionID)
	require.Equal(t, orchestrator.FailSpeechExhausted, final.FailureReason)

	// greeting timeout -> question, two retries, then the apology.
	require.Eventually(t, func() bool { return len(fx.transport.Updates()) == 4 }, time.Second, 5*time.Millisecond)
	updates := fx.transport.Updates()
	last := updates[len(updates)-1]
	require.Equal(t, orchestrator.ActionSay, last.Actions[0].Kind)
	require.True(t, orchestrator.Ends(last.Actions))
	require.Equal(t, "CA1", last.ProviderCallID)
	require.Eventually(t, func() bool { return fx.timers.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_HangupCancelsTimersAndReleasesSlot(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, 1, fx.timers.Pending())

	res, err := d.CallEnded(ctx, s.SessionID, orchestrator.HangupCallee)
	require.NoError(t, err)
	require.Equal(t, calls.StateFailed, res.Session.State)
	require.True(t, res.Session.Abandoned)
	require.Empty(t, res.Actions)
	require.Equal(t, 0, fx.timers.Pending())
	require.Equal(t, 0, fx.limiter.Active())
	require.Equal(t, 1, fx.archiver.Count())
}

func TestDispatcher_ResultAfterHangupIsDiscarded(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), func(_ *Deps, fx *fixture) {
		fx.classifier.entered = make(chan struct{})
		fx.classifier.release = make(chan struct{})
	})
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	_, err = d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		r, _ := d.DeliverCapture(ctx, capture(s.SessionID, "yes"), nil)
		done <- r
	}()

	<-fx.classifier.entered
	// The session lock is not held while the classifier runs.
	hung, err := d.CallEnded(ctx, s.SessionID, orchestrator.HangupCallee)
	require.NoError(t, err)
	require.Equal(t, calls.StateFailed, hung.Session.State)
	close(fx.classifier.release)

	r := <-done
	require.Len(t, r.Steps, 2)
	require.False(t, r.Steps[1].Applied)
	require.Equal(t, orchestrator.DiscardTerminal, r.Steps[1].Discarded)
	require.Equal(t, calls.StateFailed, r.Session.State)
	require.Nil(t, r.Session.Verdict)
}

func TestDispatcher_DialCapacity(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), func(_ *Deps, fx *fixture) {
		fx.limiter = NewMemoryDialLimiter(1)
	})
	ctx := ctxWithLog()

	first, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Dial(ctx, OutboundRequest{To: "+15557654321"})
	require.ErrorIs(t, err, ErrDialCapacity)

	_, err = d.CallEnded(ctx, first.SessionID, "no-answer")
	require.NoError(t, err)
	require.Equal(t, 0, fx.limiter.Active())

	_, err = d.Dial(ctx, OutboundRequest{To: "+15557654321"})
	require.NoError(t, err)
}

func TestDispatcher_DialFailureFailsSession(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), func(_ *Deps, fx *fixture) {
		fx.transport.dialErr = errors.New("twilio error 21211: invalid to")
	})
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.Error(t, err)
	require.Equal(t, calls.StateFailed, s.State)
	require.Equal(t, DialFailed, s.FailureReason)
	require.Equal(t, 0, fx.limiter.Active())

	_, err = d.Dial(ctx, OutboundRequest{To: "12345"})
	require.ErrorIs(t, err, calls.ErrInvalidSession)
}

func TestDispatcher_StartInboundIsIdempotentPerCall(t *testing.T) {
	d, _ := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()
	req := InboundRequest{ProviderCallID: "CA9", From: "+15551234567", To: "+15550000000"}

	res, err := d.StartInbound(ctx, req)
	require.NoError(t, err)
	require.Equal(t, calls.StateGreeting, res.Session.State)
	require.Equal(t, calls.DirectionInbound, res.Session.Direction)
	require.NotEmpty(t, res.Actions)

	again, err := d.StartInbound(ctx, req)
	require.NoError(t, err)
	require.Equal(t, res.Session.SessionID, again.Session.SessionID)
	require.Empty(t, again.Steps)

	found, err := d.SessionByCallID(ctx, "CA9")
	require.NoError(t, err)
	require.Equal(t, res.Session.SessionID, found.SessionID)
}

func TestDispatcher_TerminatePushesApology(t *testing.T) {
	d, fx := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)

	res, err := d.Terminate(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.FailOperatorHangup, res.Session.FailureReason)

	updates := fx.transport.Updates()
	require.Len(t, updates, 1)
	require.Equal(t, []orchestrator.Action{orchestrator.Say(orchestrator.DefaultPrompts().Apology), orchestrator.HangupCall()}, updates[0].Actions)
	require.Equal(t, calls.StateFailed, updates[0].Position.State)
}

func TestDispatcher_UnknownSession(t *testing.T) {
	d, _ := newDispatcher(t, orchestrator.DefaultPolicy(), nil)
	_, err := d.Deliver(ctxWithLog(), orchestrator.CallConnected("missing"))
	require.ErrorIs(t, err, calls.ErrNotFound)

	_, err = d.Deliver(ctxWithLog(), orchestrator.Event{Type: orchestrator.EventHangup})
	require.ErrorIs(t, err, ErrSessionRequired)
}

// flakyRepo fails the next save that would move a session into state.
type flakyRepo struct {
	*calls.MemoryRepo
	failInto calls.State
	failed   atomic.Bool
}

func (r *flakyRepo) Save(ctx context.Context, s calls.Session) (calls.Session, error) {
	if s.State == r.failInto && r.failed.CompareAndSwap(false, true) {
		return calls.Session{}, errors.New("store unavailable")
	}
	return r.MemoryRepo.Save(ctx, s)
}

func TestDispatcher_LostClassifierResultStillFails(t *testing.T) {
	policy := orchestrator.DefaultPolicy()
	policy.QualifyingTimeout = 20 * time.Millisecond
	var repo *flakyRepo
	d, fx := newDispatcher(t, policy, func(_ *Deps, fx *fixture) {
		repo = &flakyRepo{MemoryRepo: calls.NewMemoryRepo(), failInto: calls.StateScheduling}
		fx.repo = repo
	})
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	_, err = d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)

	_, err = d.DeliverCapture(ctx, capture(s.SessionID, "yes I'm interested"), nil)
	require.Error(t, err, "the classifier result could not be saved")

	require.Eventually(t, func() bool {
		cur, err := d.Session(ctx, s.SessionID)
		return err == nil && cur.State == calls.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := d.Session(ctx, s.SessionID)
	require.Equal(t, orchestrator.FailClassifier, final.FailureReason)
	require.Eventually(t, func() bool {
		updates := fx.transport.Updates()
		return len(updates) > 0 && orchestrator.Ends(updates[len(updates)-1].Actions)
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fx.limiter.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_LostBookingResultStillFails(t *testing.T) {
	policy := orchestrator.DefaultPolicy()
	policy.BookingTimeout = 20 * time.Millisecond
	var repo *flakyRepo
	d, _ := newDispatcher(t, policy, func(_ *Deps, fx *fixture) {
		repo = &flakyRepo{MemoryRepo: calls.NewMemoryRepo(), failInto: calls.StateCompleted}
		fx.repo = repo
	})
	ctx := ctxWithLog()

	s, err := d.Dial(ctx, OutboundRequest{To: "+15551234567"})
	require.NoError(t, err)
	_, err = d.Answered(ctx, s.SessionID, "")
	require.NoError(t, err)
	_, err = d.Deliver(ctx, orchestrator.PromptDelivered(s.SessionID))
	require.NoError(t, err)
	_, err = d.DeliverCapture(ctx, capture(s.SessionID, "yes"), nil)
	require.NoError(t, err)

	_, err = d.DeliverCapture(ctx, capture(s.SessionID, "Friday at 10am"), nil)
	require.Error(t, err, "the booking result could not be saved")

	require.Eventually(t, func() bool {
		cur, err := d.Session(ctx, s.SessionID)
		return err == nil && cur.State == calls.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	final, _ := d.Session(ctx, s.SessionID)
	require.Equal(t, orchestrator.FailSchedulerProvider, final.FailureReason)
	require.False(t, final.BookingInFlight)
}
