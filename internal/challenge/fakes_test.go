package challenge

import (
	"context"
	"sync"
	"testing"
	"time"

	"medlab-portal/resultaccess/internal/portal"
	"medlab-portal/resultaccess/internal/result/domain"
	"medlab-portal/resultaccess/internal/telemetry"
)

// manualClock is a Clock advanced explicitly by tests.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{clock: m, c: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves time forward and fires every running ticker once.
func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for _, t := range m.tickers {
		if t.stopped {
			continue
		}
		select {
		case t.c <- m.now:
		default:
		}
	}
}

// running returns how many tickers have not been stopped.
func (m *manualClock) running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTicker struct {
	clock   *manualClock
	c       chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// fakePortal is a scripted Portal that counts calls.
type fakePortal struct {
	mu sync.Mutex

	ref       *domain.Reference
	lookupErr error

	issue     *portal.CodeIssue
	issueErr  error
	resend    *portal.CodeIssue
	resendErr error

	verify    *portal.Verification
	verifyErr error
	// verifyGate, when non-nil, blocks VerifyCode until it is closed or the context ends.
	verifyGate chan struct{}
	// verifyEntered receives once per VerifyCode call, when non-nil.
	verifyEntered chan struct{}

	calls map[string]int
	codes []string
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		ref: &domain.Reference{ID: "r1", ReferenceCode: "LAB-2025-0042", PatientFirstName: "Awa", PatientLastName: "Ndjock"},
		issue: &portal.CodeIssue{
			Success:                true,
			MaskedContact:          "+237•••••089",
			ExpiresInMinutes:       10,
			DeliveryChannelEnabled: true,
		},
		verify: &portal.Verification{Success: true, AccessToken: "grant-token"},
		calls:  make(map[string]int),
	}
}

func (f *fakePortal) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakePortal) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakePortal) set(fn func(f *fakePortal)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePortal) Lookup(ctx context.Context, resultID string) (*domain.Reference, error) {
	f.record("lookup")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.ref, nil
}

func (f *fakePortal) RequestCode(ctx context.Context, resultID string) (*portal.CodeIssue, error) {
	f.record("request")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issue, f.issueErr
}

func (f *fakePortal) ResendCode(ctx context.Context, resultID string) (*portal.CodeIssue, error) {
	f.record("resend")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resend == nil && f.resendErr == nil {
		return f.issue, f.issueErr
	}
	return f.resend, f.resendErr
}

func (f *fakePortal) VerifyCode(ctx context.Context, resultID, code string) (*portal.Verification, error) {
	f.record("verify")
	f.mu.Lock()
	f.codes = append(f.codes, code)
	gate, entered := f.verifyGate, f.verifyEntered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verify, f.verifyErr
}

// recordingEmitter collects emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEmitter) snapshot() []*telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*telemetry.Event(nil), r.events...)
}

func newTestController(t *testing.T, p Portal, clock *manualClock, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithClock(clock)}, opts...)
	c := New(p, "r1", opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// codeSent drives a controller to CODE_SENT.
func codeSent(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.RequestCode(ctx); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
}

// waitFor polls the controller snapshot until cond holds.
func waitFor(t *testing.T, c *Controller, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
