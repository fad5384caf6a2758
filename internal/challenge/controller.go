// Package challenge implements the one-time-code challenge that gates anonymous access to a
// lab result. A Controller owns one challenge session: commands are serialized through a single
// goroutine (guard, transition, side effect), network calls run in helper goroutines and report
// back as events, and countdown timers are owned by the loop.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/portal"
	"medlab-portal/resultaccess/internal/result/domain"
	"medlab-portal/resultaccess/internal/telemetry"
)

const (
	// DefaultResendCooldown is the wait between code issues, independent of code expiry.
	DefaultResendCooldown = 60 * time.Second
	// DefaultExpiry is assumed when the server does not say how long a code is valid.
	DefaultExpiry = 10 * time.Minute
)

// Portal is the server side of the challenge. *portal.Client implements it.
type Portal interface {
	Lookup(ctx context.Context, resultID string) (*domain.Reference, error)
	RequestCode(ctx context.Context, resultID string) (*portal.CodeIssue, error)
	ResendCode(ctx context.Context, resultID string) (*portal.CodeIssue, error)
	VerifyCode(ctx context.Context, resultID, code string) (*portal.Verification, error)
}

// Snapshot is the read-only view of a session published to observers.
type Snapshot struct {
	ResultID  string
	State     State
	Reference *domain.Reference
	// MaskedContact is where the code was sent. Never the raw contact.
	MaskedContact             string
	SecondsUntilExpiry        int
	SecondsUntilResendAllowed int
	LastErrorKind             Kind
	LastErrorMessage          string
	// TestMode is set when the server reports its delivery channel disabled; the code is then only in server logs.
	TestMode bool
	// Busy is set while a network call for this session is in flight.
	Busy bool
}

// CanRequest reports whether RequestCode would be dispatched.
func (s Snapshot) CanRequest() bool { return s.State == StateAwaitingRequest && !s.Busy }

// CanSubmit reports whether SubmitCode would be dispatched for a well-formed code.
func (s Snapshot) CanSubmit() bool { return s.State == StateCodeSent && !s.Busy }

// CanResend reports whether ResendCode would be dispatched.
func (s Snapshot) CanResend() bool {
	return s.State == StateCodeSent && !s.Busy && s.SecondsUntilResendAllowed == 0
}

// CodeExpired reports whether the advisory expiry countdown has run out.
// The server may still accept or reject the code.
func (s Snapshot) CodeExpired() bool {
	return s.State == StateCodeSent && s.SecondsUntilExpiry == 0
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for countdowns and the resend guard.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger. nil means no logging.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(logger) }
}

// WithEmitter sets the telemetry emitter for flow events.
func WithEmitter(emitter telemetry.EventEmitter) Option {
	return func(c *Controller) { c.emitter = emitter }
}

// WithCodeLength sets the required code length. Values <= 0 keep the default.
func WithCodeLength(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.codeLength = n
		}
	}
}

// WithResendCooldown sets the resend cooldown. Values <= 0 keep the default.
func WithResendCooldown(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.resendCooldown = d
		}
	}
}

// WithDefaultExpiry sets the expiry used when the server omits it. Values <= 0 keep the default.
func WithDefaultExpiry(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.defaultExpiry = d
		}
	}
}

type cmdKind int

const (
	cmdLoad cmdKind = iota
	cmdRequest
	cmdResend
	cmdSubmit
	cmdGrant
)

func (k cmdKind) String() string {
	switch k {
	case cmdLoad:
		return "load"
	case cmdRequest:
		return "request"
	case cmdResend:
		return "resend"
	case cmdSubmit:
		return "submit"
	case cmdGrant:
		return "grant"
	}
	return "unknown"
}

type command struct {
	kind  cmdKind
	ctx   context.Context
	code  string
	reply chan reply
}

type reply struct {
	ref   *domain.Reference
	grant AccessGrant
	err   error
}

// outcome is the result of a network call, delivered back to the loop.
type outcome struct {
	kind   cmdKind
	ref    *domain.Reference
	issue  *portal.CodeIssue
	verify *portal.Verification
	err    error
	reply  chan reply
}

// Controller drives one challenge session for one result. Create it with New and release it with Close.
type Controller struct {
	resultID       string
	portal         Portal
	clock          Clock
	logger         *zap.Logger
	emitter        telemetry.EventEmitter
	codeLength     int
	resendCooldown time.Duration
	defaultExpiry  time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	cmds     chan command
	outcomes chan outcome
	stopped  chan struct{}
	calls    sync.WaitGroup

	// Owned by the loop goroutine.
	state         State
	ref           *domain.Reference
	maskedContact string
	testMode      bool
	expiry        countdown
	cooldown      countdown
	inflight      bool
	lastErr       *Error
	grant         *grant

	mu         sync.Mutex
	latest     Snapshot
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool
}

// New starts a controller for resultID in StateIdle.
func New(p Portal, resultID string, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		resultID:       resultID,
		portal:         p,
		clock:          SystemClock{},
		logger:         zap.NewNop(),
		codeLength:     DefaultCodeLength,
		resendCooldown: DefaultResendCooldown,
		defaultExpiry:  DefaultExpiry,
		ctx:            ctx,
		cancel:         cancel,
		cmds:           make(chan command),
		outcomes:       make(chan outcome),
		stopped:        make(chan struct{}),
		subs:           make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.latest = c.snapshot()
	go c.run()
	return c
}

// ResultID returns the result this controller gates.
func (c *Controller) ResultID() string { return c.resultID }

// CodeLength returns the number of digits SubmitCode expects.
func (c *Controller) CodeLength() int { return c.codeLength }

// Load resolves the result. IDLE moves to AWAITING_REQUEST, or to NOT_FOUND when the id does not resolve.
func (c *Controller) Load(ctx context.Context) (*domain.Reference, error) {
	r := c.send(ctx, command{kind: cmdLoad})
	return r.ref, r.err
}

// RequestCode asks the server to issue a code. Permitted in AWAITING_REQUEST only.
func (c *Controller) RequestCode(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdRequest}).err
}

// ResendCode issues a fresh code. Permitted in CODE_SENT once the resend cooldown has elapsed;
// an early resend returns ErrResendCooldown without contacting the server.
func (c *Controller) ResendCode(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdResend}).err
}

// SubmitCode sends code for verification. Permitted in CODE_SENT only. A malformed code returns
// ErrMalformedCode and a second submission while one is in flight returns ErrBusy; neither is dispatched.
func (c *Controller) SubmitCode(ctx context.Context, code string) error {
	return c.send(ctx, command{kind: cmdSubmit, code: code}).err
}

// Grant returns the access capability. It fails with ErrAccessNotGranted in any state but SUCCESS.
func (c *Controller) Grant() (AccessGrant, error) {
	r := c.send(context.Background(), command{kind: cmdGrant})
	return r.grant, r.err
}

// Snapshot returns the latest published snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Subscribe returns a channel carrying the latest snapshot. The channel holds at most one value;
// an unread snapshot is replaced by a newer one. It is closed by cancel or Close.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	if c.subsClosed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.latest
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close stops the controller: in-flight calls are cancelled, timers are released, the grant is
// revoked and subscriber channels are closed. No request is sent to the server. Safe to call more than once.
func (c *Controller) Close() error {
	c.cancel()
	<-c.stopped
	return nil
}

func (c *Controller) send(ctx context.Context, cmd command) reply {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return reply{err: ErrClosed}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-c.stopped:
		return reply{err: ErrClosed}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case cmd := <-c.cmds:
			c.handle(cmd)
		case out := <-c.outcomes:
			c.complete(out)
		case <-c.expiry.C():
			c.tick(&c.expiry)
		case <-c.cooldown.C():
			c.tick(&c.cooldown)
		}
	}
}

func (c *Controller) teardown() {
	c.expiry.reset()
	c.cooldown.reset()
	c.grant.revoke()
	c.calls.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsClosed = true
	c.logger.Debug("challenge closed", zap.String("result_id", c.resultID), zap.Stringer("state", c.state))
}

func (c *Controller) handle(cmd command) {
	if cmd.kind == cmdGrant {
		if c.state != StateSuccess || c.grant == nil {
			c.reject(cmd, ErrAccessNotGranted, "not_granted")
			return
		}
		cmd.reply <- reply{grant: AccessGrant{g: c.grant}}
		return
	}
	if c.inflight {
		c.reject(cmd, ErrBusy, "busy")
		return
	}
	switch cmd.kind {
	case cmdLoad:
		if c.state != StateIdle {
			c.reject(cmd, ErrInvalidTransition, "invalid_transition")
			return
		}
		c.dispatch(cmd, func(ctx context.Context) outcome {
			ref, err := c.portal.Lookup(ctx, c.resultID)
			return outcome{ref: ref, err: err}
		})
	case cmdRequest:
		if c.state != StateAwaitingRequest {
			c.reject(cmd, ErrInvalidTransition, "invalid_transition")
			return
		}
		c.dispatch(cmd, func(ctx context.Context) outcome {
			issue, err := c.portal.RequestCode(ctx, c.resultID)
			return outcome{issue: issue, err: err}
		})
	case cmdResend:
		if c.state != StateCodeSent {
			c.reject(cmd, ErrInvalidTransition, "invalid_transition")
			return
		}
		if wait := c.cooldown.seconds(c.clock.Now()); wait > 0 {
			c.reject(cmd, fmt.Errorf("%w: %ds remaining", ErrResendCooldown, wait), "cooldown")
			return
		}
		c.dispatch(cmd, func(ctx context.Context) outcome {
			issue, err := c.portal.ResendCode(ctx, c.resultID)
			return outcome{issue: issue, err: err}
		})
	case cmdSubmit:
		if c.state != StateCodeSent {
			c.reject(cmd, ErrInvalidTransition, "invalid_transition")
			return
		}
		code, err := NormalizeCode(cmd.code, c.codeLength)
		if err != nil {
			c.reject(cmd, err, "malformed_code")
			return
		}
		c.inflight = true
		c.transition(StateVerifying, nil)
		c.dispatch(cmd, func(ctx context.Context) outcome {
			v, err := c.portal.VerifyCode(ctx, c.resultID, code)
			return outcome{verify: v, err: err}
		})
	}
}

// dispatch runs call in a helper goroutine. The call context is cancelled by the caller's
// context or by Close, whichever comes first.
func (c *Controller) dispatch(cmd command, call func(ctx context.Context) outcome) {
	c.inflight = true
	c.publish()
	callCtx, cancel := context.WithCancel(cmd.ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		defer cancel()
		defer stop()
		out := call(callCtx)
		out.kind = cmd.kind
		out.reply = cmd.reply
		select {
		case c.outcomes <- out:
		case <-c.ctx.Done():
		}
	}()
}

func (c *Controller) reject(cmd command, err error, detail string) {
	c.logger.Debug("challenge command rejected",
		zap.String("result_id", c.resultID),
		zap.Stringer("command", cmd.kind),
		zap.Stringer("state", c.state),
		zap.String("reason", detail))
	if c.emitter != nil {
		ev := telemetry.NewEvent(telemetry.EventGuardRejected, c.resultID)
		ev.FromState = c.state.String()
		ev.ToState = c.state.String()
		ev.Detail = cmd.kind.String() + ":" + detail
		telemetry.EmitAsync(c.emitter, c.ctx, ev)
	}
	cmd.reply <- reply{err: err}
}

func (c *Controller) complete(out outcome) {
	c.inflight = false
	var r reply
	switch out.kind {
	case cmdLoad:
		r = c.completeLoad(out)
	case cmdRequest, cmdResend:
		r = c.completeIssue(out)
	case cmdSubmit:
		r = c.completeVerify(out)
	}
	c.publish()
	out.reply <- r
}

func (c *Controller) completeLoad(out outcome) reply {
	switch {
	case out.err == nil && out.ref != nil:
		c.ref = out.ref
		c.transition(StateAwaitingRequest, nil)
		return reply{ref: out.ref}
	case out.err == nil, errors.Is(out.err, portal.ErrNotFound):
		e := &Error{Kind: KindLookupNotFound, Message: msgNotFound, Err: out.err}
		c.transition(StateNotFound, e)
		return reply{err: e}
	default:
		e := &Error{Kind: KindLookupFailed, Message: msgLookupFailed, Err: out.err}
		c.fail(e)
		return reply{err: e}
	}
}

func (c *Controller) completeIssue(out outcome) reply {
	now := c.clock.Now()
	if out.err != nil {
		var se *portal.StatusError
		if errors.As(out.err, &se) && se.RetryAfter > 0 && c.state == StateCodeSent {
			c.cooldown.extend(c.clock, now.Add(se.RetryAfter))
		}
		e := &Error{Kind: KindIssueFailed, Message: msgIssueFailed, Err: out.err}
		c.fail(e)
		return reply{err: e}
	}
	issue := out.issue
	if issue.NoContact() {
		e := &Error{Kind: KindNoContactOnFile, Message: messageOr(issue.Message, msgNoContact)}
		c.expiry.reset()
		c.cooldown.reset()
		c.maskedContact = ""
		c.transition(StateNoContact, e)
		return reply{err: e}
	}
	if issue == nil || !issue.Success {
		msg := msgIssueFailed
		if issue != nil {
			msg = messageOr(issue.Message, msgIssueFailed)
		}
		e := &Error{Kind: KindIssueFailed, Message: msg}
		c.fail(e)
		return reply{err: e}
	}

	ttl := c.defaultExpiry
	if issue.ExpiresInMinutes > 0 {
		ttl = time.Duration(issue.ExpiresInMinutes) * time.Minute
	}
	c.maskedContact = ensureMasked(issue.MaskedContact)
	c.testMode = !issue.DeliveryChannelEnabled
	c.expiry.start(c.clock, ttl)
	c.cooldown.start(c.clock, c.resendCooldown)
	c.transition(StateCodeSent, nil)
	return reply{}
}

func (c *Controller) completeVerify(out outcome) reply {
	if out.err != nil {
		e := &Error{Kind: KindVerificationFailed, Message: msgVerifyFailed, Err: out.err}
		c.transition(StateCodeSent, e)
		return reply{err: e}
	}
	v := out.verify
	if v == nil || !v.Success {
		msg := msgRejected
		if v != nil {
			msg = messageOr(v.Message, msgRejected)
		}
		e := &Error{Kind: KindVerificationRejected, Message: msg}
		c.transition(StateCodeRejected, e)
		c.transition(StateCodeSent, e)
		return reply{err: e}
	}

	// Nothing of the code challenge survives success.
	c.expiry.reset()
	c.cooldown.reset()
	c.maskedContact = ""
	c.testMode = false
	reference := ""
	if c.ref != nil {
		reference = c.ref.ReferenceCode
	}
	c.grant = newGrant(c.resultID, reference, v.AccessToken, c.clock.Now())
	c.transition(StateSuccess, nil)
	return reply{}
}

// fail records a recoverable error without changing state.
func (c *Controller) fail(e *Error) {
	c.lastErr = e
	c.logger.Warn("challenge operation failed",
		zap.String("result_id", c.resultID),
		zap.Stringer("state", c.state),
		zap.Stringer("kind", e.Kind),
		zap.Error(e.Err))
	c.emit(c.state, c.state, e)
	c.publish()
}

func (c *Controller) transition(to State, e *Error) {
	from := c.state
	c.state = to
	c.lastErr = e
	fields := []zap.Field{
		zap.String("result_id", c.resultID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if e != nil {
		fields = append(fields, zap.Stringer("kind", e.Kind))
	}
	c.logger.Info("challenge transition", fields...)
	c.emit(from, to, e)
	c.publish()
}

func (c *Controller) emit(from, to State, e *Error) {
	if c.emitter == nil {
		return
	}
	ev := telemetry.NewEvent(telemetry.EventTransition, c.resultID)
	ev.FromState = from.String()
	ev.ToState = to.String()
	if e != nil {
		ev.ErrorKind = e.Kind.String()
	}
	telemetry.EmitAsync(c.emitter, c.ctx, ev)
}

func (c *Controller) tick(cd *countdown) {
	if cd.elapsed(c.clock.Now()) {
		cd.stop()
	}
	c.publish()
}

func (c *Controller) snapshot() Snapshot {
	now := c.clock.Now()
	s := Snapshot{
		ResultID:                  c.resultID,
		State:                     c.state,
		Reference:                 c.ref,
		MaskedContact:             c.maskedContact,
		SecondsUntilExpiry:        c.expiry.seconds(now),
		SecondsUntilResendAllowed: c.cooldown.seconds(now),
		TestMode:                  c.testMode,
		Busy:                      c.inflight,
	}
	if c.lastErr != nil {
		s.LastErrorKind = c.lastErr.Kind
		s.LastErrorMessage = c.lastErr.Message
	}
	return s
}

// publish stores the current snapshot and offers it to every subscriber, replacing any unread value.
func (c *Controller) publish() {
	s := c.snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
