// Package access is the entry point the presentation layer drives: one Session per visit
// to a result link, exposing the snapshot stream and the user actions.
package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/gate"
	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/result/domain"
	"medlab-portal/resultaccess/internal/telemetry"
)

// Portal is everything a session needs from the server. *portal.Client implements it.
type Portal interface {
	challenge.Portal
	gate.Fetcher
}

// Options tunes a session. Zero values use the package defaults.
type Options struct {
	CodeLength     int
	ResendCooldown time.Duration
	DefaultExpiry  time.Duration
	TempDir        string
	DownloadDir    string
	Clock          challenge.Clock
	Logger         *zap.Logger
	Emitter        telemetry.EventEmitter
}

// Session is one visit to one result link. Nothing it holds outlives Close.
type Session struct {
	resultID string
	portal   Portal
	opts     Options
	ctrl     *challenge.Controller
	gate     *gate.Gate
}

// NewSession returns a session in IDLE. Call Load to resolve the result.
func NewSession(p Portal, resultID string, opts Options) *Session {
	opts.Logger = logging.OrNop(opts.Logger)
	copts := []challenge.Option{
		challenge.WithLogger(opts.Logger),
		challenge.WithCodeLength(opts.CodeLength),
		challenge.WithResendCooldown(opts.ResendCooldown),
		challenge.WithDefaultExpiry(opts.DefaultExpiry),
	}
	if opts.Clock != nil {
		copts = append(copts, challenge.WithClock(opts.Clock))
	}
	if opts.Emitter != nil {
		copts = append(copts, challenge.WithEmitter(opts.Emitter))
	}
	return &Session{
		resultID: resultID,
		portal:   p,
		opts:     opts,
		ctrl:     challenge.New(p, resultID, copts...),
		gate: gate.New(p,
			gate.WithTempDir(opts.TempDir),
			gate.WithDownloadDir(opts.DownloadDir),
			gate.WithLogger(opts.Logger),
			gate.WithEmitter(opts.Emitter)),
	}
}

// Start creates a session and resolves the result. The session is returned even when Load fails,
// so the caller can render NOT_FOUND or offer a retry.
func Start(ctx context.Context, p Portal, resultID string, opts Options) (*Session, error) {
	s := NewSession(p, resultID, opts)
	_, err := s.Load(ctx)
	return s, err
}

// ResultID returns the result this session is for.
func (s *Session) ResultID() string { return s.resultID }

// CodeLength returns the number of digits a code must have.
func (s *Session) CodeLength() int { return s.ctrl.CodeLength() }

// Load resolves the result reference.
func (s *Session) Load(ctx context.Context) (*domain.Reference, error) { return s.ctrl.Load(ctx) }

// RequestCode asks the server to send a code.
func (s *Session) RequestCode(ctx context.Context) error { return s.ctrl.RequestCode(ctx) }

// SubmitCode sends the user's code for verification.
func (s *Session) SubmitCode(ctx context.Context, code string) error {
	return s.ctrl.SubmitCode(ctx, code)
}

// ResendCode asks for a fresh code once the cooldown allows it.
func (s *Session) ResendCode(ctx context.Context) error { return s.ctrl.ResendCode(ctx) }

// ViewPDF fetches the result for display. Outside SUCCESS it fails with challenge.ErrAccessNotGranted
// without contacting the server. The caller must Close the document.
func (s *Session) ViewPDF(ctx context.Context) (*gate.Document, error) {
	grant, err := s.ctrl.Grant()
	if err != nil {
		return nil, err
	}
	return s.gate.View(ctx, grant)
}

// WithPDF is ViewPDF with guaranteed release of the document.
func (s *Session) WithPDF(ctx context.Context, fn func(*gate.Document) error) error {
	grant, err := s.ctrl.Grant()
	if err != nil {
		return err
	}
	return s.gate.WithDocument(ctx, grant, fn)
}

// DownloadPDF fetches the result and saves it in the download directory, returning the path.
func (s *Session) DownloadPDF(ctx context.Context) (string, error) {
	grant, err := s.ctrl.Grant()
	if err != nil {
		return "", err
	}
	return s.gate.Download(ctx, grant)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() challenge.Snapshot { return s.ctrl.Snapshot() }

// Snapshots subscribes to state changes. See challenge.Controller.Subscribe.
func (s *Session) Snapshots() (<-chan challenge.Snapshot, func()) { return s.ctrl.Subscribe() }

// Reload discards this session and returns a fresh one for the same result, in IDLE.
// Nothing carries over: a verified session must verify again.
func (s *Session) Reload() *Session {
	_ = s.Close()
	return NewSession(s.portal, s.resultID, s.opts)
}

// Close discards the session and releases any staged document still open. No request is sent
// to the server.
func (s *Session) Close() error {
	err := s.ctrl.Close()
	s.gate.Close()
	return err
}
