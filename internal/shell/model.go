// Package shell is the terminal presentation of a result-access session. It renders
// snapshots and forwards key presses to the session; every decision is the session's.
package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/gate"
	"medlab-portal/resultaccess/internal/portal"
	"medlab-portal/resultaccess/internal/result/domain"
)

// Driver is the session the shell drives. *access.Session implements it.
type Driver interface {
	Load(ctx context.Context) (*domain.Reference, error)
	RequestCode(ctx context.Context) error
	SubmitCode(ctx context.Context, code string) error
	ResendCode(ctx context.Context) error
	WithPDF(ctx context.Context, fn func(*gate.Document) error) error
	DownloadPDF(ctx context.Context) (string, error)
	Snapshots() (<-chan challenge.Snapshot, func())
	CodeLength() int
}

type snapshotMsg challenge.Snapshot

type streamClosedMsg struct{}

// actionMsg reports the end of a user action.
type actionMsg struct {
	action string
	notice string
	err    error
}

// Model is the bubbletea model of the shell.
type Model struct {
	// ctx scopes in-flight actions; stop cancels it on quit, which also ends a running viewer.
	ctx     context.Context
	stop    context.CancelFunc
	driver  Driver
	viewer  string
	styles  Styles
	stream  <-chan challenge.Snapshot
	cancel  func()
	snap    challenge.Snapshot
	input   textinput.Model
	spinner spinner.Model

	// fetching is set while a view or download runs; those calls are not part of the snapshot.
	fetching bool
	running  string
	notice   string
	warning  string
	quitting bool
}

// New returns a shell model for d. viewer, when set, is the command used to open a viewed PDF.
func New(ctx context.Context, d Driver, viewer string) Model {
	styles := DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = strings.Repeat("0", d.CodeLength())
	ti.CharLimit = d.CodeLength()
	ti.Width = d.CodeLength() + 1
	ti.Prompt = "Code : "
	ti.PromptStyle = styles.Label

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	stream, cancel := d.Snapshots()
	ctx, stop := context.WithCancel(ctx)
	return Model{
		ctx:     ctx,
		stop:    stop,
		driver:  d,
		viewer:  viewer,
		styles:  styles,
		stream:  stream,
		cancel:  cancel,
		input:   ti,
		spinner: sp,
	}
}

// Init starts listening for snapshots.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.stream), m.spinner.Tick, textinput.Blink)
}

func waitForSnapshot(ch <-chan challenge.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.applySnapshot(challenge.Snapshot(msg))
		return m, waitForSnapshot(m.stream)

	case streamClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case actionMsg:
		m.fetching = false
		m.running = ""
		m.notice = msg.notice
		m.warning = ""
		if msg.err != nil {
			m.warning = describe(msg.err)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) applySnapshot(s challenge.Snapshot) {
	prev := m.snap
	m.snap = s
	if s.State == challenge.StateCodeSent {
		if prev.State != challenge.StateCodeSent && prev.State != challenge.StateVerifying {
			m.input.Reset()
		}
		if s.LastErrorKind == challenge.KindVerificationRejected && prev.LastErrorKind != s.LastErrorKind {
			m.input.Reset()
		}
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m.quit()
	}
	key := msg.String()
	s := m.snap

	switch s.State {
	case challenge.StateIdle:
		switch key {
		case "enter":
			if s.LastErrorKind == challenge.KindLookupFailed && !s.Busy {
				return m.run("load", func(ctx context.Context) (string, error) {
					_, err := m.driver.Load(ctx)
					return "", err
				})
			}
		case "q":
			return m.quit()
		}
		return m, nil

	case challenge.StateAwaitingRequest:
		switch key {
		case "enter":
			if s.CanRequest() {
				return m.run("request", func(ctx context.Context) (string, error) {
					return "", m.driver.RequestCode(ctx)
				})
			}
		case "q":
			return m.quit()
		}
		return m, nil

	case challenge.StateCodeSent, challenge.StateVerifying:
		switch key {
		case "enter":
			code := m.input.Value()
			return m.run("submit", func(ctx context.Context) (string, error) {
				return "", m.driver.SubmitCode(ctx, code)
			})
		case "r":
			return m.run("resend", func(ctx context.Context) (string, error) {
				if err := m.driver.ResendCode(ctx); err != nil {
					return "", err
				}
				return "Un nouveau code a été envoyé.", nil
			})
		}
		// The code is digits only; anything else is not forwarded to the input.
		if msg.Type == tea.KeyRunes && !allDigits(msg.Runes) {
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case challenge.StateSuccess:
		if m.fetching {
			return m, nil
		}
		switch key {
		case "v":
			m.fetching = true
			return m.run("view", m.view)
		case "d":
			m.fetching = true
			return m.run("download", func(ctx context.Context) (string, error) {
				path, err := m.driver.DownloadPDF(ctx)
				if err != nil {
					return "", err
				}
				return "Résultat enregistré : " + path, nil
			})
		case "q":
			return m.quit()
		}
		return m, nil
	}

	if key == "q" {
		return m.quit()
	}
	return m, nil
}

func (m Model) view(ctx context.Context) (string, error) {
	var notice string
	err := m.driver.WithPDF(ctx, func(doc *gate.Document) error {
		if m.viewer == "" {
			notice = fmt.Sprintf("Résultat reçu (%d octets). Définissez PDF_VIEWER pour l'ouvrir, ou téléchargez-le avec [d].", doc.Size())
			return nil
		}
		if err := doc.OpenWith(ctx, m.viewer); err != nil {
			return fmt.Errorf("open viewer: %w", err)
		}
		notice = "Visionneuse fermée."
		return nil
	})
	return notice, err
}

// run executes an action off the update loop and reports it as an actionMsg.
func (m Model) run(action string, fn func(ctx context.Context) (string, error)) (tea.Model, tea.Cmd) {
	m.warning = ""
	m.notice = ""
	m.running = action
	ctx := m.ctx
	return m, func() tea.Msg {
		notice, err := fn(ctx)
		return actionMsg{action: action, notice: notice, err: err}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if m.stop != nil {
		m.stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	return m, tea.Quit
}

// describe turns an action error into a short line. Classified errors are already in the
// snapshot and are not repeated.
func describe(err error) string {
	switch {
	case challenge.KindOf(err) != challenge.KindNone:
		return ""
	case errors.Is(err, challenge.ErrResendCooldown):
		return "Veuillez patienter avant de demander un nouveau code."
	case errors.Is(err, challenge.ErrMalformedCode):
		return "Le code doit comporter uniquement des chiffres, au nombre attendu."
	case errors.Is(err, challenge.ErrBusy):
		return "Opération en cours, veuillez patienter."
	case errors.Is(err, challenge.ErrAccessNotGranted), errors.Is(err, challenge.ErrInvalidTransition):
		return "Action non disponible pour le moment."
	case errors.Is(err, portal.ErrForbidden):
		return "Accès refusé ou expiré. Rechargez la page pour vous vérifier à nouveau."
	case errors.Is(err, gate.ErrNotPDF):
		return "Le document reçu n'est pas un PDF valide. Contactez le laboratoire."
	case errors.Is(err, challenge.ErrClosed), errors.Is(err, gate.ErrClosed), errors.Is(err, context.Canceled):
		return ""
	}
	return "Erreur : " + err.Error()
}

func allDigits(runes []rune) bool {
	for _, r := range runes {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(runes) > 0
}
