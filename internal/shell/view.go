package shell

import (
	"fmt"
	"strings"

	"medlab-portal/resultaccess/internal/challenge"
)

const contactLab = "Contactez directement le laboratoire pour obtenir votre résultat."

// View renders the current snapshot.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	s := m.snap

	b.WriteString(m.styles.Title.Render("Résultat d'analyse"))
	b.WriteString("\n")
	if ref := s.Reference; ref != nil {
		if ref.ReferenceCode != "" {
			b.WriteString(m.styles.Label.Render("Référence : ") + ref.ReferenceCode + "\n")
		}
		if name := ref.PatientName(); name != "" {
			b.WriteString(m.styles.Label.Render("Patient : ") + name + "\n")
		}
		if ref.PatientBirthdate != nil {
			b.WriteString(m.styles.Label.Render("Né(e) le : ") + ref.PatientBirthdate.Format("02/01/2006") + "\n")
		}
	}
	b.WriteString("\n")

	switch s.State {
	case challenge.StateIdle:
		if s.LastErrorKind == challenge.KindLookupFailed && !s.Busy {
			b.WriteString(m.styles.Error.Render(s.LastErrorMessage) + "\n")
			b.WriteString(m.styles.Help.Render("[entrée] réessayer  [q] quitter") + "\n")
		} else {
			b.WriteString(m.spinner.View() + " Chargement du résultat…\n")
		}

	case challenge.StateNotFound:
		b.WriteString(m.styles.Error.Render(s.LastErrorMessage) + "\n")
		b.WriteString(m.styles.Muted.Render(contactLab) + "\n")

	case challenge.StateNoContact:
		b.WriteString(m.styles.Error.Render(s.LastErrorMessage) + "\n")
		b.WriteString(m.styles.Muted.Render(contactLab) + "\n")

	case challenge.StateAwaitingRequest:
		b.WriteString("Pour protéger vos données, un code de vérification va être envoyé\n")
		b.WriteString("au numéro de téléphone enregistré par le laboratoire.\n\n")
		switch {
		case s.Busy:
			b.WriteString(m.spinner.View() + " Envoi du code…\n")
		case s.LastErrorKind == challenge.KindIssueFailed:
			b.WriteString(m.styles.Error.Render(s.LastErrorMessage) + "\n")
			b.WriteString(m.styles.Help.Render("[entrée] réessayer  [q] quitter") + "\n")
		default:
			b.WriteString(m.styles.Help.Render("[entrée] recevoir un code  [q] quitter") + "\n")
		}

	case challenge.StateCodeSent, challenge.StateVerifying, challenge.StateCodeRejected:
		m.renderChallenge(&b, s)

	case challenge.StateSuccess:
		b.WriteString(m.styles.Success.Render("✓ Identité vérifiée. Accès autorisé.") + "\n\n")
		if m.fetching {
			b.WriteString(m.spinner.View() + " Récupération du document…\n")
		} else {
			b.WriteString(m.styles.Help.Render("[v] voir le résultat  [d] télécharger  [q] quitter") + "\n")
		}
	}

	if m.warning != "" {
		b.WriteString("\n" + m.styles.Warning.Render(m.warning) + "\n")
	}
	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	return m.styles.Box.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func (m Model) renderChallenge(b *strings.Builder, s challenge.Snapshot) {
	if s.MaskedContact != "" {
		b.WriteString("Code envoyé au " + m.styles.Label.Render(s.MaskedContact) + "\n")
	} else {
		b.WriteString("Code envoyé.\n")
	}
	if s.TestMode {
		b.WriteString(m.styles.Warning.Render("Mode test : le code n'est pas envoyé par WhatsApp, il figure dans les journaux du serveur.") + "\n")
	}
	if s.CodeExpired() {
		b.WriteString(m.styles.Warning.Render("Le code a peut-être expiré. Demandez-en un nouveau.") + "\n")
	} else if s.SecondsUntilExpiry > 0 {
		b.WriteString(m.styles.Muted.Render("Le code expire dans "+clock(s.SecondsUntilExpiry)) + "\n")
	}
	b.WriteString("\n" + m.input.View() + "\n\n")

	switch {
	case s.State == challenge.StateVerifying:
		b.WriteString(m.spinner.View() + " Vérification…\n")
	case s.Busy && m.running == "resend":
		b.WriteString(m.spinner.View() + " Envoi d'un nouveau code…\n")
	case s.Busy:
		b.WriteString(m.spinner.View() + " Veuillez patienter…\n")
	}
	if s.LastErrorKind != challenge.KindNone {
		b.WriteString(m.styles.Error.Render(s.LastErrorMessage) + "\n")
	}

	help := "[entrée] valider"
	if s.SecondsUntilResendAllowed > 0 {
		help += fmt.Sprintf("  renvoi possible dans %ds", s.SecondsUntilResendAllowed)
	} else {
		help += "  [r] renvoyer le code"
	}
	b.WriteString(m.styles.Help.Render(help+"  [échap] quitter") + "\n")
}

// clock formats seconds as m:ss.
func clock(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
