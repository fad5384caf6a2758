package challenge

import (
	"errors"
	"fmt"
)

// Guard errors. These are returned without any network call and never change the state.
var (
	// ErrBusy is returned when a call for this session is already in flight.
	ErrBusy = errors.New("challenge: another operation is in progress")
	// ErrResendCooldown is returned when a resend is attempted before the cooldown elapsed.
	ErrResendCooldown = errors.New("challenge: resend not allowed yet")
	// ErrInvalidTransition is returned when the action is not permitted in the current state.
	ErrInvalidTransition = errors.New("challenge: action not permitted in current state")
	// ErrMalformedCode is returned when a submitted code does not have the expected format.
	ErrMalformedCode = errors.New("challenge: code must be exactly the expected number of digits")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("challenge: controller closed")
	// ErrAccessNotGranted is returned when PDF access is requested outside SUCCESS.
	ErrAccessNotGranted = errors.New("challenge: access not granted")
)

// Kind classifies a failure surfaced to the user.
type Kind int

const (
	KindNone Kind = iota
	// KindLookupNotFound: the result id does not resolve.
	KindLookupNotFound
	// KindLookupFailed: a network or server error while resolving the result.
	KindLookupFailed
	// KindNoContactOnFile: a code cannot be issued because no contact is on file.
	KindNoContactOnFile
	// KindIssueFailed: a network or server error while requesting a code.
	KindIssueFailed
	// KindVerificationRejected: wrong or expired code.
	KindVerificationRejected
	// KindVerificationFailed: a network or server error while verifying.
	KindVerificationFailed
)

var kindNames = [...]string{
	KindNone:                 "",
	KindLookupNotFound:       "LookupNotFound",
	KindLookupFailed:         "LookupFailed",
	KindNoContactOnFile:      "NoContactOnFile",
	KindIssueFailed:          "IssueFailed",
	KindVerificationRejected: "VerificationRejected",
	KindVerificationFailed:   "VerificationFailed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Structural reports whether the failure can never be resolved by retrying; the user must contact the lab.
func (k Kind) Structural() bool {
	return k == KindLookupNotFound || k == KindNoContactOnFile
}

// Retryable reports whether repeating the same action may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindLookupFailed, KindIssueFailed, KindVerificationFailed:
		return true
	}
	return false
}

// Error is a classified failure. Message is safe to show to the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("challenge: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("challenge: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindNone if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Default user-facing messages, used when the server does not supply one.
const (
	msgNotFound     = "Résultat introuvable. Vérifiez le lien ou contactez le laboratoire."
	msgLookupFailed = "Impossible de charger le résultat. Réessayez."
	msgNoContact    = "Aucun numéro de téléphone enregistré pour ce résultat. Contactez le laboratoire."
	msgIssueFailed  = "Erreur lors de l'envoi du code. Réessayez."
	msgRejected     = "Code invalide ou expiré."
	msgVerifyFailed = "Erreur lors de la vérification. Réessayez."
)
