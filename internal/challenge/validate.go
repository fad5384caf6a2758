package challenge

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// DefaultCodeLength is the number of digits of an OTP code.
	DefaultCodeLength = 6
	maskRune          = "•"
	maxMessageRunes   = 200
)

var (
	// unmaskedRun matches a run of digits long enough to identify a phone number.
	unmaskedRun  = regexp.MustCompile(`\d{5,}`)
	strictPolicy = bluemonday.StrictPolicy()
)

// NormalizeCode trims surrounding whitespace and checks that code is exactly length ASCII digits.
// Only the format is checked; correctness is decided by the server.
func NormalizeCode(code string, length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	code = strings.TrimSpace(code)
	if len(code) != length {
		return "", ErrMalformedCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", ErrMalformedCode
		}
	}
	return code, nil
}

// MaskContact redacts a phone number, keeping 3 leading characters (4 with a leading '+')
// and the last 2. Inputs shorter than 6 characters become "***".
func MaskContact(contact string) string {
	contact = strings.TrimSpace(contact)
	runes := []rune(contact)
	if len(runes) < 6 {
		return "***"
	}
	start := 3
	if runes[0] == '+' {
		start = 4
	}
	const end = 2
	return string(runes[:start]) + strings.Repeat(maskRune, len(runes)-start-end) + string(runes[len(runes)-end:])
}

// ensureMasked returns the server-supplied masked contact, re-masking it when it still
// exposes enough consecutive digits to identify the number.
func ensureMasked(contact string) string {
	contact = sanitizeMessage(contact)
	if contact == "" {
		return ""
	}
	if unmaskedRun.MatchString(contact) {
		return MaskContact(contact)
	}
	return contact
}

// sanitizeMessage makes a server-supplied string safe to display: markup and control
// characters are removed, whitespace is collapsed, and the result is capped.
func sanitizeMessage(s string) string {
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxMessageRunes {
		s = string([]rune(s)[:maxMessageRunes]) + "…"
	}
	return s
}

// messageOr returns the sanitized server message, or fallback when it is empty.
func messageOr(serverMsg, fallback string) string {
	if m := sanitizeMessage(serverMsg); m != "" {
		return m
	}
	return fallback
}
