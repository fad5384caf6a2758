package domain

import (
	"regexp"
	"strings"
	"time"
)

// Reference is the display-safe metadata of a lab result, fetched once per page visit.
// It never carries the patient's contact address, OTP state, or PDF bytes.
type Reference struct {
	ID               string
	ReferenceCode    string
	PatientFirstName string
	PatientLastName  string
	PatientBirthdate *time.Time // nil if not on file
}

// PatientName returns "First Last", trimmed; empty when neither is known.
func (r *Reference) PatientName() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(r.PatientFirstName) + " " + strings.TrimSpace(r.PatientLastName))
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DownloadFileName returns the file name used when saving the result PDF (resultat-<reference>.pdf).
// Characters outside [A-Za-z0-9._-] are replaced so the reference cannot escape the download directory.
func (r *Reference) DownloadFileName() string {
	ref := ""
	if r != nil {
		ref = strings.Trim(unsafeFileChars.ReplaceAllString(strings.TrimSpace(r.ReferenceCode), "_"), "._")
	}
	if ref == "" {
		ref = "document"
	}
	return "resultat-" + ref + ".pdf"
}
