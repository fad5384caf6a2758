// Package otp generates and checks numeric one-time codes. Only hashes are kept server-side.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// DefaultDigits is the code length the portal issues.
const DefaultDigits = 6

// ErrInvalidLength is returned for a code length outside 1..32.
var ErrInvalidLength = errors.New("otp: invalid length")

// Generate returns a numeric code of the given length using crypto/rand.
// Each digit is drawn by rejection sampling so all ten digits are equally likely.
func Generate(digits int) (string, error) {
	if digits <= 0 || digits > 32 {
		return "", ErrInvalidLength
	}
	out := make([]byte, 0, digits)
	buf := make([]byte, digits)
	for len(out) < digits {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 250 is the largest multiple of 10 below 256.
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == digits {
				break
			}
		}
	}
	return string(out), nil
}

// Hash returns the hex-encoded SHA-256 of code.
func Hash(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// Equal compares the hash of code with storedHash in constant time.
func Equal(code, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(code)), []byte(storedHash)) == 1
}
