package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	secretBytes = 20
	totpStep    = 30 * time.Second
	totpDigits  = 6
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// newSecret generates a fresh shared secret, base32-encoded for authenticator
// apps.
func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// hotp computes the RFC 4226 truncated HMAC-SHA1 one-time code.
func hotp(key []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

// totpAt computes the RFC 6238 time-based code for the given instant.
func totpAt(secret string, t time.Time) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	counter := uint64(t.Unix()) / uint64(totpStep/time.Second)
	return hotp(key, counter, totpDigits), nil
}

// verifyTOTP checks a code against the secret within ±skew steps of now.
// Comparison is constant-time per candidate.
func verifyTOTP(secret, code string, now time.Time, skew int) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	for offset := -skew; offset <= skew; offset++ {
		candidate, err := totpAt(secret, now.Add(time.Duration(offset)*totpStep))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// CodeAt returns the time-based code for a secret at the given instant.
// Exposed for enrollment tooling; an undecodable secret yields an empty
// string, which no verifier accepts.
func CodeAt(secret string, t time.Time) string {
	code, err := totpAt(secret, t)
	if err != nil {
		return ""
	}
	return code
}

// isTOTPFormat reports whether a submitted credential looks like a time-based
// code rather than a backup code.
func isTOTPFormat(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// provisioningURI builds the otpauth:// URI authenticator apps enroll from.
func provisioningURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer + ":" + account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", int(totpStep/time.Second)))
	return "otpauth://totp/" + label + "?" + q.Encode()
}
