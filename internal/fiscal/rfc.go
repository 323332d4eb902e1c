// Package fiscal holds pure validation and normalization helpers for CFDI
// values shared by every extractor and the scorer.
package fiscal

import (
	"regexp"
	"strings"
	"unicode"
)

// Generic RFCs issued by SAT for the public at large and foreign residents.
const (
	RFCPublicoGeneral = "XAXX010101000"
	RFCExtranjero     = "XEXX010101000"
)

// Persona moral: 3 letters, persona fisica: 4 letters, then YYMMDD and a
// 3 character homoclave whose last character is the check digit.
var rfcRegex = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

var rfcValues = func() map[rune]int {
	m := make(map[rune]int)
	for i, r := range []rune("0123456789ABCDEFGHIJKLMN&OPQRSTUVWXYZ Ñ") {
		m[r] = i
	}
	return m
}()

// NormalizeRFC upper-cases s and drops separators OCR and humans insert.
func NormalizeRFC(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r == ' ' || r == '-' || r == '.' || r == '_' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidRFCFormat checks length, character classes and the embedded date.
func ValidRFCFormat(rfc string) bool {
	if !rfcRegex.MatchString(rfc) {
		return false
	}
	r := []rune(rfc)
	date := string(r[len(r)-9 : len(r)-3])
	month := (date[2]-'0')*10 + (date[3] - '0')
	day := (date[4]-'0')*10 + (date[5] - '0')
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

// IsGenericRFC reports whether rfc is one of the SAT generic RFCs.
func IsGenericRFC(rfc string) bool {
	return rfc == RFCPublicoGeneral || rfc == RFCExtranjero
}

// RFCCheckDigit computes the mod-11 check digit for a 12 or 13 character
// RFC. The last character of rfc is ignored.
func RFCCheckDigit(rfc string) (rune, bool) {
	r := []rune(rfc)
	if len(r) != 12 && len(r) != 13 {
		return 0, false
	}
	body := r[:len(r)-1]
	if len(r) == 12 {
		body = append([]rune{' '}, body...)
	}

	sum := 0
	for i, c := range body {
		v, ok := rfcValues[c]
		if !ok {
			return 0, false
		}
		sum += v * (13 - i)
	}

	switch d := 11 - sum%11; d {
	case 11:
		return '0', true
	case 10:
		return 'A', true
	default:
		return rune('0' + d), true
	}
}

// ValidRFC checks format and check digit. Generic RFCs are accepted as is.
func ValidRFC(rfc string) bool {
	if IsGenericRFC(rfc) {
		return true
	}
	if !ValidRFCFormat(rfc) {
		return false
	}
	want, ok := RFCCheckDigit(rfc)
	if !ok {
		return false
	}
	r := []rune(rfc)
	return r[len(r)-1] == want
}
