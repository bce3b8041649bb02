package util

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
)

// IsValidUUID accepts the canonical hyphenated form in either case.
func IsValidUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

// NormalizeDeviceID strips every whitespace rune and checks the result is
// minLen to maxLen ASCII digits. It returns the cleaned id, or the reason it
// was rejected.
func NormalizeDeviceID(raw string, minLen, maxLen int) (string, apperrors.DeviceIDReason, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)

	if cleaned == "" {
		return "", apperrors.DeviceIDEmpty, false
	}
	for i := 0; i < len(cleaned); i++ {
		if cleaned[i] < '0' || cleaned[i] > '9' {
			return "", apperrors.DeviceIDNonDigit, false
		}
	}
	if len(cleaned) < minLen {
		return "", apperrors.DeviceIDTooShort, false
	}
	if len(cleaned) > maxLen {
		return "", apperrors.DeviceIDTooLong, false
	}
	return cleaned, "", true
}

// IsNumericCode reports whether s is exactly n ASCII digits.
func IsNumericCode(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
