package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const tokenBytes = 32

// Prefixes let operators tell bearer token kinds apart in logs and headers.
const (
	ProvisionTokenPrefix    = "p_"
	RegistrationTokenPrefix = "r_"
)

// GeneratePrefixedToken returns prefix followed by 32 random bytes in
// unpadded base64url.
func GeneratePrefixedToken(prefix string) (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateNumericCode returns a uniformly random, zero padded decimal code.
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("unsupported code length %d", digits)
	}
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskCode keeps the first half of a code for log correlation.
func MaskCode(code string) string {
	if len(code) < 2 {
		return "****"
	}
	half := len(code) / 2
	return code[:half] + strings.Repeat("*", len(code)-half)
}
