package stepflow

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	propertyCodePrefix   = "SV-"
	propertyCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	propertyCodeLength   = 6
)

var propertyCodePattern = regexp.MustCompile(`^SV-[A-Z0-9]{6}$`)

// NewPropertyCode returns SV- followed by six random characters from [A-Z0-9]
func NewPropertyCode() (string, error) {
	var b strings.Builder
	b.WriteString(propertyCodePrefix)
	limit := big.NewInt(int64(len(propertyCodeAlphabet)))
	for range propertyCodeLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate property code: %w", err)
		}
		b.WriteByte(propertyCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidPropertyCode reports whether code has the property code shape
func ValidPropertyCode(code string) bool {
	return propertyCodePattern.MatchString(code)
}

// VerificationLink builds the public link tenants open for a property
func VerificationLink(host, code string) string {
	return fmt.Sprintf("https://%s/v/%s", host, strings.ToLower(code))
}
