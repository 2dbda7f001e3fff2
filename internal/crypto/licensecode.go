// Package crypto generates license codes. A code is three groups of two random
// bytes rendered as upper-case hex and joined by dashes (AB12-CD34-EF56),
// giving 48 bits of entropy from crypto/rand.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	codeGroups       = 3
	bytesPerGroup    = 2
	codeSeparator    = "-"
	generatedCodeLen = codeGroups*bytesPerGroup*2 + codeGroups - 1
)

var generatedCodePattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// randReader is swapped in tests to exercise the entropy failure path
var randReader io.Reader = rand.Reader

// GenerateLicenseCode returns a new random license code
func GenerateLicenseCode() (string, error) {
	buf := make([]byte, codeGroups*bytesPerGroup)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}

	groups := make([]string, codeGroups)
	for i := range groups {
		chunk := buf[i*bytesPerGroup : (i+1)*bytesPerGroup]
		groups[i] = strings.ToUpper(hex.EncodeToString(chunk))
	}
	return strings.Join(groups, codeSeparator), nil
}

// IsGeneratedFormat reports whether code has the shape produced by
// GenerateLicenseCode. Redemption does not require it: pre-provisioned codes
// may use any format.
func IsGeneratedFormat(code string) bool {
	return len(code) == generatedCodeLen && generatedCodePattern.MatchString(code)
}

// NormalizeLicenseCode strips surrounding whitespace. Codes are otherwise
// matched exactly, including case.
func NormalizeLicenseCode(code string) string {
	return strings.TrimSpace(code)
}
