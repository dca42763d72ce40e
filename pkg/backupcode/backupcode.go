// Package backupcode generates and redeems single-use recovery codes used
// as a fallback second factor when a TOTP device is unavailable.
package backupcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultCount is the number of codes issued per generation.
	DefaultCount = 8
	// CodeLength is the fixed length of every code.
	CodeLength = 10
)

// charset deliberately sticks to uppercase alphanumerics so codes survive
// being read over the phone or typed from paper.
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate returns DefaultCount unique codes. A fresh generation always
// replaces the previous set in storage; codes are never reused across
// generations because each draw is independent random material.
func Generate() ([]string, error) {
	return GenerateN(DefaultCount)
}

// GenerateN returns n unique codes of CodeLength characters.
func GenerateN(n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("backupcode: count must be positive, got %d", n)
	}

	seen := make(map[string]struct{}, n)
	codes := make([]string, 0, n)
	for len(codes) < n {
		code, err := generateOne()
		if err != nil {
			return nil, err
		}
		// Collisions are astronomically unlikely but cheap to re-draw.
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func generateOne() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	maxIdx := big.NewInt(int64(len(charset)))
	for range CodeLength {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			return "", fmt.Errorf("backupcode: failed to read random: %w", err)
		}
		b.WriteByte(charset[n.Int64()])
	}
	return b.String(), nil
}

// Normalize maps user input onto the canonical code form: uppercase with
// surrounding whitespace and separators stripped. Redemption always compares
// normalized values so "ab12-cd34ef" matches "AB12CD34EF".
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)
}

// Redeem removes candidate from set if present. The returned slice shares no
// state with the input. The second return is true iff the candidate
// (case-normalized) was a member, in which case exactly that code is gone
// from the result; redeeming the same code twice therefore always fails the
// second time.
func Redeem(set []string, candidate string) ([]string, bool) {
	want := Normalize(candidate)
	out := make([]string, 0, len(set))
	found := false
	for _, code := range set {
		if !found && Normalize(code) == want {
			found = true
			continue
		}
		out = append(out, code)
	}
	return out, found
}
