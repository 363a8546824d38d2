// Package tokens implements the token grammar, token issuance and the token directory.
package tokens

import (
	"crypto/rand"
	"regexp"
	"strings"
)

const (
	// TokenLength is the number of characters in a token.
	TokenLength = 16

	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// TokenPattern is the grammar every token matches.
var TokenPattern = regexp.MustCompile(`^[a-z0-9]{16}$`)

// Valid reports whether s is a syntactically valid token.
func Valid(s string) bool {
	return TokenPattern.MatchString(s)
}

// FromServerName extracts a token from a TLS server name. The left-most DNS label
// is lowercased and returned if it matches the token grammar.
func FromServerName(serverName string) (string, bool) {
	if serverName == "" {
		return "", false
	}

	label, _, _ := strings.Cut(serverName, ".")
	label = strings.ToLower(label)
	if !Valid(label) {
		return "", false
	}
	return label, true
}

// Generate returns a random token.
func Generate() (string, error) {
	buf := make([]byte, TokenLength)
	out := make([]byte, 0, TokenLength)

	for len(out) < TokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		// Bytes of 252 and above are rejected so every character is equally likely
		for _, b := range buf {
			if b >= 252 || len(out) == TokenLength {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
		}
	}
	return string(out), nil
}
