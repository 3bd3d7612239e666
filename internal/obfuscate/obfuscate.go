// Package obfuscate redacts secrets and opaque tokens before they reach logs,
// audit records or API responses.
package obfuscate

import (
	"strings"
)

// Token redacts an arbitrary token-like string:
//   - length <= 4: all asterisks
//   - 5..12: first 2 characters followed by asterisks
//   - longer: first 8 characters, "...", last 4 characters
func Token(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// Header masks credential headers in a copy-safe way for debug logging.
func Header(name, value string) string {
	switch strings.ToLower(name) {
	case "authorization":
		if i := strings.IndexByte(value, ' '); i > 0 {
			return value[:i+1] + Token(value[i+1:])
		}
		return Token(value)
	case "x-api-key", "cookie", "set-cookie":
		return Token(value)
	default:
		return value
	}
}
