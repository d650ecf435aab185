package logger

import "strings"

var secretKeyHints = []string{"api_key", "apikey", "authorization", "password", "secret", "token"}

// redactSecretValue masks the value of any field whose key looks like a
// credential. Other values pass through untouched.
func redactSecretValue(key, val string) string {
	lower := strings.ToLower(key)
	for _, hint := range secretKeyHints {
		if strings.Contains(lower, hint) {
			return RedactSecret(val)
		}
	}
	return val
}

// RedactSecret masks a credential for safe logging, keeping a short prefix
// so operators can tell keys apart.
// "pk_0123456789abcdef" → "pk_012***"
// Values of 6 chars or fewer are fully masked.
func RedactSecret(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:6] + "***"
}
