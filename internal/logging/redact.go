package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"pin":            {},
	"commitment":     {},
	"pin_commitment": {},
	"proof":          {},
	"blinding":       {},
	"secret":         {},
}

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"op":        {},
	"user":      {},
	"address":   {},
	"height":    {},
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSensitive reports whether key always carries a secret. Such keys are
// redacted by the handler regardless of how they were logged.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalize(key)]
	return ok
}

// IsAllowlisted reports whether key is exempt from MaskField redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalize(key)]
	return ok
}

// MaskField returns an attribute that redacts value unless key is
// allowlisted. Empty values are kept as is.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
