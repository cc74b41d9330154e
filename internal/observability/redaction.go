// ABOUTME: Secret redaction for logs of remote feed traffic
// ABOUTME: Masks API keys in URLs, headers and free-form strings

package observability

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// RedactionPlaceholder is the replacement text for redacted values.
const RedactionPlaceholder = "[REDACTED]"

// sensitivePatterns match key=value secrets inside free-form strings.
// Values stop at whitespace or & so query strings stay readable.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)=[^\s&]+`),
	regexp.MustCompile(`(?i)(token|access_token)=[^\s&]+`),
	regexp.MustCompile(`(?i)(password|secret)=[^\s&]+`),
}

// sensitiveKeyFragments mark header or query names whose values are secret.
var sensitiveKeyFragments = []string{
	"apikey",
	"api-key",
	"api_key",
	"token",
	"secret",
	"password",
	"authorization",
	"credential",
}

// RedactSensitive replaces secrets in a string with [REDACTED].
func RedactSensitive(value string) string {
	for _, pattern := range sensitivePatterns {
		value = pattern.ReplaceAllString(value, "${1}="+RedactionPlaceholder)
	}
	return value
}

// IsSensitiveKey returns true if the key name suggests sensitive data.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactURL masks secret query parameters and userinfo in a URL string.
// Unparsable input falls back to RedactSensitive.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactSensitive(raw)
	}

	if u.User != nil {
		u.User = url.User(RedactionPlaceholder)
	}

	q := u.Query()
	changed := false
	for key := range q {
		if IsSensitiveKey(key) {
			q.Set(key, RedactionPlaceholder)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// RedactHeaders returns a flattened copy of h with secret values masked.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if IsSensitiveKey(key) {
			out[key] = RedactionPlaceholder
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
