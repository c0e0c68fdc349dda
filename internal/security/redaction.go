// Package security scrubs credentials from text before it reaches logs or
// the session journal.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|fal[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	openAIKeyPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`)
	falKeyPattern        = regexp.MustCompile(`(?i)\bkey\s+[0-9a-f]{8}-[0-9a-f-]{27,}:[0-9a-f]{16,}`)
	urlUserinfoPattern   = regexp.MustCompile(`(?i)((?:wss?|https?)://)[^\s/@]+@`)
)

// RedactPayload replaces credential values in input with [REDACTED].
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = falKeyPattern.ReplaceAllString(out, "Key [REDACTED]")
	out = openAIKeyPattern.ReplaceAllString(out, "[REDACTED]")
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// RedactError is RedactPayload for an error's message. A nil error
// yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactPayload(strings.TrimSpace(err.Error()))
}
