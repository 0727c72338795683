// Package redact strips credentials and internal details from text before
// it is logged, returned to API clients or written to the task ledger.
// Provider errors routinely echo request URLs and headers, so every error
// message recorded on a task passes through here first.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// Redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
)

// MaxLedgerMessage caps the length of error text stored on a task.
const MaxLedgerMessage = 1000

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// rules are applied in order; credential rules run before the generic
// path rule so that URLs carrying secrets lose the secret, not the path.
var rules = []rule{
	{regexp.MustCompile(`(?i)(postgres|postgresql|redis|rediss)://[^@\s]+@`), RedactedCredentialPlaceholder},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`), RedactedCredentialPlaceholder},
	{regexp.MustCompile(`apify_api_[A-Za-z0-9]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.~+/=]{8,}`), "Bearer " + RedactedKeyPlaceholder},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), "[STACK_TRACE_REDACTED]"},
	{regexp.MustCompile(`(?:^|\s)(/[\w.-]+){2,}\.(go|conf|yaml|yml|env|sql)\b`), " " + RedactedPathPlaceholder},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
	{
		regexp.MustCompile(
			`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b[\s\w,*()]+\b(FROM|INTO|SET)\b(?:[\s\w,*()='"$]+)?`,
		),
		"[REDACTED_SQL]",
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// LedgerMessage redacts err and truncates it to MaxLedgerMessage bytes
// without splitting a UTF-8 sequence.
func LedgerMessage(err error) string {
	msg := Error(err)
	if len(msg) <= MaxLedgerMessage {
		return msg
	}
	cut := MaxLedgerMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
