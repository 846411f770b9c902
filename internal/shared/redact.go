// Package shared holds small cross-cutting helpers used by more than one
// component: secret redaction for logs and command output.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a regexp against the kernel's actual secret shapes
// with the submatch groups to preserve on either side of the redacted
// value, so "Authorization: Bearer xyz" becomes "Authorization: Bearer
// [REDACTED]" instead of losing its surrounding context entirely.
type secretPattern struct {
	re     *regexp.Regexp
	prefix int // submatch index to keep before the placeholder, 0 if none
	suffix int // submatch index to keep after the placeholder, 0 if none
}

// secretPatterns matches the shapes of secret that actually flow through
// this kernel: the external CLI tool's API key (injected into the child
// process's environment and occasionally echoed back in its stdout/stderr
// on auth failure), an Authorization header the CLI tool's own HTTP calls
// might log, and a password embedded in a Redis connection URL surfaced in
// a dial error.
var secretPatterns = []secretPattern{
	// key=value / key: value style API keys and tokens, e.g. the CLI
	// tool's CLIAPIKeyEnv value leaking into its own diagnostic output.
	{
		re:     regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?token|auth[_-]?token|client[_-]?secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
		prefix: 1,
	},
	// --api-key value or --token=value CLI flags, the shape a wrapped
	// external tool invocation would log on a startup failure.
	{
		re:     regexp.MustCompile(`(?i)(--?(?:api-?key|token)[= ])([A-Za-z0-9_\-./+=]{12,})`),
		prefix: 1,
	},
	// Authorization: Bearer <token> headers.
	{
		re:     regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{12,})`),
		prefix: 1,
	},
	// Password embedded in a redis:// or rediss:// connection URL, as
	// would appear in a dial-failure error string.
	{
		re:     regexp.MustCompile(`(rediss?://[^:@/\s]*:)[^@/\s]+(@)`),
		prefix: 1,
		suffix: 2,
	},
}

// Redact replaces secret-bearing substrings of input with [REDACTED],
// keeping enough surrounding context (a key name, a Bearer prefix, a
// connection-string scheme) that the redacted line still explains itself.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range secretPatterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			submatch := p.re.FindStringSubmatch(match)
			out := ""
			if p.prefix > 0 && p.prefix < len(submatch) {
				out += submatch[p.prefix]
			}
			out += redactedPlaceholder
			if p.suffix > 0 && p.suffix < len(submatch) {
				out += submatch[p.suffix]
			}
			return out
		})
	}
	return result
}

// RedactEnvValue returns value unless key looks like it names a secret
// (API key, token, password, credential), in which case it returns the
// placeholder. Used before logging the environment a supervised child
// process was launched with.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
