// Package redact finds and masks credentials in free text: captured MCP
// payloads, log attributes and server metadata.
package redact

import (
	"regexp"
	"sort"
)

// Pattern is one named class of secret.
type Pattern struct {
	ID          string
	Description string
	re          *regexp.Regexp
}

var patterns = []Pattern{
	// AWS
	{"aws-credential-assignment", "AWS credential assignment", regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`)},
	{"aws-access-key-id", "AWS access key id", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},

	// GitHub
	{"github-token-assignment", "GitHub token assignment", regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`)},
	{"github-token", "GitHub token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`)},

	{"generic-api-key", "API key or access token assignment", regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`)},
	{"private-key", "PEM private key header", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`)},
	{"bearer-token", "Bearer token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`)},
	{"url-basic-auth", "Credentials embedded in URL", regexp.MustCompile(`https?://[^:/\s"]+:[^@/\s"]+@`)},
	{"slack-token", "Slack token", regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
	{"stripe-live-key", "Stripe live key", regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`)},
	{"password-assignment", "Password assignment", regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`)},
}

const redactedPlaceholder = "[REDACTED]"

// Match is one secret found in a string.
type Match struct {
	PatternID   string
	Description string
	Offset      int
	Value       string
}

// Patterns returns the known secret patterns in evaluation order.
func Patterns() []Pattern {
	out := make([]Pattern, len(patterns))
	copy(out, patterns)
	return out
}

// Find reports every secret in input, ordered by offset.
func Find(input string) []Match {
	var matches []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(input, -1) {
			matches = append(matches, Match{
				PatternID:   p.ID,
				Description: p.Description,
				Offset:      loc[0],
				Value:       input[loc[0]:loc[1]],
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })
	return matches
}

// Contains reports whether input holds any secret.
func Contains(input string) bool {
	for _, p := range patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Redact masks every secret in input.
func Redact(input string) string {
	result := input
	for _, p := range patterns {
		result = p.re.ReplaceAllString(result, redactedPlaceholder)
	}
	return result
}

// RedactArgs masks secrets in each element of an argv.
func RedactArgs(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = Redact(arg)
	}
	return result
}

// Mask shortens a secret for display in findings: the first four characters
// are kept and the rest replaced.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return redactedPlaceholder
	}
	return secret[:4] + "…" + redactedPlaceholder
}
