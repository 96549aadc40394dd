package usagelog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	hexPattern   = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	tokenPattern = regexp.MustCompile(`\b[0-9A-Za-z]{32,}\b`)
	tvlyPattern  = regexp.MustCompile(`tvly-[0-9A-Za-z\-]+`)
	mcpPattern   = regexp.MustCompile(`mcp_[0-9A-Za-z\-]+\.[0-9A-Za-z\-]+`)
	urlParamKeys = []string{"token", "access_token", "auth", "apikey", "api_key", "key", "password"}
)

func init() {
	patterns := make([]*regexp.Regexp, len(urlParamKeys))
	for i, k := range urlParamKeys {
		patterns[i] = regexp.MustCompile(`(?i)([?&]` + regexp.QuoteMeta(k) + `=)[^&\s]*`)
	}
	urlParamPatterns = patterns
}

var urlParamPatterns []*regexp.Regexp

// Redact applies the bridge's redaction rules in order: emails, long hex,
// long alnum tokens, tvly-prefixed keys, mcp_ client tokens, then
// sensitive URL query parameters.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, "<email>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = tokenPattern.ReplaceAllString(s, "<token>")
	s = tvlyPattern.ReplaceAllString(s, "tvly-<redacted>")
	s = mcpPattern.ReplaceAllString(s, "mcp_<redacted>")
	for _, p := range urlParamPatterns {
		s = p.ReplaceAllString(s, "${1}<redacted>")
	}
	return s
}

// Preview redacts s and clamps it to maxLen characters, appending an
// ellipsis if truncated.
func Preview(s string, maxLen int) string {
	redacted := []rune(Redact(s))
	if len(redacted) <= maxLen {
		return string(redacted)
	}
	if maxLen <= 1 {
		return string(redacted[:maxLen])
	}
	return string(redacted[:maxLen-1]) + "…"
}

// HashQuery hashes query with SHA-256, or HMAC-SHA256 if secret is set.
func HashQuery(query, secret string) string {
	if secret == "" {
		sum := sha256.Sum256([]byte(query))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
