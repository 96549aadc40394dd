package usagelog

import (
	"strings"
	"testing"
)

// P9: for any input containing an email, a tvly- key, an mcp_ token, a
// long hex string, or a URL with a sensitive query param, the preview must
// not contain that literal substring.
func TestRedactStripsSensitiveSubstrings(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		secret string
	}{
		{"email", "contact me at jane.doe@example.com please", "jane.doe@example.com"},
		{"tvly key", "using key tvly-abcdef0123456789ABCDEF0123456789", "tvly-abcdef0123456789ABCDEF0123456789"},
		{"mcp token", "bearer mcp_0123456789ab.0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
		{"long hex", "session deadbeefdeadbeefdeadbeefdeadbeefdeadbeef active", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		{"url token param", "https://example.com/search?q=x&token=supersecretvalue1234567890", "token=supersecretvalue1234567890"},
		{"url api_key param", "https://example.com/search?api_key=abcd1234efgh5678", "api_key=abcd1234efgh5678"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Preview(tc.input, 500)
			if contains(got, tc.secret) {
				t.Fatalf("Preview(%q) = %q still contains secret %q", tc.input, got, tc.secret)
			}
		})
	}
}

func TestPreviewClampsWithEllipsis(t *testing.T) {
	long := "this is a moderately long search query about something unremarkable and plain"
	got := Preview(long, 20)
	if len([]rune(got)) > 20 {
		t.Fatalf("expected preview clamped to 20 runes, got %d: %q", len([]rune(got)), got)
	}
	if !strings.HasSuffix(got, "…") && len(long) > 20 {
		t.Fatalf("expected ellipsis suffix on truncated preview, got %q", got)
	}
}

func TestPreviewUnderLimitUnchanged(t *testing.T) {
	short := "short query"
	if got := Preview(short, 500); got != short {
		t.Fatalf("expected unchanged short query, got %q", got)
	}
}

func TestHashQueryDeterministicAndSecretSensitive(t *testing.T) {
	a := HashQuery("weather in boston", "")
	b := HashQuery("weather in boston", "")
	if a != b {
		t.Fatalf("expected deterministic hash without secret")
	}
	withSecret := HashQuery("weather in boston", "s3cr3t")
	if withSecret == a {
		t.Fatalf("expected HMAC hash to differ from plain SHA-256 hash")
	}
	if HashQuery("weather in boston", "s3cr3t") != withSecret {
		t.Fatalf("expected deterministic HMAC hash for same secret")
	}
}

func contains(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}
