package safety

import "regexp"

// Leak is one credential-looking match in tool output.
type Leak struct {
	Kind   string
	Stream string
	Sample string
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "aws access key"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), "github token"},
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), "telegram bot token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

const maxLeaksPerPattern = 3

// ScanOutput reports credential-looking strings in a tool's stdout and
// stderr. Samples are clipped so the finding itself does not re-leak.
func ScanOutput(stdout, stderr string) []Leak {
	var leaks []Leak
	for _, s := range []struct{ name, text string }{{"stdout", stdout}, {"stderr", stderr}} {
		if s.text == "" {
			continue
		}
		for _, pat := range leakPatterns {
			for _, m := range pat.re.FindAllString(s.text, maxLeaksPerPattern) {
				leaks = append(leaks, Leak{Kind: pat.kind, Stream: s.name, Sample: clip(m)})
			}
		}
	}
	return leaks
}

func clip(s string) string {
	if len(s) > 12 {
		return s[:8] + "..."
	}
	return s
}
