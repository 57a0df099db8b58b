// Package redact keeps a bounded tail of process diagnostics and scrubs
// credential-looking substrings before they reach error messages or logs.
package redact

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultTailSize is the number of trailing stderr bytes kept per process.
const DefaultTailSize = 4096

// Mask replaces every redacted value.
const Mask = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// OpenAI-style and generic prefixed API keys.
	regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-+/=]{8,}`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{16,}`),
}

// keyValue matches NAME=value / "name": "value" pairs whose key looks secret.
var keyValue = regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password|passwd|authorization)["']?\s*[:=]\s*["']?)([^\s"',}]+)`)

// String scrubs secrets from s.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return keyValue.ReplaceAllString(s, "${1}"+Mask)
}

// Tail returns the last limit bytes of s, advanced to a valid UTF-8
// boundary.
func Tail(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// TailBuffer is an io.Writer retaining only the most recent bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	buf   []byte
	limit int
	mu    sync.Mutex
}

// NewTailBuffer returns a TailBuffer holding up to limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultTailSize
	}
	return &TailBuffer{limit: limit}
}

// Write implements io.Writer. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// String returns the redacted, whitespace-trimmed tail.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	raw := string(b.buf)
	b.mu.Unlock()
	return strings.TrimSpace(String(Tail(raw, b.limit)))
}
