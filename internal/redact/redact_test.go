package redact

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		notWant string
	}{
		{name: "openai key", in: "auth failed for sk-proj-abcdef1234567890", notWant: "abcdef1234567890"},
		{name: "bearer", in: "header Authorization: Bearer eyJhbGciOi.payload", notWant: "eyJhbGciOi"},
		{name: "env assignment", in: "OPENAI_API_KEY=supersecretvalue", want: "OPENAI_API_KEY=" + Mask},
		{name: "json field", in: `{"token": "abc123xyz"}`, notWant: "abc123xyz"},
		{name: "github token", in: "using ghp_0123456789abcdefABCDEF", notWant: "0123456789abcdef"},
		{name: "plain text untouched", in: "thread panicked at src/main.rs:12", want: "thread panicked at src/main.rs:12"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := String(tc.in)
			if tc.want != "" {
				assert.Equal(t, tc.want, got)
			}
			if tc.notWant != "" {
				assert.NotContains(t, got, tc.notWant)
				assert.Contains(t, got, Mask)
			}
		})
	}
}

func TestTail_UTF8Boundary(t *testing.T) {
	t.Parallel()
	s := "\U0001F600" + strings.Repeat("x", 10)
	got := Tail(s, 12)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", 10), got)
	assert.Equal(t, "", Tail(s, 0))
	assert.Equal(t, "abc", Tail("abc", 10))
}

func TestTailBuffer_KeepsMostRecent(t *testing.T) {
	t.Parallel()
	b := NewTailBuffer(8)
	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

func TestTailBuffer_Redacts(t *testing.T) {
	t.Parallel()
	b := NewTailBuffer(0)
	_, _ = b.Write([]byte("error: invalid api_key=sk-live-0123456789\n"))
	out := b.String()
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, Mask)
}
