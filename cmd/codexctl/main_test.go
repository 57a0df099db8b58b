package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout until the returned func is called.
func captureStdout(t *testing.T) func() []byte {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = orig })

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()
	return func() []byte {
		os.Stdout = orig
		_ = w.Close()
		return <-done
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"call", "watch", "turn", "exec", "tail", "schema"} {
		require.Contains(t, names, want)
	}
}
