package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCommand(t *testing.T) {
	rootCmd.SetArgs([]string{"schema"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	stdout := captureStdout(t)
	require.NoError(t, rootCmd.Execute())

	var schema map[string]any
	require.NoError(t, json.Unmarshal(stdout(), &schema))
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "verdict")
	assert.Contains(t, props, "findings")
}
