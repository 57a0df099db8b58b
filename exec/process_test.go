package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/codexsdk/transport"
)

func TestBuildCLIArgs(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		config Config
		want   []string
	}{
		{
			name: "defaults",
			want: []string{"exec", "--json", "hi"},
		},
		{
			name:   "everything",
			schema: "/tmp/schema.json",
			config: Config{
				Model:            "gpt-5-codex",
				Sandbox:          "workspace-write",
				FullAuto:         true,
				SkipGitRepoCheck: true,
				WorkDir:          "/repo",
				ExtraArgs:        []string{"-c", "model_reasoning_effort=high"},
			},
			want: []string{
				"exec", "--json",
				"--model", "gpt-5-codex",
				"--sandbox", "workspace-write",
				"--full-auto",
				"--skip-git-repo-check",
				"--output-schema", "/tmp/schema.json",
				"-C", "/repo",
				"-c", "model_reasoning_effort=high",
				"hi",
			},
		},
		{
			name:   "resume",
			config: Config{ResumeID: "th_1", Model: "o3"},
			want:   []string{"exec", "--json", "--model", "o3", "resume", "th_1", "hi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildCLIArgs("hi", tt.schema, tt.config))
		})
	}
}

func TestProcessManager_NotFound(t *testing.T) {
	pm := newProcessManager("hi", "", Config{CLIPath: "/nonexistent/codex"})
	err := pm.Start(context.Background())
	var nf *transport.CLINotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "/nonexistent/codex", nf.Path)
	assert.Zero(t, pm.PID())
	pm.Stop()
}

func TestProcessManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newProcessManager("hi", "", defaultConfig()).Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
