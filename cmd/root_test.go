package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/news-sentinel/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "serve", "status", "requeue", "reconcile"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "news-sentinel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	require.NotNil(t, runCmd.Flags().Lookup("stages"))
	flag := runCmd.Flags().Lookup("skip-reconcile")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRequeueCommand_StageRequired(t *testing.T) {
	flag := requeueCmd.Flags().Lookup("stage")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Annotations, "cobra_annotation_bash_completion_one_required_flag")
	assert.NotNil(t, requeueCmd.Flags().Lookup("key"))
	assert.NotNil(t, requeueCmd.Flags().Lookup("source"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("interval"))
}

func TestStatusCommand_Flags(t *testing.T) {
	flag := statusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "10", flag.DefValue)
}

func TestParseStages(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []model.Stage
		wantErr bool
	}{
		{name: "empty means all", in: nil, want: nil},
		{name: "single", in: []string{"deliver"}, want: []model.Stage{model.StageDeliver}},
		{
			name: "comma separated",
			in:   []string{"classify, extract_text", "target"},
			want: []model.Stage{model.StageClassify, model.StageExtractText, model.StageTarget},
		},
		{name: "blank parts ignored", in: []string{",collect,"}, want: []model.Stage{model.StageCollect}},
		{name: "unknown", in: []string{"classify,publish"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStages(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), `"publish"`)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "collect, classify, extract_text, target, deliver", stageNames())
}
