package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    cliFlags
		wantErr bool
	}{
		{name: "defaults", args: nil, want: cliFlags{}},
		{name: "long", args: []string{"--config", "c.yaml", "--port", "8080"}, want: cliFlags{config: "c.yaml", port: 8080}},
		{name: "short", args: []string{"-c", "c.yaml", "-p", "9000", "-v"}, want: cliFlags{config: "c.yaml", port: 9000, verbose: true}},
		{name: "version", args: []string{"--version"}, want: cliFlags{version: true}},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
		{name: "bad port", args: []string{"--port", "70000"}, wantErr: true},
		{name: "positional", args: []string{"serve"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestLoadConfigPortOverride(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(&cliFlags{port: 8081})
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)

	cfg, err = loadConfig(&cliFlags{})
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}
