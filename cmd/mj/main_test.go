package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltjobs/internal/config"
	"moltjobs/internal/domain"
	moltjobssdk "moltjobs/sdk/go"
)

func TestApplyOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("log-level", "debug")
	viper.Set("addr", "0.0.0.0:9000")
	viper.Set("db-dsn", "  ")

	cfg := config.Default()
	applyOverrides(cfg)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Empty(t, cfg.Database.DSN)
	require.NoError(t, cfg.Validate())
}

func TestKeyHashCommand(t *testing.T) {
	cmd := keyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash", "moltbook_abc"})
	require.NoError(t, cmd.Execute())
	assert.Len(t, strings.TrimSpace(out.String()), 64)

	out.Reset()
	cmd.SetIn(strings.NewReader("moltbook_abc\n"))
	cmd.SetArgs([]string{"hash"})
	require.NoError(t, cmd.Execute())
	assert.Len(t, strings.TrimSpace(out.String()), 64)

	cmd.SetArgs([]string{"hash", "sk_abc"})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	assert.True(t, errors.Is(err, domain.ErrMalformedCredential))
}

func TestRenderJobs(t *testing.T) {
	var out bytes.Buffer
	renderJobs(&out, []jobRow{{ID: "j1", Title: "Scrape", Status: "open", Skills: []string{"go", "sql"}, Applications: 2}})
	s := out.String()
	assert.Contains(t, s, "Scrape")
	assert.Contains(t, s, "go,sql")
}

func TestDescribeError(t *testing.T) {
	ve := domain.ValidationError{Fields: map[string]string{"limit": "must be between 0 and 100"}}
	assert.Contains(t, describeError(ve), "limit")
	assert.Contains(t, describeError(&moltjobssdk.APIError{StatusCode: 409, Code: "already_applied", Message: "already applied to this job"}), "409 already_applied")
	assert.Equal(t, "Moltbook rejected the API key", describeError(domain.ErrInvalidCredential))
}
