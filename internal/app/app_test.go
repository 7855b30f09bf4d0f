package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltjobs/internal/config"
	"moltjobs/internal/domain"
)

type nopProvider struct{}

func (nopProvider) Me(ctx context.Context, key string) (domain.AgentProfile, bool) {
	return domain.AgentProfile{Name: "bot"}, true
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(BaseURLEnv, "http://moltbook.test/api/v1")
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://moltbook.test/api/v1", cfg.Moltbook.BaseURL)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(BaseURLEnv, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "moltjobs.yml"), []byte("cache:\n  max_entries: 5\n"), 0o644))
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Cache.MaxEntries)
	assert.Equal(t, config.DefaultMoltbookBaseURL, cfg.Moltbook.BaseURL)
}

func TestOpenWiresResolver(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Secret = "0123456789abcdef"
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Provider: nopProvider{}})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NotNil(t, a.Engine.Auth)
	assert.True(t, a.Engine.Auth.Sessions.Enabled())
	id, err := a.Engine.Auth.Resolve(context.Background(), "moltbook_k")
	require.NoError(t, err)
	assert.Equal(t, "bot", id.Agent.MoltbookName)
	assert.Equal(t, 1, a.Engine.Auth.Cache.Len())
}
