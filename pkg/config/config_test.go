package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api_base_url: https://api.example.com/api/v1
scraping_stall_timeout: 30s
alternate_domain_keys: [acme, globex]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api/v1", cfg.APIBaseURL)
	assert.Equal(t, 30*time.Second, cfg.ScrapingStallTimeout)
	assert.Equal(t, []string{"acme", "globex"}, cfg.AlternateDomainKeys)
	// untouched fields keep defaults
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, "ca", cfg.RegionalSuffix)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.APIBaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RecordTTL = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_base_url: [broken"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}
