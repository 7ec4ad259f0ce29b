package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 365*24*time.Hour, cfg.CA.CertTTL.Std())
	assert.Equal(t, time.Hour, cfg.OCSP.ResponderTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.OCSP.ClientTTL.Std())
	assert.Equal(t, 2*time.Second, cfg.OCSP.Timeout.Std())
	assert.True(t, cfg.OCSPEnabled())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
ca:
  common_name: "Test CA"
  cert_ttl: 48h
ocsp:
  enabled: false
  responder_ttl: 30m
storage:
  backend: memory
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "Test CA", cfg.CA.CommonName)
	assert.Equal(t, 48*time.Hour, cfg.CA.CertTTL.Std())
	assert.Equal(t, 30*time.Minute, cfg.OCSP.ResponderTTL.Std())
	assert.False(t, cfg.OCSPEnabled())
	// Unset fields keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.OCSP.Timeout.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANS_LISTEN", ":7070")
	t.Setenv("ANS_STORAGE_BACKEND", "postgres")
	t.Setenv("ANS_DB_DSN", "postgres://ans@localhost/ans")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://ans@localhost/ans", cfg.Storage.DSN)
}

func TestValidate(t *testing.T) {
	t.Setenv("ANS_STORAGE_BACKEND", "postgres")
	_, err := Load("")
	require.Error(t, err) // postgres without a DSN

	t.Setenv("ANS_STORAGE_BACKEND", "cassandra")
	t.Setenv("ANS_DB_DSN", "whatever")
	_, err = Load("")
	require.Error(t, err)
}

func TestInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ca:\n  cert_ttl: nonsense\n"), 0644))
	_, err := Load(path)
	require.Error(t, err)
}
