// ABOUTME: Tests for config-to-hub wiring in the serve command
// ABOUTME: Generates a throwaway certificate so hubOptions can load real TLS material

package main

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-endpoint/internal/config"
	"github.com/2389/coven-endpoint/internal/fanin"
	"github.com/2389/coven-endpoint/internal/registry"
)

func TestBuildFeatures(t *testing.T) {
	features := buildFeatures(config.FeaturesConfig{
		Ping: config.FeatureToggle{Enabled: true},
		Tap:  config.FeatureToggle{Enabled: true},
	})
	require.Len(t, features, 2)
	assert.Equal(t, "ping", features[0].Meta().Name)
	assert.Equal(t, "tap", features[1].Meta().Name)

	assert.Empty(t, buildFeatures(config.FeaturesConfig{}))
}

func TestHubOptionsFromConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "endpoint.crt")
	keyFile := filepath.Join(dir, "endpoint.key")
	require.NoError(t, writeDevCertificate(certFile, keyFile, []string{"localhost"}))

	cfg, err := config.Parse([]byte(`
server:
  port: 9443
  source: edge
tls:
  cert_file: ` + certFile + `
  key_file: ` + keyFile + `
  min_version: "1.3"
hub:
  overflow_policy: close
  duplicate_policy: replace
  handshake_timeout: 2s
metrics:
  enabled: true
`))
	require.NoError(t, err)

	opts, err := hubOptions(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9443", opts.Addr)
	assert.Equal(t, "edge", opts.Source)
	assert.Equal(t, uint16(tls.VersionTLS13), opts.TLSConfig.MinVersion)
	assert.Equal(t, fanin.CloseConsumer, opts.OverflowPolicy)
	assert.Equal(t, registry.ReplaceDuplicate, opts.DuplicatePolicy)
	assert.Equal(t, 2*time.Second, opts.HandshakeTimeout)
	assert.Equal(t, config.DefaultBufferSize, opts.BufferSize)
	assert.NotNil(t, opts.Metrics)
}

func TestHubOptionsMissingCertificate(t *testing.T) {
	cfg := &config.Config{TLS: config.TLSConfig{CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}}
	_, err := hubOptions(cfg, nil)
	assert.Error(t, err)
}

func TestWriteDevCertificatePermissions(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "keys", "endpoint.key")
	require.NoError(t, writeDevCertificate(filepath.Join(dir, "endpoint.crt"), keyFile, []string{"127.0.0.1"}))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_ENDPOINT_CONFIG", "/etc/coven/endpoint.yaml")
	assert.Equal(t, "/etc/coven/endpoint.yaml", getConfigPath())

	t.Setenv("COVEN_ENDPOINT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "endpoint.yaml"), getConfigPath())
}
