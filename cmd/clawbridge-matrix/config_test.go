// ABOUTME: Tests for matrix bridge config loading and validation
// ABOUTME: Covers env placeholder expansion and required-field errors

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matrix.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_ExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("MX_PASS", "s3cret")
	path := writeConfig(t, `
[matrix]
homeserver = "https://matrix.org"
username = "clawbot"
password = "${MX_PASS}"

[bridge]
gateway_url = "http://localhost:18810"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Matrix.Password)
	assert.Equal(t, "clawbot", cfg.Matrix.Username)
}

func TestLoad_MissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
[matrix]
homeserver = "https://matrix.org"
password = "pw"

[bridge]
gateway_url = "http://localhost:18810"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matrix.username is required")
}

func TestLoad_RejectsNonHTTPGateway(t *testing.T) {
	path := writeConfig(t, `
[matrix]
homeserver = "https://matrix.org"
username = "clawbot"
password = "pw"

[bridge]
gateway_url = "ftp://nope"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")
}

func TestAccountSlug(t *testing.T) {
	assert.Equal(t, "clawbot_matrix.org", accountSlug("@clawbot:matrix.org"))
	assert.Equal(t, "bot-2_example.com", accountSlug("@bot-2:example.com"))
	assert.Equal(t, "weird", accountSlug("@we|i rd"))
}
