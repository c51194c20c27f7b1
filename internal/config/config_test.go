package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/logging"
)

func init() {
	logging.InitNop()
}

const minimal = `
session:
  secret: "0123456789abcdef-secret"
backends:
  - name: ftp
    type: ftp
    options:
      host: 127.0.0.1
      port: 7002
      timeout: 5s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unifile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":6805", cfg.Server.Addr)
	assert.Equal(t, "/api/v1.0", cfg.Server.APIPrefix)
	assert.Equal(t, int64(100<<20), cfg.Server.MaxUploadSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 4096, cfg.Dispatch.MaxPathLength)
	assert.Equal(t, "memory", cfg.Store.Type)

	specs := cfg.BackendSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "ftp", specs[0].Name)
	assert.Equal(t, "127.0.0.1", specs[0].Options["host"])

	assert.Equal(t, cfg.Pool.WaitTimeout, cfg.PoolOptions().WaitTimeout)
	assert.Equal(t, cfg.Session.Secret, cfg.SessionOptions().Secret)
	assert.Equal(t, cfg.Server.MaxUploadSize, cfg.DispatchOptions().MaxUploadSize)
	assert.Equal(t, cfg.Session.TokenTTL, cfg.APIOptions().CookieMaxAge)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
logging:
  level: DEBUG
  format: console
pool:
  wait_timeout: 5s
server:
  api_prefix: /files
store:
  type: badger
  badger:
    path: /var/lib/unifile
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Pool.WaitTimeout)
	assert.Equal(t, "/files", cfg.Server.APIPrefix)
	assert.Equal(t, "/var/lib/unifile", cfg.BadgerOptions().Path)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("UNIFILE_SESSION_SECRET", "from-the-environment-0123")
	t.Setenv("UNIFILE_SERVER_ADDR", ":7000")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment-0123", cfg.Session.Secret)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no backends",
			content: "session:\n  secret: 0123456789abcdef-secret\n",
			want:    "Backends",
		},
		{
			name:    "short secret",
			content: strings.Replace(minimal, "0123456789abcdef-secret", "short", 1),
			want:    "Secret",
		},
		{
			name:    "unknown backend type",
			content: strings.Replace(minimal, "type: ftp", "type: gopher", 1),
			want:    "Type",
		},
		{
			name:    "bad backend name",
			content: strings.Replace(minimal, "name: ftp", "name: My/FTP", 1),
			want:    "name",
		},
		{
			name: "duplicate backend name",
			content: minimal + `  - name: ftp
    type: memory
`,
			want: "duplicate",
		},
		{
			name:    "postgres without url",
			content: minimal + "store:\n  type: postgres\n",
			want:    "database_url",
		},
		{
			name:    "bad log level",
			content: minimal + "logging:\n  level: loud\n",
			want:    "Level",
		},
		{
			name:    "half tls",
			content: minimal + "server:\n  tls_cert_file: cert.pem\n",
			want:    "tls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecretNotEchoed(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(minimal, "0123456789abcdef-secret", "hunter2", 1)))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, minimal)

	changed := make(chan *Config, 4)
	require.NoError(t, Watch(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(minimal+"logging:\n  level: warn\n"), 0o600))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			// a partial write may be observed first
			if cfg.Logging.Level == "warn" {
				return
			}
		case <-timeout:
			t.Fatal("no reload after config change")
		}
	}
}
