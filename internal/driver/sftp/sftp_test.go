package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/retry"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not exist", fs.ErrNotExist, fserr.ErrNotFound},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, fserr.ErrPermission},
		{"generic failure", &sftp.StatusError{Code: fxFailure}, fserr.ErrPermission},
		{"unsupported", &sftp.StatusError{Code: fxOpUnsupported}, fserr.ErrUnsupported},
		{"connection lost", &sftp.StatusError{Code: fxConnectionLost}, fserr.ErrTransport},
		{"eof mid stream", io.ErrUnexpectedEOF, fserr.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(mapErr("op", "/x", tt.err), tt.want))
		})
	}
}

func TestNewLoadsKnownHosts(t *testing.T) {
	_, err := New(Config{Host: "h", KnownHosts: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	d, err := NewFromOptions(map[string]any{"host": "h", "known_hosts": file, "timeout": "2s"})
	require.NoError(t, err)
	assert.Equal(t, 22, d.cfg.Port)
	assert.Equal(t, "sftp", d.Type())
}

// TestLiveServer runs against a real server, e.g.
// TEST_SFTP_ADDR=127.0.0.1:2222 TEST_SFTP_USER=foo TEST_SFTP_PASS=pass
func TestLiveServer(t *testing.T) {
	addr := os.Getenv("TEST_SFTP_ADDR")
	if addr == "" {
		t.Skip("TEST_SFTP_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	d, err := New(Config{Host: host, AllowHostOverride: true, InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = d.Connect(ctx, driver.Credentials{Username: "wrong", Password: "password", Host: host, Port: port})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))

	c, err := d.Connect(ctx, driver.Credentials{
		Username: os.Getenv("TEST_SFTP_USER"),
		Password: os.Getenv("TEST_SFTP_PASS"),
		Host:     host,
		Port:     port,
	})
	require.NoError(t, err)
	defer c.Close()

	dir := os.Getenv("TEST_SFTP_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	dir += "/unifile-live-test"
	c.Remove(ctx, dir+"/b.txt")
	c.Remove(ctx, dir)

	require.NoError(t, c.MakeDir(ctx, dir))
	_, err = c.WriteStream(ctx, dir+"/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	require.NoError(t, driver.Move(ctx, c, dir+"/a.txt", dir+"/b.txt"))

	entries, err := c.List(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)

	assert.True(t, errors.Is(c.Remove(ctx, dir), fserr.ErrPermission))
	require.NoError(t, c.Remove(ctx, dir+"/b.txt"))
	require.NoError(t, c.Remove(ctx, dir))
}

func TestTransientConnectFailuresAreRetryable(t *testing.T) {
	ctx := context.Background()
	creds := driver.Credentials{Username: "u", Password: "p"}

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		d, err := New(Config{Host: "127.0.0.1", Port: port, Timeout: time.Second, InsecureIgnoreHostKey: true})
		require.NoError(t, err)
		_, err = d.Connect(ctx, creds)
		assert.True(t, errors.Is(err, fserr.ErrConnection))
		assert.True(t, retry.IsRetryable(err))
	})

	t.Run("handshake dropped", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()

		d, err := New(Config{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Timeout: time.Second, InsecureIgnoreHostKey: true})
		require.NoError(t, err)
		_, err = d.Connect(ctx, creds)
		assert.True(t, errors.Is(err, fserr.ErrConnection))
		assert.True(t, retry.IsRetryable(err))
	})
}
