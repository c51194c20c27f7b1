package ftp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/retry"
)

func TestMapErrReplyCodes(t *testing.T) {
	tests := []struct {
		code    int
		writing bool
		want    error
	}{
		{550, false, fserr.ErrNotFound},
		{550, true, fserr.ErrPermission},
		{553, true, fserr.ErrPermission},
		{532, false, fserr.ErrPermission},
		{552, true, fserr.ErrQuota},
		{452, true, fserr.ErrQuota},
		{421, false, fserr.ErrTransport},
		{426, false, fserr.ErrTransport},
		{502, false, fserr.ErrUnsupported},
		{599, false, fserr.ErrInternal},
	}
	for _, tt := range tests {
		err := mapErr("op", "/p", tt.writing, &textproto.Error{Code: tt.code, Msg: "server text"})
		assert.Truef(t, errors.Is(err, tt.want), "code %d writing=%v: got %v", tt.code, tt.writing, err)
		assert.NotContains(t, fserr.Public(err), "server text")
	}
}

func TestMapErrSocketErrors(t *testing.T) {
	err := mapErr("ls", "/", false, &net.OpError{Op: "read", Err: errors.New("reset")})
	assert.True(t, errors.Is(err, fserr.ErrTransport))
	assert.NoError(t, mapErr("ls", "/", false, nil))
}

func TestNewFromOptions(t *testing.T) {
	d, err := NewFromOptions(map[string]any{
		"host":    "ftp.example.com",
		"tls":     "implicit",
		"timeout": "5s",
	})
	require.NoError(t, err)
	assert.Equal(t, 990, d.cfg.Port)
	assert.Equal(t, "ftp", d.Type())

	_, err = NewFromOptions(map[string]any{"host": "h", "tls": "sometimes"})
	assert.Error(t, err)

	_, err = New(Config{})
	assert.Error(t, err, "host required without override")
}

func TestAddressOverride(t *testing.T) {
	d, err := New(Config{Host: "default", Port: 21, AllowHostOverride: true})
	require.NoError(t, err)
	host, addr := d.address(driver.Credentials{Host: "127.0.0.1", Port: "2121"})
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "127.0.0.1:2121", addr)

	d.cfg.AllowHostOverride = false
	_, addr = d.address(driver.Credentials{Host: "127.0.0.1", Port: "2121"})
	assert.Equal(t, "default:21", addr)
}

// TestLiveServer runs against a real server, e.g.
// TEST_FTP_ADDR=127.0.0.1:21 TEST_FTP_USER=admin TEST_FTP_PASS=admin
func TestLiveServer(t *testing.T) {
	addr := os.Getenv("TEST_FTP_ADDR")
	if addr == "" {
		t.Skip("TEST_FTP_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	d, err := New(Config{Host: host, AllowHostOverride: true})
	require.NoError(t, err)
	ctx := context.Background()
	creds := driver.Credentials{
		Username: os.Getenv("TEST_FTP_USER"),
		Password: os.Getenv("TEST_FTP_PASS"),
		Host:     host,
		Port:     port,
	}

	_, err = d.Connect(ctx, driver.Credentials{Username: "wrong", Password: "password", Host: host, Port: port})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))

	c, err := d.Connect(ctx, creds)
	require.NoError(t, err)
	defer c.Close()

	dir := "/unifile-live-test"
	c.Remove(ctx, dir+"/a.txt")
	c.Remove(ctx, dir+"/b.txt")
	c.Remove(ctx, dir)

	require.NoError(t, c.MakeDir(ctx, dir))
	assert.True(t, errors.Is(c.MakeDir(ctx, dir), fserr.ErrAlreadyExists))

	_, err = c.WriteStream(ctx, dir+"/a.txt", strings.NewReader("This is a text my file."))
	require.NoError(t, err)

	require.NoError(t, driver.Copy(ctx, c, dir+"/a.txt", dir+"/b.txt"))
	rc, err := c.ReadStream(ctx, dir+"/b.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "This is a text my file.", string(got))

	entries, err := c.List(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, c.(driver.Pinger).Ping(ctx))
	require.NoError(t, c.Remove(ctx, dir+"/a.txt"))
	require.NoError(t, c.Remove(ctx, dir+"/b.txt"))
	require.NoError(t, c.Remove(ctx, dir))

	_, err = c.Stat(ctx, dir)
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestDialFailureIsRetryable(t *testing.T) {
	d, err := New(Config{Host: "127.0.0.1", Port: closedPort(t), Timeout: time.Second})
	require.NoError(t, err)

	_, err = d.Connect(context.Background(), driver.Credentials{Username: "u", Password: "p"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fserr.ErrConnection))
	assert.True(t, retry.IsRetryable(err))
}
