package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
)

func connect(t *testing.T, d *Driver) driver.Conn {
	t.Helper()
	c, err := d.Connect(context.Background(), driver.Credentials{Username: "admin", Password: "admin"})
	require.NoError(t, err)
	return c
}

func TestConnectChecksUsers(t *testing.T) {
	d := New(Config{Users: map[string]string{"admin": "admin"}})
	ctx := context.Background()

	_, err := d.Connect(ctx, driver.Credentials{Username: "wrong", Password: "password"})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))

	_, err = d.Connect(ctx, driver.Credentials{Username: "admin", Password: "nope"})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))

	c, err := d.Connect(ctx, driver.Credentials{Username: "admin", Password: "admin"})
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.EqualValues(t, 1, d.Connects())
}

func TestTreeOperations(t *testing.T) {
	d := New(Config{})
	c := connect(t, d)
	ctx := context.Background()

	require.NoError(t, c.MakeDir(ctx, "/docs"))
	assert.True(t, errors.Is(c.MakeDir(ctx, "/docs"), fserr.ErrAlreadyExists))
	assert.True(t, errors.Is(c.MakeDir(ctx, "/missing/child"), fserr.ErrNotFound))

	n, err := c.WriteStream(ctx, "/docs/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	entries, err := c.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "docs", entries[0].Name)
	assert.True(t, entries[0].IsDir)

	rc, err := c.ReadStream(ctx, "/docs/a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	assert.True(t, errors.Is(c.Remove(ctx, "/docs"), fserr.ErrPermission), "non-empty directory")
	require.NoError(t, c.Remove(ctx, "/docs/a.txt"))
	require.NoError(t, c.Remove(ctx, "/docs"))
	assert.True(t, errors.Is(c.Remove(ctx, "/docs"), fserr.ErrNotFound))
}

func TestQuota(t *testing.T) {
	d := New(Config{MaxBytes: 4})
	c := connect(t, d)
	_, err := c.WriteStream(context.Background(), "/big", strings.NewReader("12345"))
	assert.True(t, errors.Is(err, fserr.ErrQuota))
}

func TestBreakConnections(t *testing.T) {
	d := New(Config{})
	c := connect(t, d)
	d.BreakConnections()

	_, err := c.List(context.Background(), "/")
	assert.True(t, errors.Is(err, fserr.ErrTransport))

	fresh := connect(t, d)
	_, err = fresh.List(context.Background(), "/")
	assert.NoError(t, err)
}

func TestFailNext(t *testing.T) {
	d := New(Config{})
	c := connect(t, d)
	boom := fserr.New(fserr.KindPermission, "list", "/")
	d.FailNext("list", boom)

	_, err := c.List(context.Background(), "/")
	assert.Same(t, boom, err)
	_, err = c.List(context.Background(), "/")
	assert.NoError(t, err)
}

func TestNewFromOptions(t *testing.T) {
	d, err := NewFromOptions(map[string]any{
		"users":   map[string]any{"u": "p"},
		"latency": "1ms",
	})
	require.NoError(t, err)
	assert.Equal(t, "p", d.cfg.Users["u"])
	assert.Equal(t, "memory", d.Type())
}

func TestWriteIntoDirectoryRemovedMidUpload(t *testing.T) {
	d := New(Config{})
	ctx := context.Background()
	writer, remover := connect(t, d), connect(t, d)
	require.NoError(t, writer.MakeDir(ctx, "/d"))

	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		_, err := writer.WriteStream(ctx, "/d/f.txt", pr)
		errc <- err
	}()

	// the first chunk is consumed once the parent check has passed
	_, err := pw.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, remover.Remove(ctx, "/d"))
	require.NoError(t, pw.Close())

	assert.True(t, errors.Is(<-errc, fserr.ErrNotFound))
	_, err = remover.Stat(ctx, "/d/f.txt")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
	entries, err := remover.List(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
