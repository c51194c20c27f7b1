package driver_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/driver/memory"
	"github.com/fruitsalade/unifile/internal/fserr"
)

func newConn(t *testing.T) driver.Conn {
	t.Helper()
	d := memory.New(memory.Config{})
	c, err := d.Connect(context.Background(), driver.Credentials{Username: "u"})
	require.NoError(t, err)
	return c
}

func readAll(t *testing.T, c driver.Conn, p string) []byte {
	t.Helper()
	rc, err := c.ReadStream(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestSynthesizedCopyPreservesBytes(t *testing.T) {
	c := newConn(t)
	ctx := context.Background()

	payload := make([]byte, 3<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	_, err = c.WriteStream(ctx, "/src.bin", bytes.NewReader(payload))
	require.NoError(t, err)

	require.NoError(t, driver.Copy(ctx, c, "/src.bin", "/dst.bin"))

	assert.Equal(t, payload, readAll(t, c, "/dst.bin"))
	assert.Equal(t, payload, readAll(t, c, "/src.bin"))

	// independent entries
	_, err = c.WriteStream(ctx, "/src.bin", bytes.NewReader([]byte("changed")))
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, c, "/dst.bin"))
}

func TestCopyMissingSource(t *testing.T) {
	c := newConn(t)
	err := driver.Copy(context.Background(), c, "/nope", "/dst")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
}

func TestCopyDirectoryUnsupported(t *testing.T) {
	c := newConn(t)
	require.NoError(t, c.MakeDir(context.Background(), "/d"))
	err := driver.Copy(context.Background(), c, "/d", "/e")
	assert.True(t, errors.Is(err, fserr.ErrUnsupported))
}

func TestCopyIntoMissingDirectory(t *testing.T) {
	c := newConn(t)
	ctx := context.Background()
	_, err := c.WriteStream(ctx, "/a", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	err = driver.Copy(ctx, c, "/a", "/missing/b")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
}

func TestMoveFallsBackToCopyAndRemove(t *testing.T) {
	c := newConn(t)
	ctx := context.Background()
	_, err := c.WriteStream(ctx, "/a.txt", bytes.NewReader([]byte("content")))
	require.NoError(t, err)

	require.NoError(t, driver.Move(ctx, c, "/a.txt", "/b.txt"))

	_, err = c.Stat(ctx, "/a.txt")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
	assert.Equal(t, []byte("content"), readAll(t, c, "/b.txt"))
}

type renamingConn struct {
	driver.Conn
	renamed bool
}

func (r *renamingConn) Rename(ctx context.Context, from, to string) error {
	r.renamed = true
	return nil
}

func TestMovePrefersNativeRename(t *testing.T) {
	rc := &renamingConn{Conn: newConn(t)}
	require.NoError(t, driver.Move(context.Background(), rc, "/x", "/y"))
	assert.True(t, rc.renamed)
}

func TestAccountOfFallsBackToCredentials(t *testing.T) {
	acc := driver.AccountOf(context.Background(), newConn(t), "ftp",
		driver.Credentials{Username: "admin", Host: "127.0.0.1"})
	assert.Equal(t, "admin@127.0.0.1", acc.DisplayName)
	assert.Equal(t, "ftp", acc.Backend)
}
