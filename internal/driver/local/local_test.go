package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
)

func newDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	d, err := New(Config{RootPath: root, Users: map[string]string{"alice": string(hash)}})
	require.NoError(t, err)
	return d, root
}

func TestConnectRejectsBadPassword(t *testing.T) {
	d, _ := newDriver(t)
	_, err := d.Connect(context.Background(), driver.Credentials{Username: "alice", Password: "wrong"})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))

	_, err = d.Connect(context.Background(), driver.Credentials{Username: "bob", Password: "secret"})
	assert.True(t, errors.Is(err, fserr.ErrAuthentication))
}

func TestRoundTripAndListing(t *testing.T) {
	d, root := newDriver(t)
	ctx := context.Background()
	c, err := d.Connect(ctx, driver.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	require.NoError(t, c.MakeDir(ctx, "/tmp-test"))
	assert.True(t, errors.Is(c.MakeDir(ctx, "/tmp-test"), fserr.ErrAlreadyExists))

	n, err := c.WriteStream(ctx, "/tmp-test/test.txt", strings.NewReader("This is a text my file."))
	require.NoError(t, err)
	assert.EqualValues(t, 23, n)

	onDisk, err := os.ReadFile(filepath.Join(root, "tmp-test", "test.txt"))
	require.NoError(t, err)
	assert.Equal(t, "This is a text my file.", string(onDisk))

	entries, err := c.List(ctx, "/tmp-test")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test.txt", entries[0].Name)
	assert.Equal(t, "/tmp-test/test.txt", entries[0].Path)
	assert.EqualValues(t, 23, entries[0].Size)

	rc, err := c.ReadStream(ctx, "/tmp-test/test.txt")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "This is a text my file.", string(got))

	require.NoError(t, c.(driver.Renamer).Rename(ctx, "/tmp-test/test.txt", "/tmp-test/moved.txt"))
	_, err = c.Stat(ctx, "/tmp-test/test.txt")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))

	assert.True(t, errors.Is(c.Remove(ctx, "/tmp-test"), fserr.ErrPermission), "directory not empty")
	require.NoError(t, c.Remove(ctx, "/tmp-test/moved.txt"))
	require.NoError(t, c.Remove(ctx, "/tmp-test"))
}

func TestReadMissing(t *testing.T) {
	d, _ := newDriver(t)
	c, err := d.Connect(context.Background(), driver.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	_, err = c.ReadStream(context.Background(), "/nope.txt")
	assert.True(t, errors.Is(err, fserr.ErrNotFound))
}

func TestPerUserRoot(t *testing.T) {
	root := t.TempDir()
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	d, err := NewFromOptions(map[string]any{
		"root_path": root,
		"per_user":  true,
		"users":     map[string]any{"carol": string(hash)},
	})
	require.NoError(t, err)

	c, err := d.Connect(context.Background(), driver.Credentials{Username: "carol", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, c.MakeDir(context.Background(), "/x"))

	_, err = os.Stat(filepath.Join(root, "carol", "x"))
	assert.NoError(t, err)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
