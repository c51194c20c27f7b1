package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/driver/memory"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/pool"
	"github.com/fruitsalade/unifile/internal/transfer"
)

func init() {
	logging.InitNop()
}

type fixture struct {
	d    *memory.Driver
	p    *pool.Pool
	disp *Dispatcher
}

func newFixture(t *testing.T, mcfg memory.Config, cfg Config) *fixture {
	t.Helper()
	d := memory.New(mcfg)
	p := pool.New(pool.Config{})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return &fixture{d: d, p: p, disp: New(cfg, p)}
}

func (f *fixture) target(id string) pool.Target {
	return pool.Target{
		SessionID:   id,
		Backend:     "mem",
		Driver:      f.d,
		Credentials: driver.Credentials{Username: "admin", Password: "admin"},
	}
}

func (f *fixture) run(t *testing.T, id, name, arg string, payload transfer.Source) (*Result, error) {
	t.Helper()
	cmd, err := f.disp.Parse(name, arg, payload)
	if err != nil {
		return nil, err
	}
	return f.disp.Execute(context.Background(), f.target(id), cmd)
}

func (f *fixture) mustRun(t *testing.T, id, name, arg string) *Result {
	t.Helper()
	res, err := f.run(t, id, name, arg, nil)
	require.NoError(t, err, "%s %s", name, arg)
	return res
}

func (f *fixture) read(t *testing.T, id, p string) string {
	t.Helper()
	res := f.mustRun(t, id, "get", p)
	require.NotNil(t, res.Download)
	defer res.Download.Close()
	var buf bytes.Buffer
	_, err := res.Download.Stream(context.Background(), &buf)
	require.NoError(t, err)
	return buf.String()
}

func names(entries []driver.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestCommandFlow(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})

	res := f.mustRun(t, "s", "ls", "")
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)

	res = f.mustRun(t, "s", "mkdir", "tmp-test")
	assert.Equal(t, &Ack{Success: true, Command: "mkdir", Path: "/tmp-test"}, res.Ack)

	res = f.mustRun(t, "s", "put", "tmp-test/test.txt:This is a text my file.")
	assert.Equal(t, int64(23), res.Ack.Bytes)

	lorem := strings.Repeat("Lorem ipsum dolor sit amet. ", 400)
	res, err := f.run(t, "s", "put", "tmp-test/lorem.txt", transfer.Raw(strings.NewReader(lorem), -1))
	require.NoError(t, err)
	assert.Equal(t, int64(len(lorem)), res.Ack.Bytes)

	res = f.mustRun(t, "s", "ls", "tmp-test/")
	assert.Equal(t, []string{"lorem.txt", "test.txt"}, names(res.Entries))

	f.mustRun(t, "s", "cp", "tmp-test/test.txt:/tmp-test/test-cp.txt")
	f.mustRun(t, "s", "mv", "tmp-test/test-cp.txt:/tmp-test/test-mv.txt")
	res = f.mustRun(t, "s", "ls", "tmp-test")
	assert.Equal(t, []string{"lorem.txt", "test-mv.txt", "test.txt"}, names(res.Entries))

	f.mustRun(t, "s", "rm", "tmp-test/test-mv.txt")
	res = f.mustRun(t, "s", "ls", "tmp-test")
	assert.Equal(t, []string{"lorem.txt", "test.txt"}, names(res.Entries))

	assert.Equal(t, "This is a text my file.", f.read(t, "s", "tmp-test/test.txt"))
	assert.Equal(t, lorem, f.read(t, "s", "tmp-test/lorem.txt"))
	assert.Zero(t, f.d.Overlaps())
}

func TestCopyIsIndependent(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "put", "a.txt:one")
	f.mustRun(t, "s", "cp", "a.txt:b.txt")
	f.mustRun(t, "s", "put", "a.txt:two")

	assert.Equal(t, "two", f.read(t, "s", "a.txt"))
	assert.Equal(t, "one", f.read(t, "s", "b.txt"))
}

func TestDownloadMetadata(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "put", "notes.txt:hello")

	res := f.mustRun(t, "s", "get", "notes.txt")
	dl := res.Download
	defer dl.Close()
	assert.Equal(t, "notes.txt", dl.Name)
	assert.True(t, strings.HasPrefix(dl.ContentType, "text/plain"))
	assert.Equal(t, int64(5), dl.Size)
}

func TestBackendErrorsMapToKinds(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "mkdir", "d")
	f.mustRun(t, "s", "put", "d/f:x")

	tests := []struct {
		name, arg string
		want      error
	}{
		{"ls", "missing", fserr.ErrNotFound},
		{"get", "missing.txt", fserr.ErrNotFound},
		{"rm", "missing.txt", fserr.ErrNotFound},
		{"mkdir", "d", fserr.ErrAlreadyExists},
		{"get", "d", fserr.ErrUnsupported},
		{"put", "nodir/f:x", fserr.ErrNotFound},
	}
	for _, tt := range tests {
		_, err := f.run(t, "s", tt.name, tt.arg, nil)
		assert.ErrorIs(t, err, tt.want, "%s %s", tt.name, tt.arg)
		var fe *fserr.Error
		if assert.True(t, errors.As(err, &fe)) {
			assert.NotContains(t, fe.Public(), "memory")
		}
	}
}

func TestTransportFailureRetriedOnFreshConnection(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "mkdir", "d")
	require.EqualValues(t, 1, f.d.Connects())

	f.d.BreakConnections()
	res := f.mustRun(t, "s", "ls", "")
	assert.Equal(t, []string{"d"}, names(res.Entries))
	assert.EqualValues(t, 2, f.d.Connects())

	f.d.BreakConnections()
	f.mustRun(t, "s", "put", "d/f.txt:inline")
	assert.EqualValues(t, 3, f.d.Connects())
	assert.Equal(t, "inline", f.read(t, "s", "d/f.txt"))
}

func TestStreamedPutNotRetried(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "ls", "")

	f.d.BreakConnections()
	_, err := f.run(t, "s", "put", "f.txt", transfer.Raw(strings.NewReader("body"), -1))
	assert.ErrorIs(t, err, fserr.ErrTransport)

	h, ok := f.p.Health("s")
	require.True(t, ok)
	assert.Equal(t, pool.HealthBroken, h)

	// the next command reconnects
	f.mustRun(t, "s", "ls", "")
	assert.EqualValues(t, 2, f.d.Connects())
}

func TestUploadLimit(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{MaxUploadSize: 4})

	_, err := f.run(t, "s", "put", "f.txt:too long", nil)
	assert.ErrorIs(t, err, fserr.ErrQuota)

	_, err = f.run(t, "s", "put", "g.txt", transfer.Raw(strings.NewReader("too long"), -1))
	assert.ErrorIs(t, err, fserr.ErrQuota)

	res := f.mustRun(t, "s", "ls", "")
	assert.Empty(t, res.Entries)
}

func TestBackendQuota(t *testing.T) {
	f := newFixture(t, memory.Config{MaxBytes: 4}, Config{})
	_, err := f.run(t, "s", "put", "f.txt:too long", nil)
	assert.ErrorIs(t, err, fserr.ErrQuota)
}

func TestDownloadHoldsSessionLease(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "put", "f.txt:data")

	res := f.mustRun(t, "s", "get", "f.txt")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.run(t, "s", "ls", "", nil)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("command ran while a download was open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, res.Download.Close())
	require.NoError(t, res.Download.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("command still blocked after download closed")
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestAbortedDownloadDropsConnection(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "s", "put", "f.txt:data")

	res := f.mustRun(t, "s", "get", "f.txt")
	_, err := res.Download.Stream(context.Background(), brokenWriter{})
	assert.ErrorIs(t, err, fserr.ErrTransport)
	require.NoError(t, res.Download.Close())

	f.mustRun(t, "s", "ls", "")
	assert.EqualValues(t, 2, f.d.Connects())
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t, memory.Config{}, Config{})
	f.mustRun(t, "a", "put", "f.txt:data")

	held := f.mustRun(t, "a", "get", "f.txt")
	defer held.Download.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := f.disp.Parse("ls", "", nil)
	require.NoError(t, err)
	_, err = f.disp.Execute(ctx, f.target("b"), cmd)
	assert.NoError(t, err)
}

func TestSameSessionCommandsSerialized(t *testing.T) {
	f := newFixture(t, memory.Config{Latency: 2 * time.Millisecond}, Config{})
	f.mustRun(t, "s", "mkdir", "d")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := "d/f" + string(rune('a'+i)) + ".txt:x"
			_, err := f.run(t, "s", "put", arg, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res := f.mustRun(t, "s", "ls", "d")
	assert.Len(t, res.Entries, 8)
	assert.Zero(t, f.d.Overlaps())
	assert.EqualValues(t, 1, f.d.Connects())
}
