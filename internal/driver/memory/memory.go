// Package memory provides an in-process storage backend.
//
// It keeps a single tree per Driver, shared by every connection the driver
// hands out, and deliberately implements neither driver.Renamer nor
// driver.Copier so that the synthesized move and copy paths are used. Fault
// hooks let tests break connections or fail individual operations.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
)

// Config holds memory backend settings.
type Config struct {
	// Users maps usernames to plain passwords. Empty accepts any non-empty username.
	Users map[string]string `mapstructure:"users"`

	// MaxBytes caps the total stored bytes (0 = unlimited).
	MaxBytes int64 `mapstructure:"max_bytes"`

	// Latency is added to every operation; tests use it to widen race windows.
	Latency time.Duration `mapstructure:"latency"`
}

type node struct {
	isDir bool
	data  []byte
	mod   time.Time
}

// Driver implements driver.Driver over an in-memory tree.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	nodes map[string]*node
	used  int64

	faultMu sync.Mutex
	faults  map[string][]error
	epoch   int64 // bumped by BreakConnections

	connects atomic.Int64
	overlaps atomic.Int64
}

// New creates a memory backend.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:    cfg,
		nodes:  map[string]*node{"/": {isDir: true, mod: time.Now()}},
		faults: make(map[string][]error),
	}
}

// NewFromOptions creates a memory backend from a configuration option map.
func NewFromOptions(opts map[string]any) (*Driver, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse memory config: %w", err)
	}
	return New(cfg), nil
}

// Type returns "memory".
func (d *Driver) Type() string { return "memory" }

// Connect checks the credentials against the user table.
func (d *Driver) Connect(ctx context.Context, creds driver.Credentials) (driver.Conn, error) {
	if err := d.fault("connect"); err != nil {
		return nil, err
	}
	if creds.Username == "" {
		return nil, fserr.New(fserr.KindAuthentication, "connect", "")
	}
	if len(d.cfg.Users) > 0 {
		if pw, ok := d.cfg.Users[creds.Username]; !ok || pw != creds.Password {
			return nil, fserr.New(fserr.KindAuthentication, "connect", "")
		}
	}
	d.connects.Add(1)
	d.faultMu.Lock()
	epoch := d.epoch
	d.faultMu.Unlock()
	return &Conn{d: d, user: creds.Username, epoch: epoch}, nil
}

// FailNext makes the next len(errs) calls of op ("connect", "list", "stat",
// "mkdir", "read", "write", "remove") fail with the given errors in order.
func (d *Driver) FailNext(op string, errs ...error) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	d.faults[op] = append(d.faults[op], errs...)
}

// BreakConnections makes every connection opened so far fail with a transport
// error, as if the server had dropped them.
func (d *Driver) BreakConnections() {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	d.epoch++
}

// Connects returns how many connections were successfully opened.
func (d *Driver) Connects() int64 { return d.connects.Load() }

// Overlaps returns how many times two operations ran on one connection at once.
func (d *Driver) Overlaps() int64 { return d.overlaps.Load() }

func (d *Driver) fault(op string) error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	q := d.faults[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	d.faults[op] = q[1:]
	return err
}

// Conn is one logical connection to the memory tree.
type Conn struct {
	d      *Driver
	user   string
	epoch  int64
	busy   atomic.Int32
	closed atomic.Bool
}

// begin guards an operation: detects overlap, closed or broken connections
// and injected faults.
func (c *Conn) begin(ctx context.Context, op, p string) (func(), error) {
	if c.closed.Load() {
		return nil, fserr.New(fserr.KindTransport, op, p)
	}
	c.d.faultMu.Lock()
	broken := c.epoch != c.d.epoch
	c.d.faultMu.Unlock()
	if broken {
		return nil, fserr.Wrap(fserr.KindTransport, op, p, io.ErrClosedPipe)
	}
	if err := c.d.fault(op); err != nil {
		return nil, err
	}
	if c.busy.Add(1) > 1 {
		c.d.overlaps.Add(1)
	}
	done := func() { c.busy.Add(-1) }
	if c.d.cfg.Latency > 0 {
		select {
		case <-time.After(c.d.cfg.Latency):
		case <-ctx.Done():
			done()
			return nil, fserr.Wrap(fserr.KindTransport, op, p, ctx.Err())
		}
	}
	return done, nil
}

// List returns the children of a directory, sorted by name.
func (c *Conn) List(ctx context.Context, p string) ([]driver.Entry, error) {
	done, err := c.begin(ctx, "list", p)
	if err != nil {
		return nil, err
	}
	defer done()

	c.d.mu.Lock()
	defer c.d.mu.Unlock()

	n, ok := c.d.nodes[p]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "list", p)
	}
	if !n.isDir {
		return []driver.Entry{c.d.entry(p, n)}, nil
	}

	var out []driver.Entry
	for key, child := range c.d.nodes {
		if key != "/" && path.Dir(key) == p {
			out = append(out, c.d.entry(key, child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Driver) entry(p string, n *node) driver.Entry {
	return driver.Entry{
		Name:    path.Base(p),
		Path:    p,
		IsDir:   n.isDir,
		Size:    int64(len(n.data)),
		ModTime: n.mod,
	}
}

// Stat returns a single entry.
func (c *Conn) Stat(ctx context.Context, p string) (driver.Entry, error) {
	done, err := c.begin(ctx, "stat", p)
	if err != nil {
		return driver.Entry{}, err
	}
	defer done()

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, ok := c.d.nodes[p]
	if !ok {
		return driver.Entry{}, fserr.New(fserr.KindNotFound, "stat", p)
	}
	return c.d.entry(p, n), nil
}

// MakeDir creates a directory under an existing parent.
func (c *Conn) MakeDir(ctx context.Context, p string) error {
	done, err := c.begin(ctx, "mkdir", p)
	if err != nil {
		return err
	}
	defer done()

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if _, ok := c.d.nodes[p]; ok {
		return fserr.New(fserr.KindAlreadyExists, "mkdir", p)
	}
	if err := c.d.checkParent("mkdir", p); err != nil {
		return err
	}
	c.d.nodes[p] = &node{isDir: true, mod: time.Now()}
	return nil
}

// must hold d.mu
func (d *Driver) checkParent(op, p string) error {
	parent, ok := d.nodes[path.Dir(p)]
	if !ok {
		return fserr.New(fserr.KindNotFound, op, path.Dir(p))
	}
	if !parent.isDir {
		return fserr.New(fserr.KindPermission, op, p)
	}
	return nil
}

// checkWritable runs with d.mu held.
func (d *Driver) checkWritable(p string) error {
	if err := d.checkParent("put", p); err != nil {
		return err
	}
	if n, ok := d.nodes[p]; ok && n.isDir {
		return fserr.New(fserr.KindPermission, "put", p)
	}
	return nil
}

// ReadStream returns a reader over a snapshot of the file.
func (c *Conn) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	done, err := c.begin(ctx, "read", p)
	if err != nil {
		return nil, err
	}
	defer done()

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, ok := c.d.nodes[p]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "get", p)
	}
	if n.isDir {
		return nil, fserr.New(fserr.KindUnsupported, "get", p)
	}
	return io.NopCloser(bytes.NewReader(n.data)), nil
}

// WriteStream stores the content of r at p.
func (c *Conn) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	done, err := c.begin(ctx, "write", p)
	if err != nil {
		return 0, err
	}
	defer done()

	c.d.mu.Lock()
	err = c.d.checkWritable(p)
	c.d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	written, err := io.Copy(&buf, r)
	if err != nil {
		return written, fserr.Classify("put", p, err)
	}

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	// the tree may have changed while the body was read
	if err := c.d.checkWritable(p); err != nil {
		return 0, err
	}
	var prev int64
	if old, ok := c.d.nodes[p]; ok {
		prev = int64(len(old.data))
	}
	if c.d.cfg.MaxBytes > 0 && c.d.used-prev+written > c.d.cfg.MaxBytes {
		return 0, fserr.New(fserr.KindQuota, "put", p)
	}
	c.d.used += written - prev
	c.d.nodes[p] = &node{data: buf.Bytes(), mod: time.Now()}
	return written, nil
}

// Remove deletes a file or an empty directory.
func (c *Conn) Remove(ctx context.Context, p string) error {
	done, err := c.begin(ctx, "remove", p)
	if err != nil {
		return err
	}
	defer done()

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	n, ok := c.d.nodes[p]
	if !ok {
		return fserr.New(fserr.KindNotFound, "rm", p)
	}
	if p == "/" {
		return fserr.New(fserr.KindPermission, "rm", p)
	}
	if n.isDir {
		prefix := strings.TrimSuffix(p, "/") + "/"
		for key := range c.d.nodes {
			if strings.HasPrefix(key, prefix) {
				return fserr.New(fserr.KindPermission, "rm", p)
			}
		}
	}
	c.d.used -= int64(len(n.data))
	delete(c.d.nodes, p)
	return nil
}

// Ping reports whether the connection is still usable.
func (c *Conn) Ping(ctx context.Context) error {
	done, err := c.begin(ctx, "ping", "")
	if err != nil {
		return err
	}
	done()
	return nil
}

// Close marks the connection closed. Closing twice is harmless.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}
