// Package local provides a local filesystem storage backend.
//
// Users authenticate against a table of bcrypt hashes; every user sees the
// tree under RootPath (or RootPath/<user> with PerUser).
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string            `mapstructure:"root_path"`
	CreateDirs bool              `mapstructure:"create_dirs"`
	PerUser    bool              `mapstructure:"per_user"`
	Users      map[string]string `mapstructure:"users"` // username -> bcrypt hash
}

// Driver implements driver.Driver using the local filesystem.
type Driver struct {
	cfg Config
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Driver, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Driver{cfg: cfg}, nil
}

// NewFromOptions creates a local backend from a configuration option map.
func NewFromOptions(opts map[string]any) (*Driver, error) {
	var cfg Config
	if err := mapstructure.Decode(opts, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Type returns "local".
func (d *Driver) Type() string { return "local" }

// Connect verifies the password against the bcrypt table.
func (d *Driver) Connect(_ context.Context, creds driver.Credentials) (driver.Conn, error) {
	hash, ok := d.cfg.Users[creds.Username]
	if !ok || creds.Username == "" {
		return nil, fserr.New(fserr.KindAuthentication, "connect", "")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)); err != nil {
		return nil, fserr.New(fserr.KindAuthentication, "connect", "")
	}

	root := d.cfg.RootPath
	if d.cfg.PerUser {
		root = filepath.Join(root, filepath.Base(creds.Username))
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fserr.Wrap(fserr.KindConnection, "connect", "", err)
		}
	}
	return &Conn{root: root, user: creds.Username}, nil
}

// Conn is a local filesystem connection rooted at one directory.
type Conn struct {
	root string
	user string
}

func (c *Conn) fullPath(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(p))
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	// ENOTEMPTY also matches fs.ErrExist, so it goes first
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EISDIR), errors.Is(err, fs.ErrPermission):
		return fserr.Wrap(fserr.KindPermission, op, p, err)
	case errors.Is(err, fs.ErrNotExist):
		return fserr.Wrap(fserr.KindNotFound, op, p, err)
	case errors.Is(err, fs.ErrExist):
		return fserr.Wrap(fserr.KindAlreadyExists, op, p, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fserr.Wrap(fserr.KindQuota, op, p, err)
	}
	return fserr.Classify(op, p, err)
}

func toEntry(p string, info fs.FileInfo) driver.Entry {
	e := driver.Entry{
		Name:    info.Name(),
		Path:    p,
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

// List reads a directory.
func (c *Conn) List(_ context.Context, p string) ([]driver.Entry, error) {
	full := c.fullPath(p)
	info, err := os.Stat(full)
	if err != nil {
		return nil, mapErr("ls", p, err)
	}
	if !info.IsDir() {
		return []driver.Entry{toEntry(p, info)}, nil
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, mapErr("ls", p, err)
	}
	out := make([]driver.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".unifile-") {
			continue // in-flight temp files
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, toEntry(filepath.ToSlash(filepath.Join(p, de.Name())), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat describes a single path.
func (c *Conn) Stat(_ context.Context, p string) (driver.Entry, error) {
	info, err := os.Stat(c.fullPath(p))
	if err != nil {
		return driver.Entry{}, mapErr("stat", p, err)
	}
	return toEntry(p, info), nil
}

// MakeDir creates a directory.
func (c *Conn) MakeDir(_ context.Context, p string) error {
	return mapErr("mkdir", p, os.Mkdir(c.fullPath(p), 0755))
}

// ReadStream opens a file for reading.
func (c *Conn) ReadStream(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(c.fullPath(p))
	if err != nil {
		return nil, mapErr("get", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("get", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fserr.New(fserr.KindUnsupported, "get", p)
	}
	return f, nil
}

// WriteStream writes content to the local filesystem atomically.
func (c *Conn) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	path := c.fullPath(p)
	dir := filepath.Dir(path)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return 0, fserr.New(fserr.KindPermission, "put", p)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".unifile-*.tmp")
	if err != nil {
		return 0, mapErr("put", p, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, mapErr("put", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, mapErr("put", p, err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmpName)
		return n, fserr.Wrap(fserr.KindTransport, "put", p, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return n, mapErr("put", p, err)
	}
	return n, nil
}

// Remove deletes a file or an empty directory.
func (c *Conn) Remove(_ context.Context, p string) error {
	if p == "/" {
		return fserr.New(fserr.KindPermission, "rm", p)
	}
	return mapErr("rm", p, os.Remove(c.fullPath(p)))
}

// Rename moves a file or directory within the root.
func (c *Conn) Rename(_ context.Context, from, to string) error {
	if _, err := os.Stat(c.fullPath(from)); err != nil {
		return mapErr("mv", from, err)
	}
	return mapErr("mv", to, os.Rename(c.fullPath(from), c.fullPath(to)))
}

// Account describes the local user.
func (c *Conn) Account(context.Context) (driver.Account, error) {
	return driver.Account{DisplayName: c.user, Backend: "local"}, nil
}

// Close is a no-op for local connections.
func (c *Conn) Close() error { return nil }
