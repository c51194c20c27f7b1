// Package sftp provides an SFTP storage backend over an SSH connection with
// password authentication.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/retry"
)

// SFTP status codes (draft-ietf-secsh-filexfer-02).
const (
	fxFailure        = 4
	fxNoConnection   = 6
	fxConnectionLost = 7
	fxOpUnsupported  = 8
)

// Config holds SFTP backend settings.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Timeout           time.Duration `mapstructure:"timeout"`
	AllowHostOverride bool          `mapstructure:"allow_host_override"`

	// KnownHosts is an OpenSSH known_hosts file (default ~/.ssh/known_hosts).
	KnownHosts            string `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
}

// Driver implements driver.Driver for SFTP servers.
type Driver struct {
	cfg     Config
	hostKey ssh.HostKeyCallback
}

// New creates an SFTP backend and loads the host key database.
func New(cfg Config) (*Driver, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Host == "" && !cfg.AllowHostOverride {
		return nil, fmt.Errorf("sftp: host is required unless allow_host_override is set")
	}

	d := &Driver{cfg: cfg}
	if cfg.InsecureIgnoreHostKey {
		d.hostKey = ssh.InsecureIgnoreHostKey()
		return d, nil
	}

	file := cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sftp: locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("sftp: load known_hosts %s: %w", file, err)
	}
	d.hostKey = cb
	return d, nil
}

// NewFromOptions creates an SFTP backend from a configuration option map.
func NewFromOptions(opts map[string]any) (*Driver, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse sftp config: %w", err)
	}
	return New(cfg)
}

// Type returns "sftp".
func (d *Driver) Type() string { return "sftp" }

func (d *Driver) address(creds driver.Credentials) (string, string) {
	host, port := d.cfg.Host, fmt.Sprint(d.cfg.Port)
	if d.cfg.AllowHostOverride {
		if creds.Host != "" {
			host = creds.Host
		}
		if creds.Port != "" {
			port = creds.Port
		}
	}
	return host, net.JoinHostPort(host, port)
}

// Connect opens the SSH transport, authenticates with the password and starts
// the sftp subsystem.
func (d *Driver) Connect(ctx context.Context, creds driver.Credentials) (driver.Conn, error) {
	host, addr := d.address(creds)
	if host == "" {
		return nil, fserr.New(fserr.KindInvalidArgument, "connect", "")
	}

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, retry.Retryable(fserr.Wrap(fserr.KindConnection, "connect", "", err))
	}

	sshCfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: d.hostKey,
		Timeout:         d.cfg.Timeout,
	}
	sc, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fserr.Wrap(fserr.KindAuthentication, "connect", "", err)
		}
		// handshake cut short, e.g. the server's MaxStartups throttling
		return nil, retry.Retryable(fserr.Wrap(fserr.KindConnection, "connect", "", err))
	}
	sshClient := ssh.NewClient(sc, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fserr.Wrap(fserr.KindConnection, "connect", "", err)
	}
	return &Conn{ssh: sshClient, client: client, user: creds.Username, host: host}, nil
}

// Conn is one SSH connection with an sftp session on it.
type Conn struct {
	ssh    *ssh.Client
	client *sftp.Client
	user   string
	host   string
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fserr.Wrap(fserr.KindNotFound, op, p, err)
	case errors.Is(err, fs.ErrPermission):
		return fserr.Wrap(fserr.KindPermission, op, p, err)
	case errors.Is(err, fs.ErrExist):
		return fserr.Wrap(fserr.KindAlreadyExists, op, p, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return fserr.Wrap(fserr.KindTransport, op, p, err)
	}

	var st *sftp.StatusError
	if errors.As(err, &st) {
		switch st.Code {
		case fxNoConnection, fxConnectionLost:
			return fserr.Wrap(fserr.KindTransport, op, p, err)
		case fxOpUnsupported:
			return fserr.Wrap(fserr.KindUnsupported, op, p, err)
		case fxFailure:
			// servers use the generic failure for refused writes (non-empty rmdir, full disk)
			return fserr.Wrap(fserr.KindPermission, op, p, err)
		}
		return fserr.Wrap(fserr.KindInternal, op, p, err)
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

// List reads a remote directory.
func (c *Conn) List(ctx context.Context, p string) ([]driver.Entry, error) {
	st, err := c.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !st.IsDir {
		return []driver.Entry{st}, nil
	}

	infos, err := c.client.ReadDir(p)
	if err != nil {
		return nil, mapErr("ls", p, err)
	}
	out := make([]driver.Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, toEntry(path.Join(p, info.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat describes one remote path.
func (c *Conn) Stat(_ context.Context, p string) (driver.Entry, error) {
	info, err := c.client.Stat(p)
	if err != nil {
		return driver.Entry{}, mapErr("stat", p, err)
	}
	e := toEntry(p, info)
	if p == "/" {
		e.Name = "/"
	}
	return e, nil
}

// MakeDir creates a remote directory.
func (c *Conn) MakeDir(ctx context.Context, p string) error {
	if _, err := c.Stat(ctx, p); err == nil {
		return fserr.New(fserr.KindAlreadyExists, "mkdir", p)
	}
	if _, err := c.Stat(ctx, path.Dir(p)); err != nil {
		return err
	}
	return mapErr("mkdir", p, c.client.Mkdir(p))
}

// ReadStream opens a remote file for sequential reading.
func (c *Conn) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	st, err := c.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.IsDir {
		return nil, fserr.New(fserr.KindUnsupported, "get", p)
	}
	f, err := c.client.Open(p)
	if err != nil {
		return nil, mapErr("get", p, err)
	}
	return &fileReader{f: f, path: p}, nil
}

type fileReader struct {
	f    *sftp.File
	path string
}

func (r *fileReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && err != io.EOF {
		err = mapErr("get", r.path, err)
	}
	return n, err
}

func (r *fileReader) Close() error { return r.f.Close() }

// WriteStream creates or truncates a remote file and fills it from r.
func (c *Conn) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	if st, err := c.Stat(ctx, p); err == nil && st.IsDir {
		return 0, fserr.New(fserr.KindPermission, "put", p)
	}
	if _, err := c.Stat(ctx, path.Dir(p)); err != nil {
		return 0, err
	}

	f, err := c.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, mapErr("put", p, err)
	}
	n, err := f.ReadFrom(r)
	closeErr := f.Close()
	if err != nil {
		return n, mapErr("put", p, err)
	}
	return n, mapErr("put", p, closeErr)
}

// Remove deletes a file or an empty directory.
func (c *Conn) Remove(ctx context.Context, p string) error {
	if p == "/" {
		return fserr.New(fserr.KindPermission, "rm", p)
	}
	st, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}
	if st.IsDir {
		return mapErr("rm", p, c.client.RemoveDirectory(p))
	}
	return mapErr("rm", p, c.client.Remove(p))
}

// Rename uses the posix-rename extension when offered, so existing
// destinations are replaced like on the other backends.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if _, err := c.Stat(ctx, from); err != nil {
		return err
	}
	if _, ok := c.client.HasExtension("posix-rename@openssh.com"); ok {
		return mapErr("mv", to, c.client.PosixRename(from, to))
	}
	return mapErr("mv", to, c.client.Rename(from, to))
}

// Ping asks for the working directory.
func (c *Conn) Ping(context.Context) error {
	_, err := c.client.Getwd()
	return mapErr("ping", "", err)
}

// Account reports user@host.
func (c *Conn) Account(context.Context) (driver.Account, error) {
	return driver.Account{DisplayName: c.user + "@" + c.host, Backend: "sftp", Host: c.host}, nil
}

// Close ends the sftp session and the SSH connection.
func (c *Conn) Close() error {
	err := c.client.Close()
	if sshErr := c.ssh.Close(); err == nil {
		err = sshErr
	}
	return err
}
