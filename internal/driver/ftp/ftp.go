// Package ftp provides an FTP/FTPS storage backend on top of jlaffaye/ftp.
//
// One Conn owns one control connection. Data transfers block the control
// channel, so a reader returned by ReadStream must be closed before any other
// call, and copies go through a local spool file instead of a concurrent
// read and write.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/mitchellh/mapstructure"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/retry"
)

// FTP reply codes the driver distinguishes.
const (
	codeServiceUnavailable  = 421
	codeCantOpenData        = 425
	codeTransferAborted     = 426
	codeFileBusy            = 450
	codeInsufficientStorage = 452
	codeSyntaxError         = 500
	codeNotImplemented      = 502
	codeNotLoggedIn         = 530
	codeNeedAccount         = 532
	codeFileUnavailable     = 550
	codeExceededStorage     = 552
	codeBadFileName         = 553
)

// Config holds FTP backend settings.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// TLS is "none", "explicit" (AUTH TLS) or "implicit".
	TLS                string `mapstructure:"tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`

	Timeout time.Duration `mapstructure:"timeout"`

	// AllowHostOverride lets callers pick host and port in their credentials.
	AllowHostOverride bool `mapstructure:"allow_host_override"`

	DisableEPSV bool `mapstructure:"disable_epsv"`

	// SpoolDir holds temporary files for copies (default os.TempDir()).
	SpoolDir string `mapstructure:"spool_dir"`
}

// Driver implements driver.Driver for FTP servers.
type Driver struct {
	cfg Config
}

// New creates an FTP backend.
func New(cfg Config) (*Driver, error) {
	if cfg.Port == 0 {
		cfg.Port = 21
		if cfg.TLS == "implicit" {
			cfg.Port = 990
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	switch cfg.TLS {
	case "", "none", "explicit", "implicit":
	default:
		return nil, fmt.Errorf("ftp: unknown tls mode %q", cfg.TLS)
	}
	if cfg.Host == "" && !cfg.AllowHostOverride {
		return nil, fmt.Errorf("ftp: host is required unless allow_host_override is set")
	}
	return &Driver{cfg: cfg}, nil
}

// NewFromOptions creates an FTP backend from a configuration option map.
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
		return nil, fmt.Errorf("parse ftp config: %w", err)
	}
	return New(cfg)
}

// Type returns "ftp".
func (d *Driver) Type() string { return "ftp" }

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

// Connect dials the server and performs the USER/PASS exchange.
func (d *Driver) Connect(ctx context.Context, creds driver.Credentials) (driver.Conn, error) {
	host, addr := d.address(creds)
	if host == "" {
		return nil, fserr.New(fserr.KindInvalidArgument, "connect", "")
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(d.cfg.Timeout),
		ftp.DialWithDisabledEPSV(d.cfg.DisableEPSV),
	}
	tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: d.cfg.InsecureSkipVerify}
	switch d.cfg.TLS {
	case "explicit":
		opts = append(opts, ftp.DialWithExplicitTLS(tlsCfg))
	case "implicit":
		opts = append(opts, ftp.DialWithTLS(tlsCfg))
	}

	sc, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, retry.Retryable(fserr.Wrap(fserr.KindConnection, "connect", "", err))
	}
	if err := sc.Login(creds.Username, creds.Password); err != nil {
		sc.Quit()
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && (tpErr.Code == codeNotLoggedIn || tpErr.Code == codeNeedAccount) {
			return nil, fserr.Wrap(fserr.KindAuthentication, "connect", "", err)
		}
		return nil, fserr.Wrap(fserr.KindConnection, "connect", "", err)
	}

	return &Conn{sc: sc, user: creds.Username, host: host, spoolDir: d.cfg.SpoolDir}, nil
}

// Conn is one authenticated FTP control connection.
type Conn struct {
	sc       *ftp.ServerConn
	user     string
	host     string
	spoolDir string
}

// mapErr translates FTP replies and socket errors. writing selects the kind
// for the ambiguous 550 reply, which servers send both for missing files and
// refused writes.
func mapErr(op, p string, writing bool, err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return fserr.Classify(op, p, err)
	}
	switch tpErr.Code {
	case codeFileUnavailable:
		if writing {
			return fserr.Wrap(fserr.KindPermission, op, p, err)
		}
		return fserr.Wrap(fserr.KindNotFound, op, p, err)
	case codeBadFileName, codeNeedAccount:
		return fserr.Wrap(fserr.KindPermission, op, p, err)
	case codeExceededStorage, codeInsufficientStorage:
		return fserr.Wrap(fserr.KindQuota, op, p, err)
	case codeServiceUnavailable, codeCantOpenData, codeTransferAborted, codeFileBusy, codeNotLoggedIn:
		return fserr.Wrap(fserr.KindTransport, op, p, err)
	case codeSyntaxError, codeNotImplemented:
		return fserr.Wrap(fserr.KindUnsupported, op, p, err)
	}
	return fserr.Wrap(fserr.KindInternal, op, p, err)
}

func toEntry(dir string, e *ftp.Entry) driver.Entry {
	out := driver.Entry{
		Name:    e.Name,
		Path:    path.Join(dir, e.Name),
		IsDir:   e.Type == ftp.EntryTypeFolder,
		ModTime: e.Time,
	}
	if !out.IsDir {
		out.Size = int64(e.Size)
	}
	return out
}

// List issues LIST (or MLSD) for a directory.
func (c *Conn) List(ctx context.Context, p string) ([]driver.Entry, error) {
	raw, err := c.sc.List(p)
	if err != nil {
		return nil, mapErr("ls", p, false, err)
	}

	out := make([]driver.Entry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		// LIST on a file returns the file itself
		if len(raw) == 1 && e.Type != ftp.EntryTypeFolder && path.Base(p) == e.Name {
			return []driver.Entry{toEntry(path.Dir(p), e)}, nil
		}
		out = append(out, toEntry(p, e))
	}

	// some servers answer LIST on a missing path with an empty listing
	if len(out) == 0 && p != "/" {
		if _, err := c.Stat(ctx, p); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat uses MLST when available, falling back to listing the parent.
func (c *Conn) Stat(_ context.Context, p string) (driver.Entry, error) {
	if p == "/" {
		return driver.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}

	if e, err := c.sc.GetEntry(p); err == nil {
		out := toEntry(path.Dir(p), e)
		out.Name = path.Base(p)
		out.Path = p
		return out, nil
	} else if !isUnsupported(err) {
		if mapped := mapErr("stat", p, false, err); fserr.KindOf(mapped) != fserr.KindNotFound {
			return driver.Entry{}, mapped
		}
	}

	parent, name := path.Dir(p), path.Base(p)
	raw, err := c.sc.List(parent)
	if err != nil {
		return driver.Entry{}, mapErr("stat", p, false, err)
	}
	for _, e := range raw {
		if e.Name == name {
			return toEntry(parent, e), nil
		}
	}
	return driver.Entry{}, fserr.New(fserr.KindNotFound, "stat", p)
}

func isUnsupported(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && (tpErr.Code == codeSyntaxError || tpErr.Code == codeNotImplemented)
}

// MakeDir issues MKD after checking the path is free.
func (c *Conn) MakeDir(ctx context.Context, p string) error {
	if _, err := c.Stat(ctx, p); err == nil {
		return fserr.New(fserr.KindAlreadyExists, "mkdir", p)
	} else if fserr.KindOf(err) != fserr.KindNotFound {
		return err
	}
	return mapErr("mkdir", p, true, c.sc.MakeDir(p))
}

// ReadStream issues RETR. The returned reader holds the data connection.
func (c *Conn) ReadStream(_ context.Context, p string) (io.ReadCloser, error) {
	resp, err := c.sc.Retr(p)
	if err != nil {
		return nil, mapErr("get", p, false, err)
	}
	return &retrReader{resp: resp, path: p}, nil
}

type retrReader struct {
	resp *ftp.Response
	path string
}

func (r *retrReader) Read(b []byte) (int, error) {
	n, err := r.resp.Read(b)
	if err != nil && err != io.EOF {
		err = mapErr("get", r.path, false, err)
	}
	return n, err
}

// Close finishes the transfer and reads the final reply.
func (r *retrReader) Close() error {
	return mapErr("get", r.path, false, r.resp.Close())
}

// WriteStream issues STOR with r as the data source.
func (c *Conn) WriteStream(_ context.Context, p string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	if err := c.sc.Stor(p, cr); err != nil {
		return cr.n, mapErr("put", p, true, err)
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

// Remove issues DELE for files and RMD for directories.
func (c *Conn) Remove(ctx context.Context, p string) error {
	if p == "/" {
		return fserr.New(fserr.KindPermission, "rm", p)
	}
	e, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}
	if e.IsDir {
		return mapErr("rm", p, true, c.sc.RemoveDir(p))
	}
	return mapErr("rm", p, true, c.sc.Delete(p))
}

// Rename issues RNFR/RNTO.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.sc.Rename(from, to); err != nil {
		if _, statErr := c.Stat(ctx, from); statErr != nil {
			return statErr
		}
		return mapErr("mv", to, true, err)
	}
	return nil
}

// Copy spools the source to a local temp file, then uploads it. FTP has no
// server-side copy and cannot read and write on one control connection.
func (c *Conn) Copy(ctx context.Context, from, to string) error {
	e, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}
	if e.IsDir {
		return fserr.New(fserr.KindUnsupported, "cp", from)
	}

	spool, err := os.CreateTemp(c.spoolDir, "unifile-ftp-*.spool")
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "cp", from, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	rc, err := c.ReadStream(ctx, from)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(spool, rc)
	closeErr := rc.Close()
	if copyErr != nil {
		return fserr.Classify("cp", from, copyErr)
	}
	if closeErr != nil {
		return closeErr
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fserr.Wrap(fserr.KindInternal, "cp", from, err)
	}
	_, err = c.WriteStream(ctx, to, spool)
	return err
}

// Ping issues NOOP.
func (c *Conn) Ping(context.Context) error {
	return mapErr("ping", "", false, c.sc.NoOp())
}

// Account reports user@host.
func (c *Conn) Account(context.Context) (driver.Account, error) {
	return driver.Account{
		DisplayName: strings.TrimSuffix(c.user+"@"+c.host, "@"),
		Backend:     "ftp",
		Host:        c.host,
	}, nil
}

// Close issues QUIT and drops the control connection.
func (c *Conn) Close() error {
	return c.sc.Quit()
}
