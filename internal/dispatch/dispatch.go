// Package dispatch executes generic file commands against a session's
// backend connection.
//
// Commands are parsed and their paths normalized before any backend is
// touched. Each command runs under a pool lease, so commands of one session
// execute one at a time in arrival order. Backend failures come back as
// fserr kinds; a transport failure invalidates the connection, and commands
// without a body (or with an inline body) are retried once on a fresh one.
package dispatch

import (
	"context"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/pool"
	"github.com/fruitsalade/unifile/internal/transfer"
)

// Config holds dispatcher settings.
type Config struct {
	// MaxUploadSize caps put payloads in bytes (0 = unlimited).
	MaxUploadSize int64

	// MaxPathLength caps paths in bytes.
	MaxPathLength int
}

// Ack acknowledges a mutating command.
type Ack struct {
	Success bool   `json:"success"`
	Command string `json:"command"`
	Path    string `json:"path"`
	Dest    string `json:"dest,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
}

// Result is the outcome of a command. Exactly one field is set: Entries for
// ls, Download for get and Ack for everything else.
type Result struct {
	Entries  []driver.Entry
	Ack      *Ack
	Download *Download
}

// Dispatcher executes commands through the connection pool.
type Dispatcher struct {
	cfg    Config
	pool   *pool.Pool
	parser Parser
}

// New creates a dispatcher.
func New(cfg Config, p *pool.Pool) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		pool:   p,
		parser: Parser{MaxPathLength: cfg.MaxPathLength},
	}
}

// Parse parses a command with the configured path limit.
func (d *Dispatcher) Parse(name, arg string, payload transfer.Source) (Command, error) {
	return d.parser.Parse(name, arg, payload)
}

// Execute runs cmd on the target session's connection. A get result holds
// the session's lease until its Download is closed.
func (d *Dispatcher) Execute(ctx context.Context, t pool.Target, cmd Command) (*Result, error) {
	start := time.Now()
	res, err := d.execute(ctx, t, cmd)
	if err != nil {
		err = fserr.Classify(cmd.Name, cmd.Path, err)
	}
	took := time.Since(start)

	result := "ok"
	if err != nil {
		result = string(fserr.KindOf(err))
	}
	metrics.RecordCommand(cmd.Name, t.Backend, result, took)

	log := logging.WithContext(ctx).With(
		logging.Session(t.SessionID),
		logging.Backend(t.Backend),
		zap.String("command", cmd.Name),
		logging.Path(cmd.Path),
		zap.Duration("duration", took),
	)
	if err != nil {
		log.Info("command failed", zap.String("kind", result), zap.Error(err))
		return nil, err
	}
	log.Debug("command executed")
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, t pool.Target, cmd Command) (*Result, error) {
	ack := &Ack{Success: true, Command: cmd.Name, Path: cmd.Path, Dest: cmd.Dest}

	switch cmd.Name {
	case List:
		var entries []driver.Entry
		err := d.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
			var err error
			entries, err = c.List(ctx, cmd.Path)
			return err
		})
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []driver.Entry{}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return &Result{Entries: entries}, nil

	case MakeDir:
		err := d.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
			return c.MakeDir(ctx, cmd.Path)
		})
		return ackOrErr(ack, err)

	case Remove:
		err := d.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
			return c.Remove(ctx, cmd.Path)
		})
		return ackOrErr(ack, err)

	case Copy:
		err := d.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
			return driver.Copy(ctx, c, cmd.Path, cmd.Dest)
		})
		return ackOrErr(ack, err)

	case Move:
		err := d.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
			return driver.Move(ctx, c, cmd.Path, cmd.Dest)
		})
		return ackOrErr(ack, err)

	case Put:
		n, err := d.put(ctx, t, cmd)
		if err != nil {
			return nil, err
		}
		ack.Bytes = n
		return &Result{Ack: ack}, nil

	case Get:
		dl, err := d.get(ctx, t, cmd)
		if err != nil {
			return nil, err
		}
		return &Result{Download: dl}, nil
	}
	return nil, fserr.New(fserr.KindUnsupported, cmd.Name, "")
}

func ackOrErr(ack *Ack, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Ack: ack}, nil
}

func (d *Dispatcher) put(ctx context.Context, t pool.Target, cmd Command) (int64, error) {
	if cmd.Payload == nil {
		return 0, fserr.New(fserr.KindInvalidArgument, cmd.Name, cmd.Path)
	}
	attempts := 1
	if cmd.Payload.Replayable() {
		attempts = 2
	}

	start := time.Now()
	for i := 0; ; i++ {
		n, err := d.putOnce(ctx, t, cmd)
		if err == nil || !fserr.IsTransport(err) || i+1 >= attempts || ctx.Err() != nil {
			transfer.Record(ctx, "upload", t.Backend, cmd.Path, n, time.Since(start), err)
			return n, err
		}
		logging.WithContext(ctx).Debug("retrying upload on a fresh connection",
			logging.Session(t.SessionID), logging.Path(cmd.Path), zap.Error(err))
	}
}

func (d *Dispatcher) putOnce(ctx context.Context, t pool.Target, cmd Command) (int64, error) {
	l, err := d.pool.Acquire(ctx, t)
	if err != nil {
		return 0, err
	}
	defer l.Release()

	up, err := transfer.NewUpload(ctx, cmd.Payload, d.cfg.MaxUploadSize)
	if err != nil {
		return 0, err
	}
	n, err := l.Conn().WriteStream(ctx, cmd.Path, up)
	if uerr := up.Err(); uerr != nil {
		// the backend saw a truncated stream; its connection state is unknown
		l.Invalidate()
		return up.N(), uerr
	}
	if err != nil && fserr.IsTransport(err) {
		l.Invalidate()
	}
	return n, err
}

func (d *Dispatcher) get(ctx context.Context, t pool.Target, cmd Command) (*Download, error) {
	for i := 0; ; i++ {
		dl, err := d.open(ctx, t, cmd)
		if err == nil || !fserr.IsTransport(err) || i > 0 || ctx.Err() != nil {
			return dl, err
		}
	}
}

func (d *Dispatcher) open(ctx context.Context, t pool.Target, cmd Command) (*Download, error) {
	l, err := d.pool.Acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Download, error) {
		if fserr.IsTransport(err) {
			l.Invalidate()
		}
		l.Release()
		return nil, err
	}

	st, err := l.Conn().Stat(ctx, cmd.Path)
	if err != nil {
		return fail(err)
	}
	if st.IsDir {
		return fail(fserr.New(fserr.KindUnsupported, cmd.Name, cmd.Path))
	}
	rc, err := l.Conn().ReadStream(ctx, cmd.Path)
	if err != nil {
		return fail(err)
	}

	name := path.Base(cmd.Path)
	ct, body := transfer.Sniff(name, rc)
	return &Download{
		Body:        body,
		Name:        name,
		ContentType: ct,
		Size:        st.Size,
		rc:          rc,
		lease:       l,
		backend:     t.Backend,
		path:        cmd.Path,
	}, nil
}

// Download is an open file stream. It holds the session's lease: Close must
// be called, after which the session's next command may run.
type Download struct {
	Body        io.Reader
	Name        string
	ContentType string
	// Size is the file length, or -1 when the backend does not report it.
	Size int64

	rc      io.ReadCloser
	lease   *pool.Lease
	backend string
	path    string
	aborted bool
	once    sync.Once
}

// Stream copies the file to w. A failed or cancelled transfer marks the
// connection for disposal at Close.
func (d *Download) Stream(ctx context.Context, w io.Writer) (int64, error) {
	start := time.Now()
	n, err := transfer.Download(ctx, w, d.Body)
	if err != nil {
		d.aborted = true
	}
	transfer.Record(ctx, "download", d.backend, d.path, n, time.Since(start), err)
	return n, err
}

// Abort marks the transfer as abandoned so Close discards the connection.
func (d *Download) Abort() { d.aborted = true }

// Close ends the stream and releases the lease. It is safe to call twice.
func (d *Download) Close() error {
	var err error
	d.once.Do(func() {
		err = d.rc.Close()
		if d.aborted || (err != nil && fserr.IsTransport(err)) {
			d.lease.Invalidate()
		}
		d.lease.Release()
	})
	if d.aborted {
		return nil
	}
	return err
}
