package driver

import (
	"context"
	"errors"
	"io"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
)

var errWriteAborted = errors.New("copy destination closed")

// Copy copies a file. Connections without a native Copier get a synthesized
// copy that streams ReadStream into WriteStream through a pipe, so the file is
// never held in memory.
func Copy(ctx context.Context, c Conn, from, to string) error {
	if cp, ok := c.(Copier); ok {
		return cp.Copy(ctx, from, to)
	}
	return StreamCopy(ctx, c, c, from, to)
}

// StreamCopy copies from one connection to another (or the same one, if it
// tolerates a concurrent read and write).
func StreamCopy(ctx context.Context, src, dst Conn, from, to string) error {
	st, err := src.Stat(ctx, from)
	if err != nil {
		return err
	}
	if st.IsDir {
		return fserr.New(fserr.KindUnsupported, "cp", from)
	}

	rc, err := src.ReadStream(ctx, from)
	if err != nil {
		return err
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := io.Copy(pw, rc)
		pw.CloseWithError(err)
		if err != nil && !errors.Is(err, errWriteAborted) {
			return fserr.Classify("cp", from, err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := dst.WriteStream(gctx, to, pr)
		// unblock the reader side if the write gave up early
		pr.CloseWithError(errWriteAborted)
		return err
	})
	return g.Wait()
}

// Move renames a file or directory. Connections without a Renamer get a
// copy followed by a remove of the source (files only).
func Move(ctx context.Context, c Conn, from, to string) error {
	if rn, ok := c.(Renamer); ok {
		return rn.Rename(ctx, from, to)
	}
	if err := Copy(ctx, c, from, to); err != nil {
		return err
	}
	return c.Remove(ctx, from)
}

// Disconnect closes a connection. It never fails from the caller's point of
// view; transport errors on close are logged and dropped.
func Disconnect(ctx context.Context, c Conn) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logging.WithContext(ctx).Debug("backend disconnect error ignored", zap.Error(err))
	}
}

// AccountOf returns the connection's own account description, or one built
// from the credentials when the backend has none to offer.
func AccountOf(ctx context.Context, c Conn, backendType string, creds Credentials) Account {
	if ai, ok := c.(AccountInfoer); ok {
		if acc, err := ai.Account(ctx); err == nil {
			return acc
		}
	}
	name := creds.Username
	if creds.Host != "" {
		name += "@" + creds.Host
	}
	if name == "" {
		name = backendType
	}
	return Account{DisplayName: name, Backend: backendType, Host: creds.Host}
}

// EntryFor builds an Entry for a path inside dir.
func EntryFor(dir, name string) Entry {
	return Entry{Name: name, Path: path.Join(dir, name)}
}
