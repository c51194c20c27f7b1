// Package driver defines the capability set every storage backend implements
// and the helpers the dispatcher uses on top of it.
//
// A Driver is a stateless factory selected by backend type. Connect performs
// the transport-level login and returns a Conn bound to one authenticated
// backend session. All paths handed to a Conn are absolute, slash-separated and
// already normalized by the caller.
package driver

import (
	"context"
	"io"
	"time"
)

// Entry describes one listed filesystem object.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_time"`
}

// Credentials are the raw fields submitted by a caller. Drivers pick what
// they need: FTP/SFTP use all four, S3 reads Username/Password as the key pair.
type Credentials struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Host     string            `json:"host,omitempty"`
	Port     string            `json:"port,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Empty reports whether no credential was supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Account is what the account endpoint reports about a connection.
type Account struct {
	DisplayName string `json:"display_name"`
	Backend     string `json:"backend"`
	Host        string `json:"host,omitempty"`
}

// Driver creates connections for one backend type.
type Driver interface {
	// Type returns the backend type identifier ("ftp", "sftp", "s3", "local", "memory").
	Type() string

	// Connect establishes and authenticates a backend connection.
	// Bad credentials fail with fserr.KindAuthentication; unreachable
	// backends with fserr.KindConnection.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one live, authenticated backend connection. A Conn is used by a
// single command at a time; the pool guarantees that ordering.
type Conn interface {
	// List returns the entries of a directory.
	List(ctx context.Context, path string) ([]Entry, error)

	// Stat returns the entry for a single path.
	Stat(ctx context.Context, path string) (Entry, error)

	// MakeDir creates a directory. The parent must exist.
	MakeDir(ctx context.Context, path string) error

	// ReadStream opens a file for a single sequential read. The reader must be
	// closed before the connection is used again.
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteStream creates or truncates a file with the content of r and
	// returns the number of bytes written.
	WriteStream(ctx context.Context, path string, r io.Reader) (int64, error)

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// Close terminates the backend session.
	Close() error
}

// Renamer is implemented by connections with an atomic rename primitive.
type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// Copier is implemented by connections with a native copy primitive.
type Copier interface {
	Copy(ctx context.Context, from, to string) error
}

// Pinger is implemented by connections that can cheaply probe liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AccountInfoer is implemented by connections that can describe the logged-in account.
type AccountInfoer interface {
	Account(ctx context.Context) (Account, error)
}
