// Package transfer adapts caller payloads to backend streams and backend
// streams to caller responses without holding whole files in memory.
//
// Backpressure is the synchronous Read pull: a backend WriteStream reads from
// the Upload at its own pace, and Download reads from the backend only as fast
// as the caller accepts bytes.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
)

const bufferSize = 32 << 10

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

var errConsumed = errors.New("payload already consumed")

// Source is an upload payload.
type Source interface {
	// Reader returns the payload. Sources that are not Replayable return
	// it only once.
	Reader() (io.Reader, error)

	// Replayable reports whether Reader may be called again after a failed
	// attempt.
	Replayable() bool

	// Size is the payload length, or -1 when unknown.
	Size() int64
}

type inlineSource struct {
	content string
}

// Inline is a payload given literally in the command argument.
func Inline(content string) Source { return inlineSource{content: content} }

func (s inlineSource) Reader() (io.Reader, error) { return strings.NewReader(s.content), nil }
func (s inlineSource) Replayable() bool           { return true }
func (s inlineSource) Size() int64                { return int64(len(s.content)) }

type rawSource struct {
	mu   sync.Mutex
	body io.Reader
	size int64
}

// Raw is a request body streamed as is. size may be -1.
func Raw(body io.Reader, size int64) Source {
	return &rawSource{body: body, size: size}
}

func (s *rawSource) Reader() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return nil, fserr.Wrap(fserr.KindInternal, "put", "", errConsumed)
	}
	r := s.body
	s.body = nil
	return r, nil
}

func (s *rawSource) Replayable() bool { return false }
func (s *rawSource) Size() int64      { return s.size }

type multipartSource struct {
	req   *http.Request
	field string
	used  bool
}

// Multipart streams one part of a multipart/form-data request: the part
// named field, or else the first file part. The form is never buffered.
func Multipart(r *http.Request, field string) Source {
	return &multipartSource{req: r, field: field}
}

func (s *multipartSource) Reader() (io.Reader, error) {
	if s.used {
		return nil, fserr.Wrap(fserr.KindInternal, "put", "", errConsumed)
	}
	s.used = true

	mr, err := s.req.MultipartReader()
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInvalidArgument, "put", "", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fserr.New(fserr.KindInvalidArgument, "put", "")
		}
		if err != nil {
			return nil, fserr.Classify("put", "", err)
		}
		if (s.field != "" && part.FormName() == s.field) || part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *multipartSource) Replayable() bool { return false }
func (s *multipartSource) Size() int64      { return -1 }

// IsMultipart reports whether r carries a multipart/form-data body.
func IsMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// Upload is a context-aware, size-capped reader over a Source.
type Upload struct {
	ctx   context.Context
	r     io.Reader
	limit int64
	n     int64
	err   error
}

// NewUpload opens src for one upload attempt. limit caps the payload
// (0 = unlimited); going over it fails the read with a quota error.
func NewUpload(ctx context.Context, src Source, limit int64) (*Upload, error) {
	if limit > 0 && src.Size() > limit {
		return nil, fserr.New(fserr.KindQuota, "put", "")
	}
	r, err := src.Reader()
	if err != nil {
		return nil, err
	}
	return &Upload{ctx: ctx, r: r, limit: limit}, nil
}

func (u *Upload) Read(p []byte) (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	if err := u.ctx.Err(); err != nil {
		u.err = fserr.Wrap(fserr.KindTransport, "put", "", err)
		return 0, u.err
	}
	n, err := u.r.Read(p)
	u.n += int64(n)
	if u.limit > 0 && u.n > u.limit {
		over := int(u.n - u.limit)
		u.n = u.limit
		u.err = fserr.New(fserr.KindQuota, "put", "")
		return n - over, u.err
	}
	if err != nil && err != io.EOF {
		u.err = fserr.Classify("put", "", err)
		return n, u.err
	}
	return n, err
}

// N returns the bytes read so far.
func (u *Upload) N() int64 { return u.n }

// Err returns the error that cut the payload short: the size cap, a
// cancelled context or a failed read on the caller's side. It is nil when the
// payload was read to the end or a backend stopped reading early.
func (u *Upload) Err() error { return u.err }

// Download copies body to w with a pooled buffer. It stops at context
// cancellation or when w fails and returns the bytes delivered; the caller
// must then discard the backend connection.
func Download(ctx context.Context, w io.Writer, body io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fserr.Wrap(fserr.KindTransport, "get", "", err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fserr.Wrap(fserr.KindTransport, "get", "", werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fserr.Classify("get", "", rerr)
		}
	}
}

// Sniff returns the content type for a download named name, peeking at the
// start of body when the extension is unknown. The returned reader replays
// the peeked bytes.
func Sniff(name string, body io.Reader) (string, io.Reader) {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct, body
	}
	br := bufio.NewReaderSize(body, 512)
	head, _ := br.Peek(512)
	return http.DetectContentType(head), br
}

// Record counts a finished or aborted transfer and logs it. direction is
// "upload" or "download".
func Record(ctx context.Context, direction, backend, p string, n int64, took time.Duration, err error) {
	log := logging.WithContext(ctx).With(
		logging.Backend(backend),
		logging.Path(p),
		zap.String("size", humanize.Bytes(uint64(n))),
		zap.Duration("duration", took),
	)
	if err != nil {
		metrics.RecordTransferAborted(direction)
		log.Warn(direction+" aborted", zap.Error(err))
		return
	}
	switch direction {
	case "upload":
		metrics.RecordUpload(backend, n)
	case "download":
		metrics.RecordDownload(backend, n)
	}
	if took > 0 && n > 0 {
		rate := uint64(float64(n) / took.Seconds())
		log = log.With(zap.String("rate", humanize.Bytes(rate)+"/s"))
	}
	log.Debug(direction + " complete")
}
