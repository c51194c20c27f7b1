// Package s3 provides an S3-compatible storage backend (AWS, MinIO).
//
// The caller's username and password are the access key pair. Directories are
// "/"-delimited key prefixes; MakeDir writes a zero-byte "dir/" marker so that
// empty directories survive.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/retry"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	CreateBucket bool   `mapstructure:"create_bucket"`

	// PartSize is the multipart upload part size in bytes (min 5 MiB).
	PartSize    int64 `mapstructure:"part_size"`
	Concurrency int   `mapstructure:"concurrency"`
}

// Driver implements driver.Driver for S3 buckets.
type Driver struct {
	cfg Config
}

// New creates an S3 backend.
func New(cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PartSize < manager.MinUploadPartSize {
		cfg.PartSize = manager.MinUploadPartSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Driver{cfg: cfg}, nil
}

// NewFromOptions creates an S3 backend from a configuration option map.
func NewFromOptions(opts map[string]any) (*Driver, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(cfg)
}

// Type returns "s3".
func (d *Driver) Type() string { return "s3" }

// Connect builds a client for the caller's key pair and checks it against the
// bucket.
func (d *Driver) Connect(ctx context.Context, creds driver.Credentials) (driver.Conn, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fserr.New(fserr.KindAuthentication, "connect", "")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(d.cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, ""),
		),
	)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindConnection, "connect", "", fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if d.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.cfg.Endpoint)
		}
		o.UsePathStyle = d.cfg.UsePathStyle
	})

	c := &Conn{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = d.cfg.PartSize
			u.Concurrency = d.cfg.Concurrency
		}),
		bucket: d.cfg.Bucket,
		prefix: d.cfg.Prefix,
	}
	if err := c.ensureBucket(ctx, d.cfg.CreateBucket); err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is a bucket handle bound to one key pair. S3 is stateless, so Close
// has nothing to tear down.
type Conn struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func (c *Conn) ensureBucket(ctx context.Context, create bool) error {
	start := time.Now()
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	metrics.RecordBackendOperation("s3", "head_bucket", time.Since(start), err == nil)
	if err == nil {
		return nil
	}

	mapped := mapErr("connect", "", err)
	switch fserr.KindOf(mapped) {
	case fserr.KindPermission:
		return fserr.Wrap(fserr.KindAuthentication, "connect", "", err)
	case fserr.KindNotFound:
		if !create {
			return fserr.Wrap(fserr.KindConnection, "connect", "", err)
		}
	case fserr.KindTransport:
		return retry.Retryable(fserr.Wrap(fserr.KindConnection, "connect", "", err))
	default:
		return fserr.Wrap(fserr.KindConnection, "connect", "", err)
	}

	start = time.Now()
	_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	metrics.RecordBackendOperation("s3", "create_bucket", time.Since(start), err == nil)
	if err != nil {
		return fserr.Wrap(fserr.KindConnection, "connect", "",
			fmt.Errorf("bucket %s does not exist and cannot create: %w", c.bucket, err))
	}
	logging.Info("created S3 bucket", zap.String("bucket", c.bucket))
	return nil
}

// key maps an absolute path to an object key ("" for the root).
func (c *Conn) key(p string) string {
	k := strings.TrimPrefix(p, "/")
	if c.prefix != "" {
		if k == "" {
			return c.prefix
		}
		return c.prefix + "/" + k
	}
	return k
}

// dirKey is the listing prefix and marker key for a directory.
func (c *Conn) dirKey(p string) string {
	k := c.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return fserr.Wrap(fserr.KindNotFound, op, p, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
			return fserr.Wrap(fserr.KindPermission, op, p, err)
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fserr.Wrap(fserr.KindNotFound, op, p, err)
		case "EntityTooLarge", "QuotaExceeded":
			return fserr.Wrap(fserr.KindQuota, op, p, err)
		case "NotImplemented":
			return fserr.Wrap(fserr.KindUnsupported, op, p, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 403:
			return fserr.Wrap(fserr.KindPermission, op, p, err)
		case 404:
			return fserr.Wrap(fserr.KindNotFound, op, p, err)
		case 500, 502, 503, 504:
			return fserr.Wrap(fserr.KindTransport, op, p, err)
		}
		return fserr.Wrap(fserr.KindInternal, op, p, err)
	}
	return fserr.Classify(op, p, err)
}

// Stat resolves a path to an object or, failing that, a non-empty prefix.
func (c *Conn) Stat(ctx context.Context, p string) (driver.Entry, error) {
	if c.key(p) == c.prefix {
		return driver.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}

	start := time.Now()
	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	metrics.RecordBackendOperation("s3", "head_object", time.Since(start), err == nil)
	if err == nil {
		e := driver.Entry{Name: path.Base(p), Path: p, Size: aws.ToInt64(head.ContentLength)}
		if head.LastModified != nil {
			e.ModTime = *head.LastModified
		}
		return e, nil
	}
	if mapped := mapErr("stat", p, err); fserr.KindOf(mapped) != fserr.KindNotFound {
		return driver.Entry{}, mapped
	}

	found, err := c.hasPrefix(ctx, c.dirKey(p))
	if err != nil {
		return driver.Entry{}, mapErr("stat", p, err)
	}
	if !found {
		return driver.Entry{}, fserr.New(fserr.KindNotFound, "stat", p)
	}
	return driver.Entry{Name: path.Base(p), Path: p, IsDir: true}, nil
}

func (c *Conn) hasPrefix(ctx context.Context, prefix string) (bool, error) {
	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// List returns the objects and sub-prefixes directly below a directory.
func (c *Conn) List(ctx context.Context, p string) ([]driver.Entry, error) {
	st, err := c.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !st.IsDir {
		return []driver.Entry{st}, nil
	}

	prefix := c.dirKey(p)
	var out []driver.Entry
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	start := time.Now()
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordBackendOperation("s3", "list_objects", time.Since(start), false)
			return nil, mapErr("ls", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			out = append(out, driver.Entry{Name: name, Path: path.Join(p, name), IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue // the directory marker itself
			}
			e := driver.Entry{Name: name, Path: path.Join(p, name), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				e.ModTime = *obj.LastModified
			}
			out = append(out, e)
		}
	}
	metrics.RecordBackendOperation("s3", "list_objects", time.Since(start), true)

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Conn) requireParentDir(ctx context.Context, op, p string) error {
	parent := path.Dir(p)
	st, err := c.Stat(ctx, parent)
	if err != nil {
		return err
	}
	if !st.IsDir {
		return fserr.New(fserr.KindPermission, op, p)
	}
	return nil
}

// MakeDir writes a directory marker.
func (c *Conn) MakeDir(ctx context.Context, p string) error {
	if _, err := c.Stat(ctx, p); err == nil {
		return fserr.New(fserr.KindAlreadyExists, "mkdir", p)
	} else if fserr.KindOf(err) != fserr.KindNotFound {
		return err
	}
	if err := c.requireParentDir(ctx, "mkdir", p); err != nil {
		return err
	}

	start := time.Now()
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordBackendOperation("s3", "put_object", time.Since(start), err == nil)
	return mapErr("mkdir", p, err)
}

// ReadStream returns the object body.
func (c *Conn) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	metrics.RecordBackendOperation("s3", "get_object", time.Since(start), err == nil)
	if err != nil {
		mapped := mapErr("get", p, err)
		if fserr.KindOf(mapped) == fserr.KindNotFound {
			if st, statErr := c.Stat(ctx, p); statErr == nil && st.IsDir {
				return nil, fserr.New(fserr.KindUnsupported, "get", p)
			}
		}
		return nil, mapped
	}
	return result.Body, nil
}

// WriteStream uploads r through the multipart uploader, which buffers at most
// Concurrency parts of PartSize bytes.
func (c *Conn) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	if st, err := c.Stat(ctx, p); err == nil && st.IsDir {
		return 0, fserr.New(fserr.KindPermission, "put", p)
	}
	if err := c.requireParentDir(ctx, "put", p); err != nil {
		return 0, err
	}

	cr := &countingReader{r: r}
	start := time.Now()
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
		Body:   cr,
	})
	metrics.RecordBackendOperation("s3", "upload", time.Since(start), err == nil)
	if err != nil {
		return cr.n, mapErr("put", p, err)
	}
	logging.Debug("S3 upload", zap.String("key", c.key(p)), zap.Int64("size", cr.n))
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

// Remove deletes an object, or a directory marker when nothing else lives
// under the prefix.
func (c *Conn) Remove(ctx context.Context, p string) error {
	if c.key(p) == c.prefix {
		return fserr.New(fserr.KindPermission, "rm", p)
	}
	st, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}

	k := c.key(p)
	if st.IsDir {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			Prefix:  aws.String(c.dirKey(p)),
			MaxKeys: aws.Int32(2),
		})
		if err != nil {
			return mapErr("rm", p, err)
		}
		for _, obj := range out.Contents {
			if aws.ToString(obj.Key) != c.dirKey(p) {
				return fserr.New(fserr.KindPermission, "rm", p)
			}
		}
		k = c.dirKey(p)
	}

	start := time.Now()
	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(k),
	})
	metrics.RecordBackendOperation("s3", "delete_object", time.Since(start), err == nil)
	return mapErr("rm", p, err)
}

// Copy uses server-side CopyObject.
func (c *Conn) Copy(ctx context.Context, from, to string) error {
	st, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}
	if st.IsDir {
		return fserr.New(fserr.KindUnsupported, "cp", from)
	}
	if err := c.requireParentDir(ctx, "cp", to); err != nil {
		return err
	}

	start := time.Now()
	_, err = c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key(to)),
		CopySource: aws.String(copySource(c.bucket, c.key(from))),
	})
	metrics.RecordBackendOperation("s3", "copy_object", time.Since(start), err == nil)
	if err != nil {
		return mapErr("cp", from, err)
	}
	logging.Debug("S3 copy object", zap.String("src", c.key(from)), zap.String("dst", c.key(to)))
	return nil
}

func copySource(bucket, key string) string {
	return bucket + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}

// Ping checks the bucket is still reachable with these keys.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return mapErr("ping", "", err)
}

// Account names the bucket and prefix the session is scoped to.
func (c *Conn) Account(context.Context) (driver.Account, error) {
	name := c.bucket
	if p := strings.Trim(c.prefix, "/"); p != "" {
		name += "/" + p
	}
	return driver.Account{DisplayName: name, Backend: "s3"}, nil
}

// Close is a no-op for S3 connections.
func (c *Conn) Close() error { return nil }
