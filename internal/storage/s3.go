package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3RequestTimeout bounds each bucket request.
const s3RequestTimeout = 2 * time.Minute

// S3Config points artifact storage at a bucket. Endpoint and ForcePathStyle
// are for S3-compatible servers such as MinIO.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
	TempDir         string
}

// S3Storage keeps artifacts in a bucket under an optional key prefix.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	prefix  string
	tempDir string
}

// NewS3Storage builds a client from cfg. Static keys are used when both are
// set; otherwise the default AWS credential chain applies.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Storage{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		tempDir: cfg.TempDir,
	}, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// objectKey maps an artifact key to its bucket key.
func (s *S3Storage) objectKey(key string) string { return s.prefix + key }

// artifactKey is the inverse of objectKey.
func (s *S3Storage) artifactKey(objectKey string) string {
	return strings.TrimPrefix(objectKey, s.prefix)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s3RequestTimeout)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func (s *S3Storage) head(key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := requestContext()
	defer cancel()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return out, nil
}

// get opens key from offset onwards. The request context lives until the
// body is closed.
func (s *S3Storage) get(key string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	ctx, cancel := requestContext()
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return &bodyCloser{ReadCloser: out.Body, cancel: cancel}, nil
}

func (s *S3Storage) Reader(key string) (io.ReadCloser, error) {
	return s.get(key, 0)
}

func (s *S3Storage) Exists(key string) (bool, error) {
	_, err := s.head(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *S3Storage) Size(key string) (int64, error) {
	out, err := s.head(key)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Storage) Delete(key string) error {
	ctx, cancel := requestContext()
	defer cancel()
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) List(prefix string) ([]string, error) {
	ctx, cancel := requestContext()
	defer cancel()

	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.artifactKey(aws.ToString(obj.Key)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Writer spools to a temp file; the object is uploaded on Close so PutObject
// gets a seekable body with a known length.
func (s *S3Storage) Writer(key string) (io.WriteCloser, error) {
	spool, err := os.CreateTemp(s.tempDir, "browserd-artifact-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &s3Upload{store: s, key: key, spool: spool}, nil
}

// SeekableReader serves seeks with ranged GETs.
func (s *S3Storage) SeekableReader(key string) (ReadSeekCloser, error) {
	return &s3RangeReader{store: s, key: key, size: -1}, nil
}

type bodyCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyCloser) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// s3Upload removes its spool file on Close whether or not the upload
// succeeded.
type s3Upload struct {
	store *S3Storage
	key   string

	mu     sync.Mutex
	spool  *os.File
	closed bool
}

func (u *s3Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, errors.New("write to closed artifact writer")
	}
	return u.spool.Write(p)
}

func (u *s3Upload) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	defer os.Remove(u.spool.Name())
	defer u.spool.Close()

	if _, err := u.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}
	ctx, cancel := requestContext()
	defer cancel()
	if _, err := u.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.store.bucket),
		Key:    aws.String(u.store.objectKey(u.key)),
		Body:   u.spool,
	}); err != nil {
		return fmt.Errorf("s3 put %s: %w", u.key, err)
	}
	return nil
}

// s3RangeReader opens the object lazily at the current offset. size is -1
// until the first Seek needs it.
type s3RangeReader struct {
	store *S3Storage
	key   string
	pos   int64
	size  int64
	body  io.ReadCloser
}

func (r *s3RangeReader) Read(p []byte) (int, error) {
	if r.body == nil {
		if r.size >= 0 && r.pos >= r.size {
			return 0, io.EOF
		}
		body, err := r.store.get(r.key, r.pos)
		if err != nil {
			return 0, err
		}
		r.body = body
	}
	n, err := r.body.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *s3RangeReader) Seek(offset int64, whence int) (int64, error) {
	if r.size < 0 {
		size, err := r.store.Size(r.key)
		if err != nil {
			return 0, err
		}
		r.size = size
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	pos = max(0, min(pos, r.size))

	if pos != r.pos && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.pos = pos
	return pos, nil
}

func (r *s3RangeReader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}
