package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobSink writes outputs to any bucket gocloud.dev can open.
// Works with local directories, GCS, AWS S3 and S3-compatible stores.
type BlobSink struct {
	bucket  *blob.Bucket
	baseURI string
	prefix  string
}

// NewBlobSink opens bucketURL. For S3-compatible endpoints use
// s3://bucket?endpoint=...&s3ForcePathStyle=true.
func NewBlobSink(ctx context.Context, bucketURL, prefix string) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	baseURI, _, _ := strings.Cut(bucketURL, "?")
	if !strings.HasSuffix(baseURI, "/") {
		baseURI += "/"
	}

	return &BlobSink{
		bucket:  bucket,
		baseURI: baseURI,
		prefix:  prefix,
	}, nil
}

func (s *BlobSink) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Exists checks if an output already exists in the bucket.
func (s *BlobSink) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// Create opens a bucket writer. Blob writers only publish on a successful
// Close; cancelling their context first discards the write.
func (s *BlobSink) Create(ctx context.Context, key string) (Upload, error) {
	wctx, cancel := context.WithCancel(ctx)
	k := s.key(key)

	w, err := s.bucket.NewWriter(wctx, k, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create writer for %s: %w", k, err)
	}

	return &blobUpload{
		bucket: s.bucket,
		ctx:    ctx,
		w:      w,
		cancel: cancel,
		key:    k,
	}, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobSink) URI(key string) string {
	return s.baseURI + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobSink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

type blobUpload struct {
	bucket    *blob.Bucket
	ctx       context.Context
	w         *blob.Writer
	cancel    context.CancelFunc
	key       string
	committed bool
	closed    bool
}

func (u *blobUpload) Write(p []byte) (int, error) {
	if u.closed {
		return 0, ErrUploadClosed
	}
	return u.w.Write(p)
}

func (u *blobUpload) Commit() error {
	if u.closed {
		return ErrUploadClosed
	}
	u.closed = true
	defer u.cancel()

	if err := u.w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", u.key, err)
	}
	u.committed = true
	return nil
}

func (u *blobUpload) Abort() error {
	if u.committed {
		return nil
	}
	if !u.closed {
		u.closed = true
		u.cancel()
		u.w.Close()
	}

	// The job context may already be cancelled; cleanup must still run.
	err := u.bucket.Delete(context.WithoutCancel(u.ctx), u.key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", u.key, err)
	}
	return nil
}
