package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

// MaxScanSize bounds an uploaded scan
const MaxScanSize = 10 << 20

// Store keeps scans under opaque paths
type Store interface {
	Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// ScanKey returns the object key of a purchase order scan. The content hash
// makes repeated uploads of the same file land on the same key.
func ScanKey(tenantID, orderID int64, filename string, content []byte) string {
	sum := sha256.Sum256(content)
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("purchase-orders/%d/%d/%s%s", tenantID, orderID, hex.EncodeToString(sum[:])[:16], ext)
}

// ObjectAPI is the part of the S3 client the store uses
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store keeps scans in an S3 bucket
type S3Store struct {
	client ObjectAPI
	bucket string
}

// NewS3Store creates a store writing to bucket
func NewS3Store(client ObjectAPI, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put uploads content under key and returns the path to record
func (s *S3Store) Put(ctx context.Context, key string, content io.Reader, contentType string) (p string, err error) {
	ctx, end := observability.StartSpan(ctx, "documents.Put",
		attribute.String("s3.bucket", s.bucket), attribute.String("s3.key", key))
	defer func() { end(err) }()

	data, err := io.ReadAll(io.LimitReader(content, MaxScanSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read scan: %w", err)
	}
	if len(data) > MaxScanSize {
		return "", errs.Validation("scan exceeds %d bytes", MaxScanSize)
	}
	sum := sha256.Sum256(data)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"checksum-sha256": hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return "", errs.ExternalFailure(fmt.Errorf("failed to upload scan: %w", err), "s3")
	}
	return key, nil
}

// Get opens a stored scan
func (s *S3Store) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.NotFound("document", p)
		}
		return nil, errs.ExternalFailure(fmt.Errorf("failed to get scan: %w", err), "s3")
	}
	return out.Body, nil
}

// HealthCheck verifies the bucket is reachable
func (s *S3Store) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// MemoryStore keeps scans in memory, for development without object storage
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores content under key
func (m *MemoryStore) Put(_ context.Context, key string, content io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxScanSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read scan: %w", err)
	}
	if len(data) > MaxScanSize {
		return "", errs.Validation("scan exceeds %d bytes", MaxScanSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

// Get returns a stored scan
func (m *MemoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, errs.NotFound("document", p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
