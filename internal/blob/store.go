// Package blob offloads large payload data to S3-compatible object storage
// and reads it back through s3://bucket/key URIs.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

// URIScheme prefixes URIs of offloaded payload data.
const URIScheme = "s3://"

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store keeps payload data in one bucket.
type Store struct {
	s3        S3API
	bucket    string
	prefix    string
	threshold int64
	logger    *zap.Logger
}

func NewStore(s3api S3API, cfg config.BlobConfig, logger *zap.Logger) *Store {
	return &Store{
		s3:        s3api,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		threshold: int64(cfg.OffloadThreshold),
		logger:    logger.Named("blob"),
	}
}

// ShouldOffload reports whether p carries enough inline data to be moved out.
func (s *Store) ShouldOffload(p *types.Payload) bool {
	return p.URI == "" && p.Size() > 0 && p.Size() >= s.threshold
}

// objectKey lays objects out as [prefix/]<table>/<flavor>/<id>.<format>.
func (s *Store) objectKey(p *types.Payload) string {
	key := fmt.Sprintf("%s/%s/%s.%s", adapter.TableName(p.Path()), types.SanitizeAlnumDash(p.Flavor), p.ID, p.Format)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return "", "", adapter.Errorf(adapter.ErrInvalidInput, "not an s3 uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", adapter.Errorf(adapter.ErrInvalidInput, "bad s3 uri %q", uri)
	}
	return bucket, key, nil
}

// Put uploads the inline data of p and returns its s3:// URI.
func (s *Store) Put(ctx context.Context, p *types.Payload) (string, error) {
	if p.ID == "" || len(p.Data) == 0 {
		return "", adapter.Errorf(adapter.ErrInvalidInput, "payload for %s has no id or data to offload", p.Path())
	}
	key := s.objectKey(p)
	start := time.Now()
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(p.Data),
		ContentType: aws.String(contentType(p.Format)),
		Metadata: map[string]string{
			"cdb-id":     p.ID,
			"cdb-path":   p.Path(),
			"cdb-flavor": p.Flavor,
			"cdb-format": string(p.Format),
			"cdb-size":   strconv.FormatInt(p.Size(), 10),
		},
	})
	observe("put", start, err)
	if err != nil {
		return "", adapter.Errorf(adapter.ErrUnavailable, "uploading %s to S3: %v", key, err)
	}

	s.logger.Debug("payload data offloaded",
		zap.String("path", p.Path()),
		zap.String("id", p.ID),
		zap.String("key", key),
		zap.Int64("size", p.Size()),
	)
	return URIScheme + s.bucket + "/" + key, nil
}

// Get downloads the object behind uri.
func (s *Store) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		observe("get", start, err)
		return nil, s3Error(err, "downloading %s", uri)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	observe("get", start, err)
	if err != nil {
		return nil, adapter.Errorf(adapter.ErrUnavailable, "reading %s: %v", uri, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	observe("delete", start, err)
	if err != nil {
		return s3Error(err, "deleting %s", uri)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}
	if err = s3Error(err, "checking %s", uri); errors.Is(err, adapter.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) Close() error { return nil }

func s3Error(err error, format string, args ...any) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return adapter.Errorf(adapter.ErrNotFound, "%s", fmt.Sprintf(format, args...))
	}
	return adapter.Errorf(adapter.ErrUnavailable, "%s: %v", fmt.Sprintf(format, args...), err)
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.BlobOps.WithLabelValues(op, status).Inc()
	metrics.BlobDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func contentType(f types.Format) string {
	switch f {
	case types.FormatJSON:
		return "application/json"
	case types.FormatCBOR:
		return "application/cbor"
	case types.FormatMsgPack:
		return "application/msgpack"
	default:
		return "application/octet-stream"
	}
}
