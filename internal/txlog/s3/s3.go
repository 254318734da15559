// Package s3 keeps the transaction log in an S3-compatible bucket, one
// object per transaction under a per-instance prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// Config controls the S3 transaction log.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Logger         pslog.Logger
}

// Store implements txlog.Log on top of minio-go.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

// New builds a Store. Credentials default to the AWS and MinIO environment
// variables, the shared AWS credentials file and instance metadata.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("txlog/s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("txlog/s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, logger: loggingutil.WithSubsystem(cfg.Logger, "txlog.s3")}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	return clone
}

func (s *Store) key(id txn.ID) string {
	return path.Join(s.cfg.Prefix, txlog.ObjectName(id))
}

func (s *Store) listPrefix() string {
	if s.cfg.Prefix == "" {
		return ""
	}
	return s.cfg.Prefix + "/"
}

// Write implements txlog.Log.
func (s *Store) Write(ctx context.Context, entry txlog.Entry) error {
	data, err := txlog.Encode(entry)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.key(entry.TxnID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return wrapError(err, "txlog/s3: put "+entry.TxnID.String())
}

// Read implements txlog.Log.
func (s *Store) Read(ctx context.Context, id txn.ID) (txlog.Entry, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return txlog.Entry{}, txlog.ErrNotFound
		}
		return txlog.Entry{}, wrapError(err, "txlog/s3: get "+id.String())
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return txlog.Entry{}, txlog.ErrNotFound
		}
		return txlog.Entry{}, wrapError(err, "txlog/s3: read "+id.String())
	}
	return txlog.Decode(data)
}

// List implements txlog.Log.
func (s *Store) List(ctx context.Context) ([]txlog.Entry, error) {
	var out []txlog.Entry
	for info := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: s.listPrefix(), Recursive: true}) {
		if info.Err != nil {
			return nil, wrapError(info.Err, "txlog/s3: list")
		}
		id, ok := txlog.ParseObjectName(path.Base(info.Key))
		if !ok {
			continue
		}
		entry, err := s.Read(ctx, id)
		if err != nil {
			if errors.Is(err, txlog.ErrNotFound) {
				continue
			}
			if txlog.IsTransient(err) {
				return nil, err
			}
			s.logger.Warn("txlog.s3.list.skip", "key", info.Key, "error", err)
			continue
		}
		out = append(out, entry)
	}
	txlog.Sort(out)
	return out, nil
}

// Remove implements txlog.Log.
func (s *Store) Remove(ctx context.Context, id txn.ID) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.key(id), minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		return nil
	}
	return wrapError(err, "txlog/s3: remove "+id.String())
}

// CheckBucket verifies the bucket is reachable and exists.
func (s *Store) CheckBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("txlog/s3: connectivity check: %w", err)
	}
	if !exists {
		return fmt.Errorf("txlog/s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return txlog.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}
