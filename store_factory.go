package txd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/provider/memory"
	"pkt.systems/txd/internal/provider/postgres"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txlog/disk"
	txmemory "pkt.systems/txd/internal/txlog/memory"
	"pkt.systems/txd/internal/txlog/retry"
	"pkt.systems/txd/internal/txlog/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openLogStore opens the transaction log named by dsn and wraps it with
// transient-error retries.
func openLogStore(ctx context.Context, cfg Config, dsn string, logger pslog.Logger, clk clock.Clock) (txlog.Log, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse log store URL: %w", err)
	}
	var store txlog.Log
	switch u.Scheme {
	case "memory", "mem":
		store = txmemory.New()
	case "disk":
		root, err := DiskLogRoot(dsn)
		if err != nil {
			return nil, err
		}
		store, err = disk.Open(disk.Config{Root: root, Logger: logger})
		if err != nil {
			return nil, err
		}
	case "s3":
		s3cfg, summary, err := BuildS3LogConfig(cfg, dsn)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		s3store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s3store.CheckBucket(checkCtx)
		cancel()
		if err != nil {
			_ = s3store.Close()
			return nil, err
		}
		logger.Info("txlog.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey)
		store = s3store
	default:
		return nil, fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
	return retry.Wrap(store, logger, clk, retry.Config{
		MaxAttempts: cfg.LogRetryMaxAttempts,
		BaseDelay:   cfg.LogRetryBaseDelay,
		MaxDelay:    cfg.LogRetryMaxDelay,
		Multiplier:  cfg.LogRetryMultiplier,
	}), nil
}

// DiskLogRoot resolves a disk:// URL into a directory.
func DiskLogRoot(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return "", fmt.Errorf("log store scheme %q is not disk", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk log store path required (e.g. disk:///var/lib/txd/coordinator)")
	}
	return filepath.Clean(pathPart), nil
}

// BuildS3LogConfig parses s3://host[:port]/bucket[/prefix] URLs.
func BuildS3LogConfig(cfg Config, dsn string) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("log store scheme %q is not s3", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 log store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if strings.TrimSpace(bucket) == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 log store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := cfg.S3Region
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	creds, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, summary, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TXD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TXD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TXD_S3_SESSION_TOKEN")
		source = "env:TXD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Let the store fall back to the AWS/MinIO environment chain.
		return nil, CredentialSummary{Source: "auto"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// openProvider opens the participant's resource manager.
func openProvider(ctx context.Context, cfg Config, logger pslog.Logger) (provider.Provider, error) {
	u, err := url.Parse(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("parse provider URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return memory.New(cfg.ParticipantID, memory.NewEngine()), nil
	case "postgres", "postgresql":
		return postgres.New(ctx, postgres.Config{
			Name:      cfg.ParticipantID,
			DSN:       cfg.Provider,
			GIDPrefix: gidPrefix(cfg.ParticipantID),
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("provider scheme %q not supported (mem, postgres)", u.Scheme)
	}
}

// gidPrefix derives a prepared-transaction prefix that keeps participants
// sharing one PostgreSQL server apart.
func gidPrefix(participantID string) string {
	var b strings.Builder
	b.WriteString("txd_")
	for _, r := range strings.ToLower(participantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	prefix := b.String()
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	return prefix
}
