// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package export writes daily usage snapshots to object storage for
// billing audit and offline analysis. Archiving is strictly out of the
// billing path: a failed upload is logged and counted, never surfaced to
// the metering APIs. S3-compatible endpoints (MinIO, R2) are supported
// via a custom endpoint.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"inventum/platform/metering/ledger"
	"inventum/platform/shared/logger"
)

// ObjectPutter is the slice of the S3 API the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotSource produces the usage snapshot for one account
type SnapshotSource interface {
	Snapshot(ctx context.Context, accountID string) (*ledger.UsageSnapshot, error)
}

// Config holds archiver settings, normally read from the environment
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string // optional, falls back to the default chain
	SecretAccessKey string
	ForcePathStyle  bool
}

// Archiver uploads usage snapshots as JSON objects keyed by date and
// account.
type Archiver struct {
	client ObjectPutter
	bucket string
	source SnapshotSource
	log    *logger.Logger
}

// NewArchiver builds an archiver from config, using the default AWS
// credential chain unless static keys are given.
func NewArchiver(ctx context.Context, cfg Config, source SnapshotSource, log *logger.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export bucket not configured")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		source: source,
		log:    log,
	}, nil
}

// NewArchiverWithClient wires an existing client, used by tests
func NewArchiverWithClient(client ObjectPutter, bucket string, source SnapshotSource, log *logger.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, source: source, log: log}
}

// ObjectKey returns the storage key for one account's snapshot on a date
func ObjectKey(accountID string, date time.Time) string {
	return fmt.Sprintf("usage-snapshots/%s/%s.json", date.UTC().Format("2006-01-02"), accountID)
}

// ArchiveAccount uploads the current usage snapshot for one account
func (a *Archiver) ArchiveAccount(ctx context.Context, accountID string) error {
	snap, err := a.source.Snapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to read snapshot for %s: %w", accountID, err)
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", accountID, err)
	}

	key := ObjectKey(accountID, time.Now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	return nil
}

// ArchiveAll uploads snapshots for the given accounts. Per-account
// failures are logged and counted; the remaining accounts still run.
func (a *Archiver) ArchiveAll(ctx context.Context, accountIDs []string) {
	start := time.Now()
	var failed int
	for _, id := range accountIDs {
		if err := a.ArchiveAccount(ctx, id); err != nil {
			failed++
			promExportFailures.Inc()
			a.log.ErrorWithErr(id, "", "Snapshot export failed", err, nil)
			continue
		}
		promExports.Inc()
	}
	a.log.InfoWithDuration("", "", "Snapshot export run finished",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"accounts": len(accountIDs),
			"failed":   failed,
		})
}

// AccountLister enumerates accounts with an active usage period
type AccountLister interface {
	ActiveAccountIDs(ctx context.Context) ([]string, error)
}

// RunDaily archives all active accounts once per interval until ctx is
// done. Intended to run in its own goroutine from service startup.
func (a *Archiver) RunDaily(ctx context.Context, lister AccountLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := lister.ActiveAccountIDs(ctx)
			if err != nil {
				a.log.ErrorWithErr("", "", "Failed to list accounts for export", err, nil)
				continue
			}
			a.ArchiveAll(ctx, ids)
		}
	}
}
