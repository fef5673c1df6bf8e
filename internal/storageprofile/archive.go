// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storageprofile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Archiver mirrors a completed run's artifact manifest and a flat file
// listing to S3, as a best-effort durability backstop — never on the
// request-serving path, only after a run reaches a terminal status.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchiver validates the profile's AWS credentials via STS
// GetCallerIdentity (failing fast rather than discovering a bad
// credential chain on the first upload attempt) and returns an
// Archiver, or nil if cfg has no bucket configured.
func NewArchiver(ctx context.Context, cfg *S3ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storageprofile: load aws config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	if _, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, fmt.Errorf("storageprofile: aws credentials rejected by sts: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// MirrorRun uploads manifestJSON (artifacts/index.json) and
// fileListing (a newline-separated flat listing of artifact paths)
// under <prefix><runID>/. Failures are logged and returned but never
// fatal to the caller — the archive is a mirror, not the source of
// truth.
func (a *Archiver) MirrorRun(ctx context.Context, runID string, manifestJSON, fileListing []byte) error {
	if a == nil {
		return nil
	}

	manifestKey := a.prefix + runID + "/index.json"
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(manifestJSON),
		ContentType: aws.String("application/json"),
	}); err != nil {
		a.logger.Warn("storageprofile: s3 manifest mirror failed", "run_id", runID, "error", err)
		return err
	}

	listingKey := a.prefix + runID + "/files.txt"
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(listingKey),
		Body:        bytes.NewReader(fileListing),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		a.logger.Warn("storageprofile: s3 file listing mirror failed", "run_id", runID, "error", err)
		return err
	}

	a.logger.Info("storageprofile: mirrored run artifacts to s3", "run_id", runID, "bucket", a.bucket)
	return nil
}
