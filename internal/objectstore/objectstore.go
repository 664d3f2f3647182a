// Package objectstore is a thin S3-compatible client used to persist
// replay event logs and collected artifacts outside the relational store,
// and to issue signed download URLs for them. Not grounded on the
// teacher or pack repos (none exercise an object-storage client in
// source); github.com/aws/aws-sdk-go is the standard ecosystem choice for
// an S3-compatible backend and is named here rather than claimed as
// pack-grounded.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Store wraps a single S3-compatible bucket.
type Store struct {
	s3     *s3.S3
	bucket string
}

// Config holds the connection details for the object store backend.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible backends other than AWS
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

func New(cfg Config) (*Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(cfg.ForcePathStyle)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("object store session: %w", err)
	}
	return &Store{s3: s3.New(sess), bucket: cfg.Bucket}, nil
}

func replayKey(sandboxID string) string {
	return fmt.Sprintf("replays/%s/events.jsonl", sandboxID)
}

func artifactKey(orgID, sandboxID, artifactID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s/%s", orgID, sandboxID, artifactID, name)
}

// PutReplayLog uploads the replay event log for a sandbox, overwriting any
// prior object at that key.
func (s *Store) PutReplayLog(ctx context.Context, sandboxID string, data []byte) (string, error) {
	key := replayKey(sandboxID)
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put replay log: %w", err)
	}
	return key, nil
}

// PutArtifact uploads a collected artifact and returns its object key.
func (s *Store) PutArtifact(ctx context.Context, orgID, sandboxID, artifactID, name string, body io.Reader, size int64) (string, error) {
	key := artifactKey(orgID, sandboxID, artifactID, name)
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          aws.ReadSeekCloser(body),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return key, nil
}

// SignedURL returns a time-limited GET URL for ref (an object key returned
// by PutReplayLog/PutArtifact).
func (s *Store) SignedURL(ref string, ttl time.Duration) (string, error) {
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("presign object url: %w", err)
	}
	return url, nil
}

// GetReplayLog downloads the replay event log for a sandbox.
func (s *Store) GetReplayLog(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(replayKey(sandboxID)),
	})
	if err != nil {
		return nil, fmt.Errorf("get replay log: %w", err)
	}
	return out.Body, nil
}
