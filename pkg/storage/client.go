// Package storage archives run artifacts to S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client s3API
	bucket   string
}

// NewClient creates a new S3 client using the run's credentials
func NewClient(cfg aws.Config, bucket string) *Client {
	slog.Info("s3_client_init", "bucket", bucket, "region", cfg.Region)
	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}
}

// UploadResult contains upload metadata
type UploadResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// ObjectKey places a run artifact under <client>/<run-id>/<file name>.
func ObjectKey(clientName, runID, localPath string) string {
	return path.Join(clientName, runID, filepath.Base(localPath))
}

// Upload puts the file at localPath under key, tagging the object with the
// file's SHA256 so a later reader can check it was not altered.
func (c *Client) Upload(ctx context.Context, key, localPath string) (*UploadResult, error) {
	slog.Info("s3_upload_start", "bucket", c.bucket, "s3_key", key, "local_path", localPath)

	f, err := os.Open(localPath)
	if err != nil {
		slog.Error("local_file_open_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash local file")
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind local file")
	}

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		Metadata:      map[string]string{"sha256": checksum},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to put object to S3")
	}

	slog.Info("s3_upload_complete",
		"s3_key", key,
		"size_bytes", size,
		"sha256", checksum[:16]+"...",
	)

	return &UploadResult{Key: key, SHA256: checksum, Size: size}, nil
}
