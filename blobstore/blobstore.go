package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/valyala/gozstd"

	"mailpilot/config"
)

// Store caches attachment content in object storage, zstd-compressed.
// Attachments are never pulled during bulk sync; the first download fetches
// from the provider, stores the blob here, and later downloads hit the cache.
type Store struct {
	client *s3.S3
	bucket string
}

func New(cfg config.S3Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket not configured")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(cfg.Endpoint != ""),
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				},
			},
			&credentials.EnvProvider{},
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return &Store{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// GenerateKey builds a time-bucketed blob key: YYYY/MM/DD/UUID.zstd.
func GenerateKey() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s.zstd",
		now.Year(), now.Month(), now.Day(), uuid.New().String())
}

// Put compresses and uploads one attachment blob under the given key.
func (s *Store) Put(key string, content []byte) error {
	compressed := gozstd.Compress(nil, content)
	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(compressed),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return nil
}

// Get downloads and decompresses one blob.
func (s *Store) Get(key string) ([]byte, error) {
	resp, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return gozstd.Decompress(nil, compressed)
}

// Delete removes a blob. Used when a message is purged.
func (s *Store) Delete(key string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
