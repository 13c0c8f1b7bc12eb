package clients

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
	URLTTL          time.Duration
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// S3Client stores export files in a bucket and hands out presigned links.
type S3Client struct {
	raw    *minio.Client
	bucket string
	region string
	prefix string
	ttl    time.Duration
}

func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &S3Client{
		raw:    client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
		ttl:    ttl,
	}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *S3Client) ensureBucket(ctx context.Context) error {
	exists, err := c.raw.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.raw.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", c.bucket, err)
	}
	log.Printf("[EXPORT] created bucket %s", c.bucket)
	return nil
}

// Save uploads data and returns the object key.
func (c *S3Client) Save(ctx context.Context, fileName string, data []byte) (string, error) {
	key := c.prefix + storedName(fileName)

	_, err := c.raw.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: xlsxContentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %q failed: %w", key, err)
	}

	return key, nil
}

// URL presigns a download link that keeps the original file name.
func (c *S3Client) URL(ctx context.Context, key string) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", DownloadName(path.Base(key))))

	u, err := c.raw.PresignedGetObject(ctx, c.bucket, key, c.ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign get object %q failed: %w", key, err)
	}

	return u.String(), nil
}

func (c *S3Client) Ping(ctx context.Context) error {
	_, err := c.raw.BucketExists(ctx, c.bucket)
	return err
}

// CleanupOlderThan removes exported objects under the prefix older than d.
func (c *S3Client) CleanupOlderThan(ctx context.Context, d time.Duration) (int, error) {
	cutoff := time.Now().Add(-d)
	removed := 0

	for obj := range c.raw.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: c.prefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, obj.Err
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := c.raw.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			log.Printf("[EXPORT] remove object %s: %v", obj.Key, err)
			continue
		}
		removed++
	}
	return removed, nil
}
