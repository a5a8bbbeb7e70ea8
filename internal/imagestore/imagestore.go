// Copyright 2025 James Ross

// Package imagestore keeps listing photos in a MinIO-compatible S3 bucket.
package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"go.uber.org/zap"
)

type Client struct {
	s3Client *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	log      *zap.Logger
}

// New builds the S3 client from config. Returns (nil, nil) when the store is
// disabled.
func New(cfg *config.Config, log *zap.Logger) (*Client, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}

	awsConfig := &aws.Config{Region: aws.String(cfg.S3.Region)}
	if cfg.S3.Endpoint != "" {
		// MinIO and friends need path-style addressing.
		awsConfig.Endpoint = aws.String(cfg.S3.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.S3.AccessKey, cfg.S3.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	c := &Client{
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3.Bucket,
		log:      log,
	}
	log.Info("image store initialized",
		obs.String("bucket", cfg.S3.Bucket),
		obs.String("endpoint", cfg.S3.Endpoint))
	return c, nil
}

// Key is the canonical object key for one listing photo.
func Key(avitoItemID string, order int) string {
	return fmt.Sprintf("parts/%s/%d.jpg", avitoItemID, order)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3Client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if _, err := c.s3Client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	c.log.Info("bucket created", obs.String("bucket", c.bucket))
	return nil
}

// Upload stores one photo and returns its key.
func (c *Client) Upload(ctx context.Context, key string, data []byte) (string, error) {
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// UploadListingImages stores every photo of one listing under its canonical
// keys and returns them.
func (c *Client) UploadListingImages(ctx context.Context, avitoItemID string, images [][]byte) ([]string, error) {
	keys := make([]string, 0, len(images))
	for i, img := range images {
		key, err := c.Upload(ctx, Key(avitoItemID, i), img)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Download fetches one object.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var aerr awserr.Error
	if ok := errorsAs(err, &aerr); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return false, nil
	}
	return false, err
}

// Delete removes one object.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err
}

func errorsAs(err error, target *awserr.Error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		*target = aerr
		return true
	}
	return false
}
