package attachment

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores staged files
type Uploader interface {
	Upload(ctx context.Context, key string, f File) error
	Delete(ctx context.Context, key string) error
}

// S3UploadAPI is the part of manager.Uploader the S3 uploader needs
type S3UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3DeleteAPI is the part of s3.Client the S3 uploader needs
type S3DeleteAPI interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Uploader stores files in an S3 bucket
type S3Uploader struct {
	uploader S3UploadAPI
	client   S3DeleteAPI
	bucket   string
}

// NewS3Uploader creates an uploader backed by a multipart upload manager
func NewS3Uploader(client *s3.Client, bucket string, partSize int64, concurrency int) *S3Uploader {
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize > 0 {
			u.PartSize = partSize
		}
		if concurrency > 0 {
			u.Concurrency = concurrency
		}
	})
	return NewS3UploaderWithAPI(up, client, bucket)
}

// NewS3UploaderWithAPI creates an uploader from explicit interfaces, mainly for tests
func NewS3UploaderWithAPI(uploader S3UploadAPI, client S3DeleteAPI, bucket string) *S3Uploader {
	return &S3Uploader{uploader: uploader, client: client, bucket: bucket}
}

// Upload implements Uploader
func (u *S3Uploader) Upload(ctx context.Context, key string, f File) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	body, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer body.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if f.ContentType != "" {
		input.ContentType = aws.String(f.ContentType)
	}

	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Delete implements Uploader
func (u *S3Uploader) Delete(ctx context.Context, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DiscardUploader reads and drops file content. It backs local runs where
// no bucket is configured.
type DiscardUploader struct{}

// Upload implements Uploader
func (DiscardUploader) Upload(_ context.Context, _ string, f File) error {
	body, err := f.Open()
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(io.Discard, body)
	return err
}

// Delete implements Uploader
func (DiscardUploader) Delete(context.Context, string) error {
	return nil
}
