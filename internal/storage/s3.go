package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"speechlab/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage creates a new S3 blob store for recording audio
func NewS3Storage(endpoint, region, accessKey, secretKey, bucket string) (*S3Storage, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, reg string, options ...interface{}) (aws.Endpoint, error) {
			if endpoint != "" {
				return aws.Endpoint{
					URL:           endpoint,
					SigningRegion: region,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithEndpointResolverWithOptions(customResolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	logger.Info("S3 storage initialized", zap.String("bucket", bucket))

	return &S3Storage{
		client: client,
		bucket: bucket,
	}, nil
}

// UploadFile stores a recording under the given key
func (s *S3Storage) UploadFile(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	logger.Info("Recording uploaded to S3", zap.String("key", key))

	return nil
}

// GenerateKey builds the object key for a recording:
// recordings/<user>/<yyyy/mm>/<recording-id><ext>
func (s *S3Storage) GenerateKey(userID, recordingID, extension string) string {
	prefix := time.Now().Format("2006/01")
	return path.Join("recordings", userID, prefix, recordingID+extension)
}

// DownloadFile fetches recording bytes by key
func (s *S3Storage) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	logger.Debug("Recording downloaded from S3",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return data, nil
}

// DeleteFile deletes a recording blob
func (s *S3Storage) DeleteFile(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	logger.Debug("Recording deleted from S3", zap.String("key", key))

	return nil
}
