package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/awserr"
	"github.com/celebthumb-ai/internal/logging"
)

// S3Client is the subset of the S3 API the gateway uses.
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner signs GET requests for stored objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	_ S3Client  = (*s3.Client)(nil)
	_ Presigner = (*s3.PresignClient)(nil)
)

type StorageConfig struct {
	S3Client  S3Client
	Presigner Presigner
	Bucket    string
	// URLTTL is how long a retrieved URL stays valid.
	URLTTL time.Duration
	Logger *zap.Logger
}

type S3Gateway struct {
	s3Client  S3Client
	presigner Presigner
	bucket    string
	urlTTL    time.Duration
	logger    *zap.Logger
}

func NewS3Gateway(config StorageConfig) *S3Gateway {
	ttl := config.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Gateway{
		s3Client:  config.S3Client,
		presigner: config.Presigner,
		bucket:    config.Bucket,
		urlTTL:    ttl,
		logger:    logging.OrNop(config.Logger).Named("storage"),
	}
}

var _ Gateway = (*S3Gateway)(nil)

// Store uploads data unless an object with the same content already exists.
func (s *S3Gateway) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", apperr.Permanent(fmt.Errorf("empty artifact"))
	}
	key, ok := Locator(data, contentType)
	if !ok {
		return "", apperr.Permanent(fmt.Errorf("unsupported content type %q", contentType))
	}

	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		s.logger.Debug("artifact already stored", zap.String("key", key))
		return key, nil
	case !awserr.IsNotFound(err):
		return "", fmt.Errorf("failed to check thumbnail: %w", awserr.Classify(err))
	}

	sum := sha256.Sum256(data)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(data),
		ContentType:    aws.String(contentType),
		ContentLength:  aws.Int64(int64(len(data))),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		CacheControl:   aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload thumbnail: %w", awserr.Classify(err))
	}
	s.logger.Info("artifact stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// Retrieve returns a time-limited signed URL for locator.
func (s *S3Gateway) Retrieve(ctx context.Context, locator string) (string, error) {
	if !strings.HasPrefix(locator, keyPrefix) {
		return "", apperr.Invalid("locator", "is not a thumbnail key")
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("failed to sign thumbnail url: %w", err)
	}
	return req.URL, nil
}
