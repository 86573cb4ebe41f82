package store

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps the population as one object. Works with MinIO and other
// S3 compatible services.
type S3Store struct {
	client S3API
	bucket string
	key    string
}

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &errors.RemoteStoreError{Backend: "s3", Operation: "configure", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// MinIO and friends reject the newer default integrity trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Key), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, key string) *S3Store {
	if key == "" {
		key = "accounts.json"
	}
	return &S3Store{client: client, bucket: bucket, key: key}
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) Get(ctx context.Context) (models.Population, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			return models.Population{}, false, nil
		}
		return nil, false, &errors.RemoteStoreError{Backend: "s3", Operation: "get", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &errors.RemoteStoreError{Backend: "s3", Operation: "read", Err: err}
	}
	pop, err := DecodePopulation(data)
	if err != nil {
		return nil, true, &errors.RemoteStoreError{Backend: "s3", Operation: "decode", Err: err}
	}
	return pop, true, nil
}

func (s *S3Store) Put(ctx context.Context, pop models.Population) error {
	data, err := EncodePopulation(pop)
	if err != nil {
		return &errors.RemoteStoreError{Backend: "s3", Operation: "encode", Err: err}
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json; charset=utf-8"),
	})
	if err != nil {
		return &errors.RemoteStoreError{Backend: "s3", Operation: "put", Err: err}
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var _ RemoteStore = (*S3Store)(nil)
