package capability

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/loomworks/fabric/pkg/canonicalize"
)

// S3BlobStore implements BlobStore on AWS S3 (or MinIO/LocalStack via a
// custom endpoint). Content-addressed blobs go under cas/, key-addressed
// blobs under keys/.
type S3BlobStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// S3Config holds configuration for S3BlobStore.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3BlobStore creates an S3-backed blob store.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}
	client := s3.NewFromConfig(awsCfg, clientOpts)

	return &S3BlobStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
	}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte) (BlobRef, error) {
	objectKey := s.prefix + "keys/" + key
	if err := s.putObject(ctx, objectKey, data); err != nil {
		return "", err
	}
	return BlobRef(key), nil
}

func (s *S3BlobStore) PutIdempotent(ctx context.Context, data []byte) (BlobRef, error) {
	ref := canonicalize.ContentHash(data)
	objectKey, err := s.objectKey(BlobRef(ref))
	if err != nil {
		return "", err
	}

	// HeadObject first so re-uploads of identical content are no-ops.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err == nil {
		return BlobRef(ref), nil
	}

	if err := s.putObject(ctx, objectKey, data); err != nil {
		return "", err
	}
	return BlobRef(ref), nil
}

func (s *S3BlobStore) Get(ctx context.Context, ref BlobRef) ([]byte, error) {
	objectKey, err := s.objectKey(ref)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", ref, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed for %s: %w", ref, err)
	}
	return data, nil
}

func (s *S3BlobStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	objectKey, err := s.objectKey(ref)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, ref BlobRef) error {
	objectKey, err := s.objectKey(ref)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", ref, err)
	}
	return nil
}

func (s *S3BlobStore) PresignRead(ctx context.Context, ref BlobRef, ttl time.Duration) (string, error) {
	objectKey, err := s.objectKey(ref)
	if err != nil {
		return "", err
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign failed for %s: %w", ref, err)
	}
	return req.URL, nil
}

func (s *S3BlobStore) putObject(ctx context.Context, objectKey string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *S3BlobStore) objectKey(ref BlobRef) (string, error) {
	str := string(ref)
	if strings.HasPrefix(str, "sha256:") {
		raw := strings.TrimPrefix(str, "sha256:")
		if _, err := hex.DecodeString(raw); err != nil {
			return "", fmt.Errorf("invalid content hash: %w", err)
		}
		return s.prefix + "cas/" + raw + ".blob", nil
	}
	if str == "" || strings.Contains(str, "..") {
		return "", fmt.Errorf("invalid blob key: %q", str)
	}
	return s.prefix + "keys/" + str, nil
}
