package download

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the transport uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Transport fetches s3://bucket/key URLs.
type S3Transport struct {
	client S3API
}

func NewS3Transport(client S3API) *S3Transport {
	return &S3Transport{client: client}
}

// NewS3TransportFromEnv builds a client from the default AWS credential chain.
// An empty profile uses the default profile.
func NewS3TransportFromEnv(ctx context.Context, profile string) (*S3Transport, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Transport(s3.NewFromConfig(cfg)), nil
}

func (t *S3Transport) Open(ctx context.Context, rawURL string) (*Stream, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	length := int64(-1)
	if out.ContentLength != nil && *out.ContentLength > 0 {
		length = *out.ContentLength
	}
	return &Stream{Length: length, Body: out.Body}, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("%w: not an s3 url", ErrInvalidURL)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: s3 url needs bucket and key", ErrInvalidURL)
	}
	return bucket, key, nil
}
