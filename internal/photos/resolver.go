package photos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Resolver turns stored photo references into URLs a provider can fetch.
type Resolver interface {
	Resolve(ctx context.Context, refs []string) ([]string, error)
}

// Passthrough returns references unchanged, dropping blanks.
type Passthrough struct{}

func (Passthrough) Resolve(_ context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			out = append(out, ref)
		}
	}
	return out, nil
}

// S3Config configures S3Resolver.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLTTL          time.Duration
}

// S3Resolver presigns GET URLs for object keys. Absolute http(s) references
// are passed through untouched.
type S3Resolver struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func NewS3Resolver(ctx context.Context, cfg S3Config) (*S3Resolver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is not configured")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &S3Resolver{presign: s3.NewPresignClient(client), bucket: cfg.Bucket, ttl: ttl}, nil
}

func (r *S3Resolver) Resolve(ctx context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		switch {
		case ref == "":
			continue
		case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
			out = append(out, ref)
		default:
			req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(r.bucket),
				Key:    aws.String(strings.TrimPrefix(ref, "/")),
			}, s3.WithPresignExpires(r.ttl))
			if err != nil {
				return nil, fmt.Errorf("failed to presign %s: %w", ref, err)
			}
			out = append(out, req.URL)
		}
	}
	return out, nil
}
