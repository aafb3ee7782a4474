package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/MattFrayser/archdrop/internal/config"
)

// Client is the S3 backend client interface. archdrop's Storage only ever
// writes a finalized file once, so the interface covers exactly that: no
// read-back, delete, or listing operation has a caller.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client *s3.Client
	config *config.BackendConfig
}

// NewClient creates a new S3 backend client. The provider name (aws,
// minio, wasabi, ...) resolves a known endpoint/region default and
// path-style addressing requirement via the provider table in
// providers.go, the same way a real multi-provider S3 gateway validates
// and normalizes operator-supplied backend configuration.
func NewClient(cfg *config.BackendConfig) (Client, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "aws"
	}
	if !IsProviderSupported(provider) {
		return nil, fmt.Errorf("s3backend: unsupported provider %q", provider)
	}

	endpoint, region, err := ValidateProviderConfig(cfg.Endpoint, provider, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("s3backend: resolve provider config: %w", err)
	}
	if provider != "aws" {
		if err := ValidateEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("s3backend: %w", err)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint and addressing style for non-AWS providers.
	s3Options := []func(*s3.Options){}
	if provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = RequiresPathStyleAddressing(provider)
		})
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	return &s3Client{
		client: client,
		config: cfg,
	}, nil
}

// PutObject uploads an object to S3.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	// Read the entire body (for now - will optimize for streaming later)
	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: convertMetadata(metadata),
	}

	_, err = c.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}

	return nil
}

// convertMetadata converts a map[string]string to AWS metadata format.
func convertMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	return metadata
}