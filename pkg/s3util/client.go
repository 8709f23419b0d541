// Package s3util builds the S3-compatible client that holds offloaded
// payload data (AWS S3, MinIO, Cloudflare R2).
package s3util

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/conditions-db/internal/config"
)

// defaultRegion is used for custom endpoints that ignore the region but
// still need one to sign requests.
const defaultRegion = "us-east-1"

// Client is an S3 client bound to the payload bucket and key prefix.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient creates a client for cfg. Static credentials are used when both
// keys are set, the default AWS chain otherwise.
func NewClient(ctx context.Context, cfg config.BlobConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob bucket is not configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for bucket %s: %w", cfg.Bucket, err)
	}
	return &Client{
		S3:     s3.NewFromConfig(awsCfg, serviceOptions(cfg)),
		Bucket: cfg.Bucket,
		Prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func loadOptions(cfg config.BlobConfig) []func(*awsconfig.LoadOptions) error {
	region := cfg.Region
	if region == "" && cfg.Endpoint != "" {
		region = defaultRegion
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	return opts
}

// serviceOptions points the client at a custom endpoint. A bare host gets an
// https scheme.
func serviceOptions(cfg config.BlobConfig) func(*s3.Options) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	return func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}
}

// Ping lists at most one key below the payload prefix. It fails when the
// bucket is unreachable or the credentials cannot read it.
func (c *Client) Ping(ctx context.Context) error {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.Bucket),
		MaxKeys: aws.Int32(1),
	}
	if c.Prefix != "" {
		in.Prefix = aws.String(c.Prefix + "/")
	}
	if _, err := c.S3.ListObjectsV2(ctx, in); err != nil {
		return fmt.Errorf("listing s3://%s/%s: %w", c.Bucket, c.Prefix, err)
	}
	return nil
}
