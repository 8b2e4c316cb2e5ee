package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const defaultRegion = "us-east-1"

// Config selects the region, endpoint and credentials of an SQS client.
type Config struct {
	Region string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
	// AccessKey and SecretKey switch to static credentials when both are set.
	AccessKey string
	SecretKey string
}

// New creates an SQS client. Without static keys the default AWS credential
// chain is used.
func New(ctx context.Context, cfg Config) (*sqs.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
