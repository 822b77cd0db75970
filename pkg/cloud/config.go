// Package cloud adapts the AWS SDK to the narrow interfaces used by the
// inventory scanner and the migration engine.
package cloud

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

// LoadAWSConfig loads credentials for the named shared-config profile in
// region. An empty awsProfile uses the default credential chain. The SDK
// retries throttled and transient requests up to maxAttempts times.
func LoadAWSConfig(ctx context.Context, awsProfile, region string, maxAttempts int) (aws.Config, error) {
	slog.Info("aws_config_load", "profile", awsProfile, "region", region, "max_attempts", maxAttempts)

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if awsProfile != "" {
		opts = append(opts, config.WithSharedConfigProfile(awsProfile))
	}
	if maxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(maxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "profile", awsProfile, "error", err)
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return cfg, nil
}
