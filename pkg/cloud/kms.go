package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KeyResolver verifies the target key before any job runs.
type KeyResolver struct {
	client kmsClient
}

// NewKeyResolver creates a resolver from a loaded AWS config.
func NewKeyResolver(cfg aws.Config) *KeyResolver {
	return &KeyResolver{client: kms.NewFromConfig(cfg)}
}

// Resolve returns the ARN of keyID, which may be a key id, key ARN, alias
// name or alias ARN. A key that is missing, disabled or not usable for
// encryption is a configuration error.
func (r *KeyResolver) Resolve(ctx context.Context, keyID string) (string, error) {
	out, err := r.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return "", fmt.Errorf("%w: describe KMS key %s: %w", errors.ErrInvalidConfig, keyID, err)
	}
	md := out.KeyMetadata
	if md == nil || md.Arn == nil {
		return "", fmt.Errorf("%w: no metadata returned for KMS key %s", errors.ErrInvalidConfig, keyID)
	}
	if !md.Enabled || md.KeyState != kmstypes.KeyStateEnabled {
		return "", fmt.Errorf("%w: KMS key %s is %s", errors.ErrInvalidConfig, keyID, md.KeyState)
	}
	if md.KeyUsage != "" && md.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt {
		return "", fmt.Errorf("%w: KMS key %s has usage %s", errors.ErrInvalidConfig, keyID, md.KeyUsage)
	}
	return aws.ToString(md.Arn), nil
}
