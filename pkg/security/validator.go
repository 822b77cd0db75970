// Package security validates operator-supplied input before it reaches the
// cloud provider or the filesystem.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	regionRe   = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-\d$`)
	volumeRe   = regexp.MustCompile(`^vol-([0-9a-f]{8}|[0-9a-f]{17})$`)
	instanceRe = regexp.MustCompile(`^i-([0-9a-f]{8}|[0-9a-f]{17})$`)

	keyUUIDRe  = regexp.MustCompile(`^(mrk-[0-9a-f]{32}|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
	keyARNRe   = regexp.MustCompile(`^arn:aws[a-z-]*:kms:[a-z0-9-]+:\d{12}:key/(mrk-[0-9a-f]{32}|[0-9a-f-]{36})$`)
	aliasRe    = regexp.MustCompile(`^alias/[a-zA-Z0-9/_-]+$`)
	aliasARNRe = regexp.MustCompile(`^arn:aws[a-z-]*:kms:[a-z0-9-]+:\d{12}:alias/[a-zA-Z0-9/_-]+$`)
)

// Validator checks identifiers and names supplied through flags and config
type Validator struct{}

// NewValidator creates a new security validator
func NewValidator() *Validator {
	slog.Debug("security_validator_init")
	return &Validator{}
}

// ValidateRegion checks the shape of a region name such as eu-west-1.
func (v *Validator) ValidateRegion(region string) error {
	if !regionRe.MatchString(region) {
		slog.Error("security_region_validation_failed", "region", region)
		return fmt.Errorf("security: invalid region %q", region)
	}
	return nil
}

// ValidateKMSKeyID accepts a key id, key ARN, alias name or alias ARN.
// The reserved alias/aws/* keys are refused: snapshots encrypted with an
// AWS managed key cannot be shared across accounts.
func (v *Validator) ValidateKMSKeyID(keyID string) error {
	switch {
	case keyUUIDRe.MatchString(keyID), keyARNRe.MatchString(keyID):
		return nil
	case aliasRe.MatchString(keyID), aliasARNRe.MatchString(keyID):
		if strings.Contains(keyID, "alias/aws/") {
			slog.Error("security_kms_key_validation_failed", "kms_key_id", keyID, "reason", "aws_managed_alias")
			return fmt.Errorf("security: %q is an AWS managed key alias; use a customer managed key", keyID)
		}
		return nil
	}
	slog.Error("security_kms_key_validation_failed", "kms_key_id", keyID, "reason", "malformed")
	return fmt.Errorf("security: invalid KMS key identifier %q", keyID)
}

// ValidateVolumeID checks the shape of an EBS volume id.
func (v *Validator) ValidateVolumeID(id string) error {
	if !volumeRe.MatchString(id) {
		slog.Error("security_volume_id_validation_failed", "volume_id", id)
		return fmt.Errorf("security: invalid volume id %q", id)
	}
	return nil
}

// ValidateInstanceID checks the shape of an EC2 instance id.
func (v *Validator) ValidateInstanceID(id string) error {
	if !instanceRe.MatchString(id) {
		slog.Error("security_instance_id_validation_failed", "instance_id", id)
		return fmt.Errorf("security: invalid instance id %q", id)
	}
	return nil
}

// ValidatePathComponent checks a name that becomes one directory or file
// name under the log directory (client and profile names).
func (v *Validator) ValidatePathComponent(name string) error {
	if name == "" {
		return fmt.Errorf("security: empty name")
	}
	// Reject absolute paths
	if filepath.IsAbs(name) {
		slog.Error("security_path_validation_failed", "name", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)

	// Reject anything that escapes or nests below the parent directory
	if strings.HasPrefix(clean, "..") || strings.ContainsRune(clean, filepath.Separator) {
		slog.Error("security_path_validation_failed", "name", name, "reason", "path_traversal")
		return fmt.Errorf("security: name must be a single path component: %s", name)
	}

	return nil
}
