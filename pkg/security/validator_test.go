package security

import (
	"testing"
)

func TestValidateRegion(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		region    string
		shouldErr bool
	}{
		{"eu-west-1", false},
		{"us-east-1", false},
		{"ap-southeast-2", false},
		{"us-gov-west-1", false},
		{"", true},
		{"eu-west", true},
		{"EU-WEST-1", true},
		{"eu-west-1; rm -rf /", true},
	}

	for _, tt := range tests {
		err := v.ValidateRegion(tt.region)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for region: %q", tt.region)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for region %q: %v", tt.region, err)
		}
	}
}

func TestValidateKMSKeyID(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		keyID     string
		shouldErr bool
	}{
		{"1234abcd-12ab-34cd-56ef-1234567890ab", false},
		{"mrk-1234abcd12ab34cd56ef1234567890ab", false},
		{"arn:aws:kms:eu-west-1:111122223333:key/1234abcd-12ab-34cd-56ef-1234567890ab", false},
		{"alias/ebs-encryption", false},
		{"arn:aws:kms:eu-west-1:111122223333:alias/ebs-encryption", false},
		{"alias/aws/ebs", true},
		{"arn:aws:kms:eu-west-1:111122223333:alias/aws/ebs", true},
		{"", true},
		{"not-a-key", true},
		{"arn:aws:s3:::bucket", true},
	}

	for _, tt := range tests {
		err := v.ValidateKMSKeyID(tt.keyID)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for key: %q", tt.keyID)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for key %q: %v", tt.keyID, err)
		}
	}
}

func TestValidateResourceIDs(t *testing.T) {
	v := NewValidator()

	if err := v.ValidateVolumeID("vol-0123456789abcdef0"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateVolumeID("vol-1234abcd"); err != nil {
		t.Errorf("unexpected error for short id: %v", err)
	}
	if err := v.ValidateVolumeID("i-0123456789abcdef0"); err == nil {
		t.Error("expected error for instance id passed as volume id")
	}

	if err := v.ValidateInstanceID("i-0123456789abcdef0"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateInstanceID("i-XYZ"); err == nil {
		t.Error("expected error for malformed instance id")
	}
}

func TestValidatePathComponent(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"acme", false},
		{"acme-prod_2", false},
		{"", true},
		{"../etc", true},
		{"/etc", true},
		{"a/b", true},
		{"..", true},
	}

	for _, tt := range tests {
		err := v.ValidatePathComponent(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for name: %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for name %q: %v", tt.name, err)
		}
	}
}
