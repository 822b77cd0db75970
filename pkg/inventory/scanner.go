// Package inventory discovers unencrypted volumes and resolves the names of
// the volumes and of the instances they are attached to.
package inventory

import (
	"context"
	"iter"
	"log/slog"
	"slices"

	"github.com/samber/lo"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

// Cloud is the read-only inventory surface of the provider.
type Cloud interface {
	// DescribeUnencryptedVolumes returns one page of volumes the provider
	// reports as unencrypted, and the token of the next page ("" when done).
	DescribeUnencryptedVolumes(ctx context.Context, nextToken string) ([]VolumeRecord, string, error)

	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)
}

// Scanner enumerates migration candidates. It never mutates cloud state.
type Scanner struct {
	cloud       Cloud
	logger      *slog.Logger
	limit       int
	instanceIDs []string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLimit caps the number of candidates a single scan yields. Zero or
// negative means no cap.
func WithLimit(n int) Option {
	return func(s *Scanner) { s.limit = n }
}

// WithInstanceIDs restricts candidates to volumes attached to the given instances.
func WithInstanceIDs(ids ...string) Option {
	return func(s *Scanner) { s.instanceIDs = lo.Compact(ids) }
}

// NewScanner creates a scanner reading from cloud.
func NewScanner(cloud Cloud, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{cloud: cloud, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Candidate reports whether a volume is a migration candidate: unencrypted,
// with no KMS key, and currently attached.
func Candidate(v VolumeRecord) bool {
	return !v.Encrypted && v.KMSKeyID == "" && v.State == VolumeStateInUse
}

// Scan returns a lazy sequence of candidates. Each iteration re-reads the
// provider from the first page, so the sequence can be ranged over again.
// Iteration stops after the first error is yielded.
func (s *Scanner) Scan(ctx context.Context) iter.Seq2[VolumeRecord, error] {
	return func(yield func(VolumeRecord, error) bool) {
		names := make(map[string]string)
		yielded := 0
		token := ""
		page := 0

		for {
			volumes, next, err := s.cloud.DescribeUnencryptedVolumes(ctx, token)
			if err != nil {
				s.logger.Error("inventory_page_failed", "page", page, "error", err)
				yield(VolumeRecord{}, errors.Wrap(err, "describe volumes"))
				return
			}
			s.logger.Debug("inventory_page", "page", page, "volumes", len(volumes))

			for _, v := range volumes {
				if !Candidate(v) {
					continue
				}
				if len(s.instanceIDs) > 0 && !slices.Contains(s.instanceIDs, v.InstanceID) {
					continue
				}

				if v.InstanceID != "" {
					name, ok := names[v.InstanceID]
					if !ok {
						name, err = s.instanceName(ctx, v.InstanceID)
						if err != nil {
							yield(VolumeRecord{}, err)
							return
						}
						names[v.InstanceID] = name
					}
					v.InstanceName = name
				}
				v.VolumeName = VolumeName(v.Tags)

				if !yield(v, nil) {
					return
				}
				yielded++
				if s.limit > 0 && yielded >= s.limit {
					s.logger.Info("inventory_limit_reached", "limit", s.limit)
					return
				}
			}

			if next == "" {
				return
			}
			token = next
			page++
		}
	}
}

// Collect drains a scan into a slice.
func (s *Scanner) Collect(ctx context.Context) ([]VolumeRecord, error) {
	var out []VolumeRecord
	for v, err := range s.Scan(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	s.logger.Info("inventory_scan_complete", "candidates", len(out))
	return out, nil
}

func (s *Scanner) instanceName(ctx context.Context, instanceID string) (string, error) {
	inst, err := s.cloud.DescribeInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			s.logger.Warn("inventory_instance_not_found", "instance_id", instanceID)
			return UnknownInstanceName, nil
		}
		return "", errors.Wrap(err, "describe instance "+instanceID)
	}
	return InstanceName(inst.Tags), nil
}

// GroupByInstance groups records per instance, keeping first-seen order.
func GroupByInstance(records []VolumeRecord) []InstanceGroup {
	var groups []InstanceGroup
	index := make(map[string]int)
	for _, v := range records {
		i, ok := index[v.InstanceID]
		if !ok {
			name := v.InstanceName
			if name == "" {
				name = UnknownInstanceName
			}
			groups = append(groups, InstanceGroup{InstanceID: v.InstanceID, InstanceName: name})
			i = len(groups) - 1
			index[v.InstanceID] = i
		}
		groups[i].Volumes = append(groups[i].Volumes, v)
	}
	return groups
}
