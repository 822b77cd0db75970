// Package poll waits for asynchronous cloud resources to settle.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

// Status classifies a single observation of a resource.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Config bounds a wait.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// CheckFunc observes the resource once and returns its classification and
// the raw status string reported by the provider.
type CheckFunc func(ctx context.Context) (Status, string, error)

var errPending = errors.New("resource still pending")

// Until calls check every cfg.Interval until it reports Succeeded. A Failed
// observation returns ErrTerminalState, running past cfg.Timeout returns
// ErrTimeout, and an error from check is returned as-is without retrying.
func Until(ctx context.Context, cfg Config, what string, check CheckFunc) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	deadline := time.Now().Add(cfg.Timeout)
	last := ""

	op := func() error {
		status, observed, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = observed

		switch status {
		case Succeeded:
			return nil
		case Failed:
			return backoff.Permanent(fmt.Errorf("%s is %q: %w", what, observed, errors.ErrTerminalState))
		}
		if cfg.Timeout > 0 && !time.Now().Before(deadline) {
			return backoff.Permanent(fmt.Errorf("%s still %q after %s: %w", what, observed, cfg.Timeout, errors.ErrTimeout))
		}
		return errPending
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(cfg.Interval), ctx))
	if err != nil && ctx.Err() != nil && (errors.Is(err, ctx.Err()) || errors.Is(err, errPending)) {
		return fmt.Errorf("%s still %q: %w", what, last, ctx.Err())
	}
	return err
}
