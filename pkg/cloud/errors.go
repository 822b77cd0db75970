package cloud

import (
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
)

// classify wraps an SDK error with op and, when the provider's error code
// maps onto one of our sentinels, with that sentinel too.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "UnsupportedOperation":
			return fmt.Errorf("%s: %w: %w", op, errors.ErrUnsupportedOperation, err)
		case strings.HasSuffix(code, ".NotFound"):
			return fmt.Errorf("%s: %w: %w", op, errors.ErrNotFound, err)
		}
	}
	return errors.Wrap(err, op)
}
