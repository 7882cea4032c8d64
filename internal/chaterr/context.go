package chaterr

import (
	"context"
	"errors"
)

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// FromContext converts a finished context's error into a classified error.
// A deadline becomes KindTimeout, a cancellation KindTransport.
func FromContext(ctx context.Context, op string) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, op+" timed out", err)
	default:
		return Wrap(KindTransport, op+" cancelled", err)
	}
}
