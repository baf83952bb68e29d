package util

import (
	"context"
)

// RetryUntilSuccess calls performAction until it returns nil or ctx is done. onError is called after each
// failure and is expected to back off.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := performAction()
			if err == nil {
				return
			} else {
				onError(err)
			}
		}
	}
}
