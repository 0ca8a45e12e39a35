package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// callCatalog runs fn bounded by d.  The caller is released when the
// deadline passes even if fn ignores its context; fn then finishes in the
// background and its result is dropped.
func callCatalog(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(ErrCollaboratorTimeout, err.Error())
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrCollaboratorTimeout, "no answer within %s", d)
		}
		return ctx.Err()
	}
}
