package dbconn

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/tablesync/tablesync/pkg/synerr"
)

// RetryableExec runs fn up to cfg.MaxRetries times with bounded exponential
// backoff (spec §4.6 policy 2: "retry with exponential backoff, capped").
// fn should return a *synerr.TransientError for errors worth retrying;
// any other error aborts immediately.
func RetryableExec(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	boWithCtx := backoff.WithContext(bo, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !synerr.Transient(err) {
			return backoff.Permanent(err)
		}
		if attempt >= cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, boWithCtx)
}
