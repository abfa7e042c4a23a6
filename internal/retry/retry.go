package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy describes a bounded retry with exponential backoff. Zero values are
// usable: a single attempt with no delay.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so Do gives up immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs op until it succeeds, the policy is exhausted, the error is marked
// permanent, or ctx is done. The backoff doubles between attempts up to
// MaxBackoff. The last error is returned.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = op()
		if err == nil {
			return nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		log.Debug().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return err
}
