package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/rs/zerolog/log"
)

// verify polls url until it answers 200 or the attempts run out. Errors
// from single attempts are retried, never propagated.
func (c *Client) verify(ctx context.Context, url string, payload any) error {
	if c.verifyAttempts <= 0 {
		return nil
	}
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		status, err := c.post(ctx, url, payload, nil)
		if err != nil {
			return struct{}{}, err
		}
		if status != http.StatusOK {
			return struct{}{}, fmt.Errorf("verify: status %d", status)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.verifyInterval)),
		backoff.WithMaxTries(uint(c.verifyAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Str("module", "admission").Err(err).Dur("next", next).Msg("verify retry")
		}),
	)
	if err != nil {
		return &domain.VerificationTimeout{Attempts: attempts, Err: err}
	}
	log.Info().Str("module", "admission").Int("attempts", attempts).Msg("payment verified")
	return nil
}
