package stats

import (
	"context"

	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/storage"
	"go.uber.org/zap"
)

// Sampler reads one account's traffic counter, folds any new bytes into the
// account's usage file and then resets the remote counter. Resetting only
// after the fold means a crash in between under-counts instead of losing
// the delta twice over; skipping the reset when the fold fails means the
// same bytes are simply picked up on the next cycle.
type Sampler struct {
	store  storage.AccountStore
	client Client
	logger *zap.Logger
}

// NewSampler creates a Sampler over the given store and accounting client.
func NewSampler(store storage.AccountStore, client Client, logger *zap.Logger) *Sampler {
	return &Sampler{store: store, client: client, logger: logger}
}

// Sample performs one sampling step for an account and returns the delta
// that was folded into the usage file. Any query failure counts as "no new
// traffic this cycle" and returns 0; it is never an error.
func (s *Sampler) Sample(ctx context.Context, proto models.Protocol, username string) int64 {
	delta, err := s.client.QueryDownlink(ctx, username)
	if err != nil {
		s.logger.Warn("Traffic query failed, treating as zero delta",
			zap.String("protocol", proto.String()),
			zap.String("username", username),
			zap.Error(err))
		return 0
	}
	if delta <= 0 {
		return 0
	}

	total, err := s.store.AddUsage(proto, username, delta)
	if err != nil {
		// The counter was not reset, so these bytes are not lost; the next
		// cycle reads them again.
		s.logger.Error("Failed to accumulate usage",
			zap.String("protocol", proto.String()),
			zap.String("username", username),
			zap.Int64("delta", delta),
			zap.Error(err))
		return 0
	}

	if err := s.client.ResetDownlink(ctx, username); err != nil {
		// The delta is already folded in; a failed reset means the same
		// bytes may be counted again next cycle.
		s.logger.Warn("Failed to reset traffic counter",
			zap.String("protocol", proto.String()),
			zap.String("username", username),
			zap.Error(err))
	}

	s.logger.Debug("Usage sampled",
		zap.String("protocol", proto.String()),
		zap.String("username", username),
		zap.Int64("delta", delta),
		zap.Int64("total", total))

	return delta
}
