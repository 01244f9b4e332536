// Package enforcer runs the periodic quota enforcement loop: sample
// downlink traffic for every active account, fold it into the usage
// files, and remove accounts that crossed their limit.
package enforcer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/metrics"
	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/storage"
	"github.com/farelvpn/autoscript/pkg/system"
	"github.com/farelvpn/autoscript/pkg/xrayconf"
)

// UsageSampler folds fresh downlink traffic into the usage file and
// returns the folded delta.
type UsageSampler interface {
	Sample(ctx context.Context, proto models.Protocol, username string) int64
}

// Evictor removes one over-quota account from the files and the
// config document.
type Evictor interface {
	Evict(ctx context.Context, proto models.Protocol, username string, usageBytes, limitBytes int64) error
}

// Enforcer drives the enforcement passes.
type Enforcer struct {
	store    storage.AccountStore
	document *xrayconf.DocumentStore
	sampler  UsageSampler
	evictor  Evictor
	reloader system.Reloader
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *zap.Logger

	// set when evictions changed the document but the reload failed;
	// the next pass retries the reload even without new evictions
	pendingReload bool

	wg sync.WaitGroup
}

func New(store storage.AccountStore, document *xrayconf.DocumentStore, sampler UsageSampler,
	evictor Evictor, reloader system.Reloader, m *metrics.Metrics,
	interval time.Duration, logger *zap.Logger) *Enforcer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Enforcer{
		store:    store,
		document: document,
		sampler:  sampler,
		evictor:  evictor,
		reloader: reloader,
		metrics:  m,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the enforcement loop until the context is cancelled.
func (e *Enforcer) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		e.logger.Info("Starting quota enforcement loop", zap.Duration("interval", e.interval))
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("Stopping quota enforcement loop")
				return
			case <-ticker.C:
				if err := e.RunPass(ctx); err != nil {
					e.logger.Error("Enforcement pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until the loop goroutine has exited.
func (e *Enforcer) Wait() {
	e.wg.Wait()
}

// RunPass executes one enforcement pass over every active account.
// At most one service reload is issued per pass, after all evictions.
func (e *Enforcer) RunPass(ctx context.Context) error {
	users, err := e.document.ActiveUsers()
	if err != nil {
		return err
	}

	evicted := false
	for _, proto := range models.Protocols() {
		for _, username := range users {
			limit, hasLimit, err := e.store.LimitBytes(proto, username)
			if err != nil {
				e.logger.Warn("Failed to read limit",
					zap.String("protocol", proto.String()),
					zap.String("username", username),
					zap.Error(err))
				continue
			}
			if !hasLimit {
				continue
			}

			delta := e.sampler.Sample(ctx, proto, username)
			if e.metrics != nil && delta > 0 {
				e.metrics.SampledBytes.WithLabelValues(proto.String()).Add(float64(delta))
			}

			usage, ok, err := e.store.UsageBytes(proto, username)
			if err != nil {
				e.logger.Warn("Failed to read usage",
					zap.String("protocol", proto.String()),
					zap.String("username", username),
					zap.Error(err))
				continue
			}
			if !ok || limit <= 0 || usage < limit {
				continue
			}

			if err := e.evictor.Evict(ctx, proto, username, usage, limit); err != nil {
				e.logger.Error("Failed to evict account",
					zap.String("protocol", proto.String()),
					zap.String("username", username),
					zap.Error(err))
				continue
			}
			evicted = true
			if e.metrics != nil {
				e.metrics.Evictions.WithLabelValues(proto.String()).Inc()
			}
		}
	}

	if evicted || e.pendingReload {
		if err := e.reloader.Reload(ctx); err != nil {
			e.pendingReload = true
			if e.metrics != nil {
				e.metrics.ReloadFailures.Inc()
			}
			return err
		}
		e.pendingReload = false
		if e.metrics != nil {
			e.metrics.Reloads.Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.EnforcementPasses.Inc()
	}
	return nil
}
