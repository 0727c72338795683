package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
)

// Common errors
var (
	ErrNilClient    = errors.New("provider client cannot be nil")
	ErrNilKeySource = errors.New("key source cannot be nil")
	ErrNilTask      = errors.New("task cannot be nil")
)

// KeySource returns the natural keys already stored for a product.
type KeySource interface {
	SeenKeys(ctx context.Context, key domain.EntityKey) (map[string]struct{}, error)
}

// CallObserver is notified after every provider call. kind is empty for a
// successful call.
type CallObserver interface {
	ObserveCall(variant domain.StarFilter, kind provider.Kind, elapsed time.Duration)
}

// Hooks are invoked around every provider call of a harvest.
type Hooks struct {
	// OnStart receives the remote handle once the provider accepted a call.
	OnStart provider.StartFunc
	// OnDone runs after a call returned, successfully or not.
	OnDone func(ctx context.Context)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Harvester.
type Option func(*Harvester)

// WithSleep replaces the inter-call sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(h *Harvester) { h.sleep = sleep }
}

// WithObserver registers a CallObserver.
func WithObserver(o CallObserver) Option {
	return func(h *Harvester) { h.observer = o }
}

// WithClock replaces time.Now for call timing.
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) { h.now = now }
}

// Harvester fans one task out into one provider call per filter variant
// and merges the results. Calls are strictly sequential.
type Harvester struct {
	client   provider.Client
	keys     KeySource
	sleep    SleepFunc
	observer CallObserver
	now      func() time.Time
	logger   *slog.Logger
}

// NewHarvester creates a Harvester.
func NewHarvester(client provider.Client, keys KeySource, logger *slog.Logger, opts ...Option) (*Harvester, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if keys == nil {
		return nil, ErrNilKeySource
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harvester{
		client: client,
		keys:   keys,
		sleep:  sleepContext,
		now:    time.Now,
		logger: logger.With("component", "harvester"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Harvest calls the provider once per variant of cfg, waiting cfg.CallDelay
// between calls but not after the last one. Variant failures are recorded
// in the result, never returned. The error is non-nil only when the seen
// keys could not be loaded or ctx ended before every variant was tried; the
// partial result is returned alongside a context error.
func (h *Harvester) Harvest(
	ctx context.Context,
	task *domain.Task,
	cfg domain.JobConfig,
	hooks Hooks,
) (*MergeResult, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	log := h.logger.With("task_id", task.ID, "work_unit", task.WorkUnit)

	seen, err := h.keys.SeenKeys(ctx, domain.EntityKey{WorkUnit: task.WorkUnit, Marketplace: cfg.Marketplace})
	if err != nil {
		return nil, fmt.Errorf("failed to load seen keys: %w", err)
	}
	m := NewMerger(seen)

	for i, variant := range cfg.Variants() {
		if i > 0 && cfg.CallDelay > 0 {
			if err := h.sleep(ctx, cfg.CallDelay); err != nil {
				return m.Result(), err
			}
		}
		if err := ctx.Err(); err != nil {
			return m.Result(), err
		}

		req := provider.Request{
			WorkUnit:      task.WorkUnit,
			Variant:       variant,
			MaxPages:      cfg.MaxPages,
			Marketplace:   cfg.Marketplace,
			SortBy:        cfg.SortBy,
			KeywordFilter: cfg.KeywordFilter,
			ReviewerType:  cfg.ReviewerType,
		}

		var handle string
		start := h.now()
		page, err := h.client.FetchReviews(ctx, req, func(ctx context.Context, hd string) {
			handle = hd
			if hooks.OnStart != nil {
				hooks.OnStart(ctx, hd)
			}
		})
		elapsed := h.now().Sub(start)
		if hooks.OnDone != nil {
			hooks.OnDone(ctx)
		}

		if err != nil {
			kind := provider.KindOf(err)
			h.observe(variant, kind, elapsed)
			m.Fail(variant, handle, err)
			log.Warn("variant call failed",
				"variant", variant,
				"kind", kind,
				"error", err)
			continue
		}

		h.observe(variant, "", elapsed)
		if page == nil {
			page = &provider.Page{Handle: handle}
		}
		out := m.Add(variant, page.Handle, page.Items)
		log.Debug("variant call succeeded",
			"variant", variant,
			"fetched", out.Fetched,
			"kept", out.Kept,
			"dropped", out.Dropped)
	}

	return m.Result(), nil
}

func (h *Harvester) observe(variant domain.StarFilter, kind provider.Kind, elapsed time.Duration) {
	if h.observer != nil {
		h.observer.ObserveCall(variant, kind, elapsed)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
