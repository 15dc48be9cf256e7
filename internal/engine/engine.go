package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"unitrade/internal/activity"
	"unitrade/internal/config"
	"unitrade/internal/events"
	"unitrade/internal/metrics"
	"unitrade/internal/model"
	"unitrade/internal/normalize"
	"unitrade/internal/storage"
	"unitrade/internal/viewcache"
)

var (
	ErrInvalidProductID = normalize.ErrInvalidProductID
	ErrNotFound         = errors.New("product not found")
	ErrStore            = errors.New("view store failure")
)

// Counter is the slice of storage.Store the engine needs.
type Counter interface {
	GetViews(ctx context.Context, id string) (int64, error)
	IncrementViews(ctx context.Context, id string) (int64, error)
}

type Engine struct {
	logger    *slog.Logger
	cache     *viewcache.Cache
	counter   Counter
	stats     *metrics.Store
	collector *metrics.Collector
	activity  *activity.Store
	publisher events.Publisher
	reads     singleflight.Group
	now       func() time.Time
}

type Deps struct {
	Logger    *slog.Logger
	Cache     *viewcache.Cache
	Counter   Counter
	Stats     *metrics.Store
	Collector *metrics.Collector
	Activity  *activity.Store
	Publisher events.Publisher
	Clock     func() time.Time
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:    deps.Logger,
		cache:     deps.Cache,
		counter:   deps.Counter,
		stats:     deps.Stats,
		collector: deps.Collector,
		activity:  deps.Activity,
		publisher: deps.Publisher,
		now:       deps.Clock,
	}
	if e.cache == nil {
		e.cache = viewcache.New(
			viewcache.WithWindows(cfg.Views.SuppressionWindow, cfg.Views.RetentionWindow),
			viewcache.WithSweepInterval(cfg.Views.SweepInterval),
		)
	}
	if e.stats == nil {
		e.stats = metrics.NewStore(cfg.Stats.StoreLimit)
	}
	if e.activity == nil {
		e.activity = activity.NewStore(cfg.Activity.StoreLimit)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if !e.cache.SetWindows(cfg.Views.SuppressionWindow, cfg.Views.RetentionWindow) && e.logger != nil {
		e.logger.Warn("ignoring invalid view windows",
			"suppression_window", cfg.Views.SuppressionWindow.String(),
			"retention_window", cfg.Views.RetentionWindow.String(),
		)
	}
	if !e.cache.SetSweepInterval(cfg.Views.SweepInterval) && e.logger != nil {
		e.logger.Warn("ignoring invalid sweep interval", "sweep_interval", cfg.Views.SweepInterval.String())
	}
}

func (e *Engine) Cache() *viewcache.Cache {
	return e.cache
}

func (e *Engine) Stats() *metrics.Store {
	return e.stats
}

func (e *Engine) Activity() *activity.Store {
	return e.activity
}

// RecordView counts one view of productID by clientID unless the same
// client was counted within the suppression window. The fingerprint is only
// marked after the store confirms the increment, so failed increments are
// retried on the next request. Two concurrent first views from one client
// can both be counted.
func (e *Engine) RecordView(ctx context.Context, clientID, rawProductID string) (model.ViewResult, error) {
	productID, err := normalize.ProductID(rawProductID)
	if err != nil {
		return model.ViewResult{}, err
	}
	key := normalize.Fingerprint(clientID, productID)

	if e.cache.HasRecentlyViewed(key) {
		views, err := e.currentViews(ctx, productID)
		if err != nil {
			return model.ViewResult{}, e.storeError("read", productID, err)
		}
		e.stats.RecordSuppressed(productID)
		e.collector.ViewSuppressed()
		return model.ViewResult{Counted: false, Views: views}, nil
	}

	views, err := e.counter.IncrementViews(ctx, productID)
	if err != nil {
		return model.ViewResult{}, e.storeError("increment", productID, err)
	}
	e.cache.MarkViewed(key)
	e.stats.RecordCounted(productID)
	e.collector.ViewCounted()

	ev := model.ViewEvent{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		ProductID: productID,
		ClientID:  clientID,
		Views:     views,
	}
	e.activity.Add(ev)
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
	if e.logger != nil {
		e.logger.Debug("view counted", "product_id", productID, "client_id", clientID, "views", views)
	}
	return model.ViewResult{Counted: true, Views: views}, nil
}

// currentViews collapses concurrent counter reads for the same product. The
// shared read ignores the first caller's cancellation so one disconnecting
// client cannot fail the others waiting on it.
func (e *Engine) currentViews(ctx context.Context, productID string) (int64, error) {
	shared := context.WithoutCancel(ctx)
	ch := e.reads.DoChan(productID, func() (any, error) {
		return e.counter.GetViews(shared, productID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (e *Engine) storeError(op, productID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		e.collector.StoreError("not_found")
		return fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s %s: %w", ErrStore, op, productID, err)
	}
	e.collector.StoreError("transient")
	if e.logger != nil {
		e.logger.Error("view store failure", "op", op, "product_id", productID, "err", err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrStore, op, productID, err)
}

func (e *Engine) Reset() {
	e.stats.Clear()
	e.activity.Clear()
}
