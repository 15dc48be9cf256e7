package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"unitrade/internal/config"
	"unitrade/internal/model"
)

type breakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker trips after consecutive infrastructure failures. ErrNotFound
// is a normal answer and never counts against the breaker.
func WithBreaker(store Store, cfg config.BreakerConfig, logger *slog.Logger) Store {
	fails := cfg.ConsecutiveFailures
	if fails == 0 {
		fails = 5
	}
	settings := gobreaker.Settings{
		Name:     "product-store",
		Interval: cfg.Interval,
		Timeout:  cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateID) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &breakerStore{Store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *breakerStore) CreateProduct(ctx context.Context, p model.Product) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.Store.CreateProduct(ctx, p)
	})
	return err
}

func (b *breakerStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.GetProduct(ctx, id)
	})
	if err != nil {
		return model.Product{}, err
	}
	return res.(model.Product), nil
}

func (b *breakerStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.ListProducts(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.Product), nil
}

func (b *breakerStore) CountProducts(ctx context.Context) (model.ProductCounts, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.CountProducts(ctx)
	})
	if err != nil {
		return model.ProductCounts{}, err
	}
	return res.(model.ProductCounts), nil
}

func (b *breakerStore) Locations(ctx context.Context) ([]string, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.Locations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (b *breakerStore) SetSold(ctx context.Context, id string, sold bool) (model.Product, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.SetSold(ctx, id, sold)
	})
	if err != nil {
		return model.Product{}, err
	}
	return res.(model.Product), nil
}

func (b *breakerStore) DeleteProduct(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.Store.DeleteProduct(ctx, id)
	})
	return err
}

func (b *breakerStore) GetViews(ctx context.Context, id string) (int64, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.GetViews(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (b *breakerStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	res, err := b.execute(func() (any, error) {
		return b.Store.IncrementViews(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (b *breakerStore) execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}
