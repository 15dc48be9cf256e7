package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"unitrade/internal/config"
	"unitrade/internal/model"
)

var (
	ErrNotFound    = errors.New("product not found")
	ErrDuplicateID = errors.New("product id already exists")
	ErrUnavailable = errors.New("store unavailable")
)

// Store owns the authoritative product records and their view counters.
type Store interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	CreateProduct(ctx context.Context, p model.Product) error
	GetProduct(ctx context.Context, id string) (model.Product, error)
	// ListProducts returns matching products, newest first.
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)
	CountProducts(ctx context.Context) (model.ProductCounts, error)
	// Locations returns the distinct trimmed, non-empty locations of unsold products, sorted.
	Locations(ctx context.Context) ([]string, error)
	SetSold(ctx context.Context, id string, sold bool) (model.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	GetViews(ctx context.Context, id string) (int64, error)
	// IncrementViews adds one to the counter in a single statement and returns the new value.
	IncrementViews(ctx context.Context, id string) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Open builds the configured store, waits for it to answer and creates the
// schema, then puts it behind a circuit breaker when enabled.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	store, err := NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.Storage.ConnectTimeout
	retries := cfg.Storage.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := store.Ping(ctx); err != nil {
			if logger != nil {
				logger.Warn("storage not ready", "driver", cfg.Storage.Driver, "attempt", attempt, "err", err)
			}
			return err
		}
		if err := store.Init(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	if logger != nil {
		logger.Info("storage ready", "driver", cfg.Storage.Driver, "attempts", attempt)
	}
	if cfg.Breaker.Enabled {
		store = WithBreaker(store, cfg.Breaker, logger)
	}
	return store, nil
}

const productColumns = `id, title, description, price, category, condition, location, sold, views, created_at`

type baseStore struct {
	db *sql.DB
	// bind renders the n-th (1-based) placeholder for the driver.
	bind func(n int) string
	// isDuplicate reports whether err is a primary key violation.
	isDuplicate func(error) bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	if b.db == nil {
		return errors.New("database not opened")
	}
	return b.db.PingContext(ctx)
}

func (b *baseStore) CreateProduct(ctx context.Context, p model.Product) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES (`+b.placeholders(10)+`)`,
		p.ID,
		p.Title,
		p.Description,
		p.Price,
		p.Category,
		p.Condition,
		p.Location,
		p.Sold,
		p.Views,
		toMillis(p.CreatedAt),
	)
	if err != nil && b.isDuplicate != nil && b.isDuplicate(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	return err
}

func (b *baseStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = `+b.bind(1), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, ErrNotFound
	}
	return p, err
}

func (b *baseStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	where, args := filter.where(b.bind, 1)
	args = append(args, filter.limit())
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products`+where+`
		ORDER BY created_at DESC, id LIMIT `+b.bind(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *baseStore) CountProducts(ctx context.Context) (model.ProductCounts, error) {
	var c model.ProductCounts
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN sold THEN 1 ELSE 0 END), 0) FROM products`).Scan(&c.Count, &c.Sold)
	if err != nil {
		return model.ProductCounts{}, err
	}
	c.Available = c.Count - c.Sold
	return c, nil
}

func (b *baseStore) Locations(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT TRIM(location) FROM products WHERE sold = `+b.bind(1)+` AND TRIM(location) <> ''`, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *baseStore) SetSold(ctx context.Context, id string, sold bool) (model.Product, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE products SET sold = `+b.bind(1)+` WHERE id = `+b.bind(2), sold, id)
	if err != nil {
		return model.Product{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Product{}, ErrNotFound
	}
	return b.GetProduct(ctx, id)
}

func (b *baseStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM products WHERE id = `+b.bind(1), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) GetViews(ctx context.Context, id string) (int64, error) {
	var views int64
	err := b.db.QueryRowContext(ctx, `SELECT views FROM products WHERE id = `+b.bind(1), id).Scan(&views)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return views, err
}

func (b *baseStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	var views int64
	err := b.db.QueryRowContext(ctx,
		`UPDATE products SET views = views + 1 WHERE id = `+b.bind(1)+` RETURNING views`, id).Scan(&views)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return views, err
}

func (b *baseStore) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (model.Product, error) {
	var p model.Product
	var created int64
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.Category,
		&p.Condition, &p.Location, &p.Sold, &p.Views, &created); err != nil {
		return model.Product{}, err
	}
	p.CreatedAt = fromMillis(created)
	return p, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = nowUTC()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
