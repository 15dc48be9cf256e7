package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"unitrade/internal/config"
	"unitrade/internal/model"
)

const (
	productA = "65a1f0c2b3d4e5f6a7b8c9d0"
	productB = "65a1f0c2b3d4e5f6a7b8c9d1"
	missing  = "000000000000000000000000"
)

func newSQLiteForTest(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "unitrade.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	return store
}

func seed(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	products := []model.Product{
		{ID: productA, Title: "Calculus textbook", Price: 25, Category: "books", Condition: "used",
			Location: " North Campus ", CreatedAt: base},
		{ID: productB, Title: "Desk lamp", Description: "LED, 100% working", Price: 12.5, Category: "dorm",
			Condition: "new", Location: "Library", Views: 4, CreatedAt: base.Add(time.Minute)},
	}
	for _, p := range products {
		if err := store.CreateProduct(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
}

func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store)

	p, err := store.GetProduct(ctx, productA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Title != "Calculus textbook" || p.Category != "books" || p.Views != 0 {
		t.Fatalf("unexpected product: %+v", p)
	}
	if _, err := store.GetProduct(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListProducts(ctx, ProductFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != productB {
		t.Fatalf("list order: %+v", list)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementViews(ctx, productA)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("views=%d want %d", got, want)
		}
	}
	views, err := store.GetViews(ctx, productA)
	if err != nil || views != 3 {
		t.Fatalf("views=%d err=%v", views, err)
	}
	if _, err := store.IncrementViews(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on increment, got %v", err)
	}
	if _, err := store.GetViews(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on read, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLiteForTest(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{"sqlite": newSQLiteForTest(t), "memory": NewMemory()}
}

func ids(list []model.Product) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func TestListProductsFilters(t *testing.T) {
	price := func(v float64) *float64 { return &v }
	yes, no := true, false
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			ctx := context.Background()
			if _, err := store.SetSold(ctx, productB, true); err != nil {
				t.Fatalf("set sold: %v", err)
			}
			cases := []struct {
				name   string
				filter ProductFilter
				want   []string
			}{
				{"all", ProductFilter{}, []string{productB, productA}},
				{"category", ProductFilter{Category: "books"}, []string{productA}},
				{"condition", ProductFilter{Condition: "new"}, []string{productB}},
				{"location substring", ProductFilter{Location: "north"}, []string{productA}},
				{"query title", ProductFilter{Query: "CALCULUS"}, []string{productA}},
				{"query location", ProductFilter{Query: "libr"}, []string{productB}},
				{"query literal percent", ProductFilter{Query: "100%"}, []string{productB}},
				{"query wildcard is literal", ProductFilter{Query: "_"}, nil},
				{"min price", ProductFilter{MinPrice: price(20)}, []string{productA}},
				{"max price", ProductFilter{MaxPrice: price(12.5)}, []string{productB}},
				{"price range empty", ProductFilter{MinPrice: price(13), MaxPrice: price(20)}, nil},
				{"sold", ProductFilter{Sold: &yes}, []string{productB}},
				{"unsold", ProductFilter{Sold: &no}, []string{productA}},
				{"limit", ProductFilter{Limit: 1}, []string{productB}},
			}
			for _, tc := range cases {
				list, err := store.ListProducts(ctx, tc.filter)
				if err != nil {
					t.Fatalf("%s: %v", tc.name, err)
				}
				got := ids(list)
				if len(got) != len(tc.want) {
					t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
				}
				for i := range got {
					if got[i] != tc.want[i] {
						t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
					}
				}
			}
		})
	}
}

func TestCountsAndLocations(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			ctx := context.Background()
			extra := model.Product{ID: "65a1f0c2b3d4e5f6a7b8c9d2", Title: "Mini fridge", Location: "north campus",
				CreatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}
			if err := store.CreateProduct(ctx, extra); err != nil {
				t.Fatalf("create: %v", err)
			}
			p, err := store.SetSold(ctx, productB, true)
			if err != nil || !p.Sold {
				t.Fatalf("set sold: %+v err=%v", p, err)
			}
			c, err := store.CountProducts(ctx)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if c.Count != 3 || c.Sold != 1 || c.Available != 2 {
				t.Fatalf("counts: %+v", c)
			}
			locs, err := store.Locations(ctx)
			if err != nil {
				t.Fatalf("locations: %v", err)
			}
			if len(locs) != 2 || locs[0] != "North Campus" || locs[1] != "north campus" {
				t.Fatalf("locations: %v", locs)
			}
			if _, err := store.SetSold(ctx, missing, true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("set sold missing: %v", err)
			}
		})
	}
}

func TestDeleteProduct(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			ctx := context.Background()
			if err := store.DeleteProduct(ctx, productA); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.GetProduct(ctx, productA); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete: %v", err)
			}
			if _, err := store.IncrementViews(ctx, productA); !errors.Is(err, ErrNotFound) {
				t.Fatalf("increment after delete: %v", err)
			}
			if err := store.DeleteProduct(ctx, productA); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete: %v", err)
			}
		})
	}
}

func TestDuplicateID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			err := store.CreateProduct(context.Background(), model.Product{ID: productA, Title: "again"})
			if !errors.Is(err, ErrDuplicateID) {
				t.Fatalf("expected ErrDuplicateID, got %v", err)
			}
		})
	}
}

func TestBreakerIgnoresDuplicateID(t *testing.T) {
	inner := newSQLiteForTest(t)
	seed(t, inner)
	store := WithBreaker(inner, config.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 4; i++ {
		err := store.CreateProduct(context.Background(), model.Product{ID: productA, Title: "again"})
		if !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("attempt %d: expected ErrDuplicateID, got %v", i, err)
		}
	}
	if state := store.(*breakerStore).State().String(); state != "closed" {
		t.Fatalf("breaker state %s", state)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.IncrementViews(context.Background(), productA); err != nil {
						t.Errorf("increment: %v", err)
					}
				}()
			}
			wg.Wait()
			views, err := store.GetViews(context.Background(), productA)
			if err != nil || views != 20 {
				t.Fatalf("views=%d err=%v", views, err)
			}
		})
	}
}

func TestOpenMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	store, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*breakerStore); !ok {
		t.Fatalf("expected breaker wrapper, got %T", store)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "mongo"
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error")
	}
}

type flakyStore struct {
	Store
	fail bool
}

func (f *flakyStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	if f.fail {
		return 0, errors.New("connection reset")
	}
	return f.Store.IncrementViews(ctx, id)
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	store := WithBreaker(NewMemory(), config.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		if _, err := store.IncrementViews(context.Background(), missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if _, err := store.GetViews(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("breaker tripped on not-found: %v", err)
	}
}

func TestBreakerOpensOnFailures(t *testing.T) {
	inner := &flakyStore{Store: NewMemory(), fail: true}
	seed(t, inner)
	store := WithBreaker(inner, config.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 2; i++ {
		_, err := store.IncrementViews(context.Background(), productA)
		if err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected raw failure before trip, got %v", err)
		}
	}
	inner.fail = false
	if _, err := store.IncrementViews(context.Background(), productA); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while open, got %v", err)
	}
	if state := store.(*breakerStore).State().String(); state != "open" {
		t.Fatalf("breaker state %s", state)
	}
}
