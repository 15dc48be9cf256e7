package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"unitrade/internal/config"
	"unitrade/internal/events"
	"unitrade/internal/model"
	"unitrade/internal/normalize"
	"unitrade/internal/storage"
	"unitrade/internal/viewcache"
)

const (
	productP1 = "65a1f0c2b3d4e5f6a7b8c9d0"
	missingID = "000000000000000000000000"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type flakyCounter struct {
	Counter
	fail bool
}

func (f *flakyCounter) IncrementViews(ctx context.Context, id string) (int64, error) {
	if f.fail {
		return 0, errors.New("connection refused")
	}
	return f.Counter.IncrementViews(ctx, id)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []model.ViewEvent
}

func (c *capturePublisher) Publish(ev model.ViewEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

var _ events.Publisher = (*capturePublisher)(nil)

type harness struct {
	engine    *Engine
	clock     *fakeClock
	store     storage.Store
	counter   *flakyCounter
	published *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	if err := store.CreateProduct(context.Background(), model.Product{ID: productP1, Title: "Used bike"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	counter := &flakyCounter{Counter: store}
	published := &capturePublisher{}
	cache := viewcache.New(viewcache.WithClock(clock.Now), viewcache.WithSweepInterval(0))
	eng := NewEngine(config.DefaultConfig(), Deps{
		Cache:     cache,
		Counter:   counter,
		Publisher: published,
		Clock:     clock.Now,
	})
	return &harness{engine: eng, clock: clock, store: store, counter: counter, published: published}
}

func (h *harness) view(t *testing.T, client string) model.ViewResult {
	t.Helper()
	res, err := h.engine.RecordView(context.Background(), client, productP1)
	if err != nil {
		t.Fatalf("record view: %v", err)
	}
	return res
}

func TestViewScenario(t *testing.T) {
	h := newHarness(t)

	if res := h.view(t, "1.2.3.4"); !res.Counted || res.Views != 1 {
		t.Fatalf("t=0: %+v", res)
	}
	h.clock.Advance(5 * time.Minute)
	if res := h.view(t, "1.2.3.4"); res.Counted || res.Views != 1 {
		t.Fatalf("t=5m: %+v", res)
	}
	h.clock.Advance(26 * time.Minute)
	if res := h.view(t, "5.6.7.8"); !res.Counted || res.Views != 2 {
		t.Fatalf("other client t=31m: %+v", res)
	}
	if res := h.view(t, "1.2.3.4"); !res.Counted || res.Views != 3 {
		t.Fatalf("t=31m: %+v", res)
	}

	st, ok := h.engine.Stats().Get(productP1)
	if !ok || st.Counted != 3 || st.Suppressed != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if n := h.engine.Activity().Len(); n != 3 {
		t.Fatalf("activity len=%d", n)
	}
	if len(h.published.events) != 3 {
		t.Fatalf("published=%d", len(h.published.events))
	}
	if ev := h.published.events[0]; ev.ClientID != "1.2.3.4" || ev.Views != 1 || ev.ID == "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSuppressedViewReadsCurrentCounter(t *testing.T) {
	h := newHarness(t)
	h.view(t, "1.2.3.4")
	// Another process bumped the counter in the meantime.
	if _, err := h.store.IncrementViews(context.Background(), productP1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res := h.view(t, "1.2.3.4"); res.Counted || res.Views != 2 {
		t.Fatalf("suppressed view should report stored counter: %+v", res)
	}
}

func TestUnknownProductNotMarked(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RecordView(context.Background(), "1.2.3.4", missingID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.engine.Cache().HasRecentlyViewed(normalize.Fingerprint("1.2.3.4", missingID)) {
		t.Fatalf("unknown product was marked")
	}
	if h.engine.Activity().Len() != 0 {
		t.Fatalf("activity recorded for unknown product")
	}
}

func TestMalformedProductID(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RecordView(context.Background(), "1.2.3.4", "P1")
	if !errors.Is(err, ErrInvalidProductID) {
		t.Fatalf("expected ErrInvalidProductID, got %v", err)
	}
	if h.engine.Cache().Len() != 0 {
		t.Fatalf("cache touched for malformed id")
	}
}

func TestStoreFailureDoesNotSuppressRetry(t *testing.T) {
	h := newHarness(t)
	h.counter.fail = true
	_, err := h.engine.RecordView(context.Background(), "1.2.3.4", productP1)
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("transient failure reported as not found")
	}
	h.counter.fail = false
	if res := h.view(t, "1.2.3.4"); !res.Counted || res.Views != 1 {
		t.Fatalf("retry after failure: %+v", res)
	}
}

func TestProductIDNormalized(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.RecordView(context.Background(), "1.2.3.4", " 65A1F0C2B3D4E5F6A7B8C9D0 ")
	if err != nil || !res.Counted {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res := h.view(t, "1.2.3.4"); res.Counted {
		t.Fatalf("case variant of id should share fingerprint")
	}
}

func TestUpdateConfigAppliesWindows(t *testing.T) {
	h := newHarness(t)
	cfg := config.DefaultConfig()
	cfg.Views.SuppressionWindow = time.Minute
	cfg.Views.RetentionWindow = 2 * time.Minute
	h.engine.UpdateConfig(cfg)

	h.view(t, "1.2.3.4")
	h.clock.Advance(61 * time.Second)
	if res := h.view(t, "1.2.3.4"); !res.Counted {
		t.Fatalf("shorter window not applied: %+v", res)
	}

	bad := config.DefaultConfig()
	bad.Views.SuppressionWindow = time.Hour
	bad.Views.RetentionWindow = time.Minute
	h.engine.UpdateConfig(bad)
	if s, _ := h.engine.Cache().Windows(); s != time.Minute {
		t.Fatalf("invalid windows applied: %s", s)
	}
}

func TestUpdateConfigAppliesSweepInterval(t *testing.T) {
	h := newHarness(t)
	cfg := config.DefaultConfig()
	cfg.Views.SweepInterval = 5 * time.Minute
	h.engine.UpdateConfig(cfg)
	if got := h.engine.Cache().SweepInterval(); got != 5*time.Minute {
		t.Fatalf("sweep interval=%s", got)
	}
}

type gatedCounter struct {
	Counter
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCounter) GetViews(ctx context.Context, id string) (int64, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return g.Counter.GetViews(ctx, id)
}

func TestSharedReadSurvivesFirstCallerCancel(t *testing.T) {
	h := newHarness(t)
	h.view(t, "1.2.3.4")
	h.view(t, "5.6.7.8")

	gate := &gatedCounter{Counter: h.counter, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.engine.counter = gate

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.engine.RecordView(first, "1.2.3.4", productP1)
		firstErr <- err
	}()
	<-gate.entered

	type outcome struct {
		res model.ViewResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := h.engine.RecordView(context.Background(), "5.6.7.8", productP1)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err=%v", err)
	}
	close(gate.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller failed: %v", got.err)
	}
	if got.res.Counted || got.res.Views != 2 {
		t.Fatalf("second caller: %+v", got.res)
	}
}
