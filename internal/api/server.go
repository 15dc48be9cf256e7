package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"unitrade/internal/activity"
	"unitrade/internal/config"
	"unitrade/internal/engine"
	"unitrade/internal/metrics"
	"unitrade/internal/model"
	"unitrade/internal/normalize"
	"unitrade/internal/storage"
)

const shutdownTimeout = 5 * time.Second

type ViewRecorder interface {
	RecordView(ctx context.Context, clientID, productID string) (model.ViewResult, error)
	Reset()
}

type Deps struct {
	Config    *config.Manager
	Views     ViewRecorder
	Products  storage.Store
	Stats     *metrics.Store
	Activity  *activity.Store
	Collector *metrics.Collector
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg       *config.Manager
	views     ViewRecorder
	products  storage.Store
	stats     *metrics.Store
	activity  *activity.Store
	collector *metrics.Collector
	logger    *slog.Logger
	version   string
	started   time.Time
}

type statusResponse struct {
	Status     string      `json:"status"`
	Time       string      `json:"time"`
	Uptime     string      `json:"uptime"`
	Version    string      `json:"version"`
	ConfigPath string      `json:"config_path"`
	Storage    string      `json:"storage"`
	Events     bool        `json:"events"`
	Views      viewsStatus `json:"views"`
}

type viewsStatus struct {
	SuppressionWindow string `json:"suppression_window"`
	RetentionWindow   string `json:"retention_window"`
	SweepInterval     string `json:"sweep_interval"`
}

type createProductRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Category    string  `json:"category"`
	Condition   string  `json:"condition"`
	Location    string  `json:"location"`
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	return &Server{
		cfg:       cfg,
		views:     deps.Views,
		products:  deps.Products,
		stats:     deps.Stats,
		activity:  deps.Activity,
		collector: deps.Collector,
		logger:    deps.Logger,
		version:   deps.Version,
		started:   time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	mux.HandleFunc("/status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("/products", s.instrument("products", s.handleProducts))
	mux.HandleFunc("/products/", s.instrument("product", s.handleProduct))
	mux.HandleFunc("/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("/stats/", s.instrument("stats", s.handleStats))
	mux.HandleFunc("/views/recent", s.instrument("views_recent", s.handleRecentViews))
	mux.HandleFunc("/admin/clear", s.instrument("admin_clear", s.handleClear))
	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	}
	return mux
}

// Serve runs the API until ctx is cancelled, then drains in-flight requests
// before returning. A listen failure is returned immediately. It returns nil
// at once when the API is disabled.
func Serve(ctx context.Context, server *Server) error {
	current := server.cfg.Get().API
	if !current.Enabled {
		if server.logger != nil {
			server.logger.Info("api disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", current.Addr, err)
	}
	return ServeListener(ctx, server, ln)
}

// ServeListener is Serve on an already bound listener, which it closes.
func ServeListener(ctx context.Context, server *Server, ln net.Listener) error {
	current := server.cfg.Get().API
	if server.logger != nil {
		server.logger.Info("api enabled", "addr", ln.Addr().String())
	}
	httpServer := &http.Server{
		Handler:      server.Handler(),
		ReadTimeout:  current.ReadTimeout,
		WriteTimeout: current.WriteTimeout,
	}
	served := make(chan error, 1)
	go func() {
		served <- httpServer.Serve(ln)
	}()
	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	<-served
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    cfg.Storage.Driver,
		Events:     cfg.Events.Enabled,
		Views: viewsStatus{
			SuppressionWindow: cfg.Views.SuppressionWindow.String(),
			RetentionWindow:   cfg.Views.RetentionWindow.String(),
			SweepInterval:     cfg.Views.SweepInterval.String(),
		},
	})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.products.ListProducts(r.Context(), productFilter(r.URL.Query()))
		if err != nil {
			s.serverError(w, r, "list products", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"products": list,
			"count":    len(list),
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		var req createProductRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		if req.Price < 0 {
			writeError(w, http.StatusBadRequest, "price must be >= 0")
			return
		}
		p := model.Product{
			ID:          normalize.NewProductID(),
			Title:       req.Title,
			Description: strings.TrimSpace(req.Description),
			Price:       req.Price,
			Category:    strings.TrimSpace(req.Category),
			Condition:   strings.TrimSpace(req.Condition),
			Location:    strings.TrimSpace(req.Location),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.products.CreateProduct(r.Context(), p); err != nil {
			s.serverError(w, r, "create product", err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// productFilter reads listing filters from the query string. Unparseable
// prices and sold values are ignored.
func productFilter(q url.Values) storage.ProductFilter {
	f := storage.ProductFilter{
		Category:  q.Get("category"),
		Condition: q.Get("condition"),
		Location:  q.Get("location"),
		Query:     strings.TrimSpace(q.Get("q")),
	}
	if v, err := strconv.ParseFloat(q.Get("minPrice"), 64); err == nil {
		f.MinPrice = &v
	}
	if v, err := strconv.ParseFloat(q.Get("maxPrice"), 64); err == nil {
		f.MaxPrice = &v
	}
	switch q.Get("sold") {
	case "true":
		sold := true
		f.Sold = &sold
	case "false":
		sold := false
		f.Sold = &sold
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = n
	}
	return f
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/products/"), "/")
	switch path {
	case "count":
		s.handleCount(w, r)
		return
	case "locations":
		s.handleLocations(w, r)
		return
	}
	rawID, action, _ := strings.Cut(path, "/")
	switch action {
	case "":
	case "view":
		s.handleView(w, r, rawID)
		return
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPatch, http.MethodDelete:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := parseProductID(w, rawID)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.products.GetProduct(r.Context(), id)
		if s.productError(w, r, "get product", err) {
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		s.handleMarkSold(w, r, id)
	case http.MethodDelete:
		if s.productError(w, r, "delete product", s.products.DeleteProduct(r.Context(), id)) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
	}
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts, err := s.products.CountProducts(r.Context())
	if err != nil {
		s.serverError(w, r, "count products", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locs, err := s.products.Locations(r.Context())
	if err != nil {
		s.serverError(w, r, "list locations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
}

// handleMarkSold accepts {"sold": true} or {"sold": "true"}; anything else marks the product available.
func (s *Server) handleMarkSold(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var req struct {
		Sold json.RawMessage `json:"sold"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	raw := strings.TrimSpace(string(req.Sold))
	sold := raw == "true" || raw == `"true"`
	p, err := s.products.SetSold(r.Context(), id, sold)
	if s.productError(w, r, "mark sold", err) {
		return
	}
	msg := "product marked as available"
	if p.Sold {
		msg = "product marked as sold"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "product": p})
}

// productError writes the response for a failed product lookup and reports whether it did.
func (s *Server) productError(w http.ResponseWriter, r *http.Request, msg string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	default:
		s.serverError(w, r, msg, err)
	}
	return true
}

// parseProductID normalizes raw and answers 400 when it is not a product id.
func parseProductID(w http.ResponseWriter, raw string) (string, bool) {
	id, err := normalize.ProductID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return "", false
	}
	return id, true
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clientID := normalize.ClientID(r.Header, r.RemoteAddr)
	res, err := s.views.RecordView(r.Context(), clientID, rawID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, engine.ErrInvalidProductID):
		writeError(w, http.StatusBadRequest, "invalid product id")
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	default:
		s.serverError(w, r, "record view", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/stats")
	path = strings.Trim(path, "/")
	if path != "" {
		id, ok := parseProductID(w, path)
		if !ok {
			return
		}
		st, ok := s.stats.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no views recorded")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":  st,
			"recent": s.activity.ForProduct(id, 20),
		})
		return
	}
	all := s.stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": all,
		"count": len(all),
	})
}

func (s *Server) handleRecentViews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.ViewEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.activity.Since(ts)
	} else {
		list = s.activity.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"views": list,
		"count": len(list),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.views != nil {
			s.views.Reset()
		}
	case "stats":
		s.stats.Clear()
	case "activity":
		s.activity.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err, "request_id", w.Header().Get("X-Request-ID"), "path", r.URL.Path)
	}
	if msg == "record view" {
		writeError(w, http.StatusInternalServerError, "failed to record view")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
