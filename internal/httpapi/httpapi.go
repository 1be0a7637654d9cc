// Package httpapi exposes cache statistics and administration over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nestwell/querycache"
	"github.com/nestwell/querycache/internal/keys"
	"github.com/nestwell/querycache/internal/source/sqlsource"
)

// Leaderboard limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// selfTestCategory holds the entries written by the cache self-test.
const selfTestCategory = "selftest"

// DatabaseStats reports on the system of record.
type DatabaseStats interface {
	Stats(ctx context.Context) (sqlsource.Stats, error)
}

// Handler serves the HTTP API.
type Handler struct {
	client   *querycache.Client
	db       DatabaseStats
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	validate *validator.Validate
}

// Option configures a Handler.
type Option func(*Handler)

// WithDatabase enables GET /database/stats.
func WithDatabase(db DatabaseStats) Option {
	return func(h *Handler) {
		h.db = db
	}
}

// WithGatherer enables GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l == nil {
			l = zap.NewNop()
		}
		h.logger = l
	}
}

// New returns a Handler for client.
func New(client *querycache.Client, opts ...Option) *Handler {
	h := &Handler{
		client:   client,
		logger:   zap.NewNop(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/cache/stats", h.cacheStats)
	r.Post("/cache/clear", h.clearCategory)
	r.Post("/cache/flush", h.flush)
	r.Get("/test/cache", h.testCache)
	r.Get("/database/stats", h.databaseStats)
	r.Get("/leaderboard/{category}", h.top)
	r.Post("/leaderboard/{category}", h.addScore)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// GET /cache/stats
func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.client.Stats(r.Context()))
}

type clearRequest struct {
	Category string `json:"category" validate:"required"`
}

// POST /cache/clear
func (h *Handler) clearCategory(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := keys.CheckCategory(req.Category); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	n := h.client.Invalidate(r.Context(), req.Category, "")
	h.respondJSON(w, http.StatusOK, map[string]any{
		"category": req.Category,
		"deleted":  n,
	})
}

// POST /cache/flush
func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	n := h.client.Flush(r.Context())
	h.respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type selfTestEntry struct {
	ID      string    `json:"id"`
	Written time.Time `json:"written"`
}

type selfTestResult struct {
	Healthy   bool   `json:"healthy"`
	Backend   string `json:"backend"`
	Key       string `json:"key"`
	Stored    bool   `json:"stored"`
	ReadBack  bool   `json:"readBack"`
	Removed   bool   `json:"removed"`
	RoundTrip string `json:"roundTrip"`
}

// selfTestTTL bounds the life of a self-test entry whose delete failed.
const selfTestTTL = time.Minute

// GET /test/cache writes a test entry to the backend, reads it back and
// removes it. It talks to the backend directly so the result does not
// depend on the client's write mode.
func (h *Handler) testCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b := h.client.Backend()
	id := uuid.NewString()
	key := h.client.Namespace().Join(selfTestCategory, id, "")

	data, err := json.Marshal(selfTestEntry{ID: id, Written: time.Now().UTC()})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	res := selfTestResult{Key: key}
	res.Stored = b.Set(ctx, key, data, selfTestTTL)
	if res.Stored {
		got, ok := b.Get(ctx, key)
		res.ReadBack = ok && bytes.Equal(got, data)
		res.Removed = b.Delete(ctx, key)
	}
	res.RoundTrip = time.Since(start).String()
	res.Backend = b.State().String()
	res.Healthy = res.Stored && res.ReadBack && res.Removed

	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, res)
}

// GET /database/stats
func (h *Handler) databaseStats(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.respondError(w, http.StatusNotFound, "no database configured")
		return
	}
	s, err := h.db.Stats(r.Context())
	if err != nil {
		h.logger.Error("reading database stats", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read database stats")
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

// GET /leaderboard/{category}?limit=N
func (h *Handler) top(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxLimit {
			h.respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(MaxLimit))
			return
		}
		limit = n
	}
	category, ok := h.category(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"members":  h.client.Top(r.Context(), category, limit),
	})
}

type scoreRequest struct {
	Member string   `json:"member" validate:"required"`
	Score  *float64 `json:"score" validate:"required"`
}

// POST /leaderboard/{category}
func (h *Handler) addScore(w http.ResponseWriter, r *http.Request) {
	category, ok := h.category(w, r)
	if !ok {
		return
	}
	var req scoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.client.AddScore(r.Context(), category, req.Member, *req.Score) {
		h.respondError(w, http.StatusServiceUnavailable, "leaderboard unavailable")
		return
	}
	h.respondJSON(w, http.StatusOK, querycache.ScoredMember{Member: req.Member, Score: *req.Score})
}

// category returns the category path parameter, responding on an
// invalid one.
func (h *Handler) category(w http.ResponseWriter, r *http.Request) (string, bool) {
	category := chi.URLParam(r, "category")
	if err := keys.CheckCategory(category); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return category, true
}

// decode reads and validates a JSON body, responding on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			h.respondError(w, http.StatusBadRequest, verrs[0].Field()+" is "+verrs[0].Tag())
			return false
		}
		h.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}
