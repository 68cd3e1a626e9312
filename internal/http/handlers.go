package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/config"
	"github.com/JWIMaster/Neocord-sub000/internal/media"
	"github.com/JWIMaster/Neocord-sub000/internal/mediacache"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	registry *mediacache.Registry
}

func New(config *config.Config, logger *zap.Logger, registry *mediacache.Registry) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		registry: registry,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "X-Accent-Color, X-Cache-Source, X-Request-Id")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleMediaRoutes serves
//
//	/api/media/{kind}/{entityId}/{hash}[.png]
//	/api/media/{kind}/{entityId}/{hash}/accent
//
// with optional size and scope query parameters.
func (h *Handlers) HandleMediaRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/media/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}

	engine, ok := h.registry.Engine(parts[0])
	if !ok {
		http.Error(w, "Unknown media kind", http.StatusNotFound)
		return
	}

	d := media.Descriptor{
		EntityID:    parts[1],
		ContentHash: strings.TrimSuffix(parts[2], ".png"),
		Scope:       r.URL.Query().Get("scope"),
	}
	if s := r.URL.Query().Get("size"); s != "" {
		size, err := strconv.Atoi(s)
		if err != nil || size <= 0 || size > 4096 {
			http.Error(w, "Invalid size", http.StatusBadRequest)
			return
		}
		d.Size = size
	}

	switch {
	case len(parts) == 3:
		h.handleMedia(w, r, engine, d)
	case len(parts) == 4 && parts[3] == "accent":
		h.handleAccent(w, r, engine, d)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMedia(w http.ResponseWriter, r *http.Request, engine *mediacache.Engine, d media.Descriptor) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := engine.Kind()
	key, ok := media.KeyFor(kind.Name, d, kind.DefaultSize)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// Keys are content addressed, so the key itself is a strong validator.
	etag := `"` + kind.Name + "/" + key.String() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	res, ok := h.resolve(w, r, engine, d)
	if !ok {
		return
	}

	data, err := engine.Encode(res.Image)
	if err != nil {
		h.logger.Error("Failed to encode media", zap.String("kind", kind.Name), zap.String("key", key.String()), zap.Error(err))
		http.Error(w, "Failed to encode media", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache-Source", res.Source.String())
	if res.Accent != nil {
		w.Header().Set("X-Accent-Color", media.HexColor(*res.Accent))
	}

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

type accentResponse struct {
	Accent *string `json:"accent"`
}

func (h *Handlers) handleAccent(w http.ResponseWriter, r *http.Request, engine *mediacache.Engine, d media.Descriptor) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, ok := h.resolve(w, r, engine, d)
	if !ok {
		return
	}

	var resp accentResponse
	if res.Accent != nil {
		hex := media.HexColor(*res.Accent)
		resp.Accent = &hex
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// resolve writes the error response itself when it returns false.
func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request, engine *mediacache.Engine, d media.Descriptor) (media.Result, bool) {
	res, err := engine.Get(r.Context(), d)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("Client went away during resolve", zap.String("path", r.URL.Path))
		} else {
			http.Error(w, "Timed out resolving media", http.StatusGatewayTimeout)
		}
		return media.Result{}, false
	}
	if !res.Found() {
		http.Error(w, "Media not found", http.StatusNotFound)
		return media.Result{}, false
	}
	return res, true
}

func (h *Handlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	kind := r.URL.Query().Get("kind")
	var cleared []string
	var err error
	if kind == "" {
		cleared = h.registry.Names()
		err = h.registry.ClearAll(r.Context())
	} else {
		engine, ok := h.registry.Engine(kind)
		if !ok {
			http.Error(w, "Unknown media kind", http.StatusNotFound)
			return
		}
		cleared = []string{kind}
		err = engine.Clear(r.Context())
	}

	if err != nil {
		h.logger.Error("Failed to clear cache", zap.String("kind", kind), zap.Error(err))
		http.Error(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Cache cleared via API", zap.Strings("kinds", cleared))

	response := map[string]interface{}{
		"cleared": cleared,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

type kindStats struct {
	Kind          string `json:"kind"`
	MemoryEntries int    `json:"memory_entries"`
	InFlight      int    `json:"in_flight"`
	DiskEntries   *int   `json:"disk_entries,omitempty"`
	DiskBytes     *int64 `json:"disk_bytes,omitempty"`
	DiskSize      string `json:"disk_size,omitempty"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.registry.Stats(r.Context())
	out := make([]kindStats, 0, len(stats))
	for _, s := range stats {
		ks := kindStats{
			Kind:          s.Kind,
			MemoryEntries: s.MemoryEntries,
			InFlight:      s.InFlight,
		}
		if s.Disk != nil {
			ks.DiskEntries = &s.Disk.Entries
			ks.DiskBytes = &s.Disk.Bytes
			ks.DiskSize = humanize.Bytes(uint64(s.Disk.Bytes))
		}
		out = append(out, ks)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *Handlers) authorized(r *http.Request) bool {
	if h.config.IsAdminPublic() {
		return true
	}

	token := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	return token == h.config.AdminToken
}

// extractIP prefers X-Real-Ip as set by the fronting proxy. The value is only
// logged, never used for authorization.
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
