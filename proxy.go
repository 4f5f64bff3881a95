// Package maiproxy fronts a chart-site origin and keeps its account and
// score surface usable while the origin is down. Requests are dispatched
// through a fixed-priority route table: administrative trigger, offline
// emulation (degraded mode only), static overrides, cached reads, and the
// default passthrough proxy.
package maiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maiproxy/maiproxy/cache"
	"github.com/maiproxy/maiproxy/offline"
	"github.com/maiproxy/maiproxy/reconcile"
	"github.com/maiproxy/maiproxy/store"
)

type Config struct {
	// URL of the origin server. Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Durable store shared by all namespaces.
	Store store.KV
	// Shared secret for the manual reconciliation trigger. Empty means the
	// trigger is not configured and answers 500.
	SyncSecret string
	// Notice served by the static override endpoint.
	NoticeContent string
	NoticeAuthor  string
	// Force degraded mode regardless of probe results.
	ForceOffline bool
	// Timeout for every outbound origin call. Defaults to 10s.
	OriginTimeout time.Duration
	// Catalog snapshot refresh interval. Defaults to 24h.
	CatalogRefresh time.Duration
	// Root page cache TTL. Defaults to 1h.
	RootTTL time.Duration
	// Health probe interval. Defaults to 30s.
	ProbeInterval time.Duration
	// Scheduled reconciliation interval. Defaults to 15m.
	SyncInterval time.Duration
	// Disable the probe and reconciliation goroutines. Used in tests that
	// drive the engine directly.
	DisableBackground bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// route is one entry of the dispatch table. Routes are evaluated in order
// and the first match wins; later routes are never consulted once one has
// produced a response.
type route struct {
	name  string
	match func(*http.Request) bool
	serve http.Handler
}

type Proxy struct {
	log        zerolog.Logger
	routes     []route
	offline    *offline.Handler
	engine     *reconcile.Engine
	catalog    *cache.Catalog
	rootPage   *cache.RootPage
	origin     reconcile.OriginClient
	syncSecret string
	notice     noticePayload
	mode       *modeFlag
	stop       func()
}

// New wires the proxy from the given config and starts the background
// health probe and reconciliation schedule.
func New(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.OriginTimeout == 0 {
		config.OriginTimeout = 10 * time.Second
	}
	if config.CatalogRefresh == 0 {
		config.CatalogRefresh = 24 * time.Hour
	}
	if config.RootTTL == 0 {
		config.RootTTL = time.Hour
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 15 * time.Minute
	}

	credentials := store.NewCredentialStore(config.Store)
	sessions := store.NewSessionStore(config.Store)
	queue := store.NewMutationQueue(config.Store)
	cacheStore := cache.NewStore(config.Store)

	origin := reconcile.NewHTTPOrigin(&config.OriginURL, config.OriginHost, config.OriginTimeout, logger)
	fetchClient := &http.Client{Timeout: config.OriginTimeout}
	originBase := strings.TrimRight(config.OriginURL.String(), "/")

	p := &Proxy{
		log:        logger,
		offline:    offline.NewHandler(credentials, sessions, queue, logger),
		engine:     reconcile.NewEngine(credentials, queue, origin, logger),
		catalog:    cache.NewCatalog(cacheStore, cache.Fetch(fetchClient, originBase+"/api/maichart/list.all", config.OriginHost), config.CatalogRefresh, logger),
		rootPage:   cache.NewRootPage(cacheStore, cache.Fetch(fetchClient, originBase+"/", config.OriginHost), config.RootTTL, logger),
		origin:     origin,
		syncSecret: config.SyncSecret,
		notice: noticePayload{
			Content:   config.NoticeContent,
			UpdatedBy: config.NoticeAuthor,
		},
		mode: newModeFlag(config.ForceOffline),
	}

	passthrough := newPassthrough(config.OriginURL, config.OriginHost, logger)

	p.routes = []route{
		{
			name:  "sync-trigger",
			match: matchExact(http.MethodGet, "/internal/sync"),
			serve: http.HandlerFunc(p.handleSyncTrigger),
		},
		{
			name: "offline-emulation",
			match: func(r *http.Request) bool {
				return p.mode.Degraded() && p.offline.Matches(r)
			},
			serve: p.offline,
		},
		{
			name:  "notice-override",
			match: matchExact(http.MethodGet, "/api/notice"),
			serve: http.HandlerFunc(p.handleNotice),
		},
		{
			name:  "catalog-cache",
			match: matchExact(http.MethodGet, "/api/maichart/list.all"),
			serve: http.HandlerFunc(p.handleCatalog),
		},
		{
			name:  "root-cache",
			match: matchExact(http.MethodGet, "/"),
			serve: http.HandlerFunc(p.handleRootPage),
		},
		{
			name:  "passthrough",
			match: func(*http.Request) bool { return true },
			serve: passthrough,
		},
	}

	if !config.DisableBackground {
		ctx, cancel := context.WithCancel(context.Background())
		p.stop = cancel
		go p.probeLoop(ctx, config.ProbeInterval)
		go p.engine.RunEvery(ctx, config.SyncInterval)
	} else {
		p.stop = func() {}
	}

	return p
}

// ServeHTTP dispatches to the first matching route. Method, path and query
// reach the chosen handler unmodified.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rt := range p.routes {
		if rt.match(r) {
			p.log.Trace().
				Str("route", rt.name).
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Msg("Dispatching request")
			rt.serve.ServeHTTP(w, r)
			return
		}
	}
}

// Close stops the background goroutines.
func (p *Proxy) Close() {
	p.stop()
}

// Degraded reports whether offline emulation is currently intercepting.
func (p *Proxy) Degraded() bool {
	return p.mode.Degraded()
}

func matchExact(method, path string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return r.Method == method && r.URL.Path == path
	}
}

// handleSyncTrigger runs a reconciliation cycle on demand. The trigger is
// gated by a query-string shared secret.
func (p *Proxy) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if p.syncSecret == "" {
		writeJSONError(w, http.StatusInternalServerError, "sync secret not configured")
		return
	}
	if r.URL.Query().Get("secret") != p.syncSecret {
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	report := p.engine.Run(r.Context())
	writeJSON(w, http.StatusOK, report)
}

type noticePayload struct {
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt"`
	UpdatedBy string `json:"updatedBy"`
}

// handleNotice serves the configured site notice without consulting the
// origin, in either mode.
func (p *Proxy) handleNotice(w http.ResponseWriter, r *http.Request) {
	notice := p.notice
	notice.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, notice)
}

func (p *Proxy) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entry, err := p.catalog.Get(r.Context())
	if err != nil {
		if errors.Is(err, cache.ErrNoSnapshot) {
			writeJSONError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		p.log.Error().Err(err).Msg("Catalog read failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	serveEntry(w, entry)
}

func (p *Proxy) handleRootPage(w http.ResponseWriter, r *http.Request) {
	entry, err := p.rootPage.Get(r.Context())
	if err != nil {
		p.log.Warn().Err(err).Msg("Root page fetch failed")
		writeJSONError(w, http.StatusBadGateway, "upstream error")
		return
	}
	serveEntry(w, entry)
}

// serveEntry writes a cached entry with its TTL rewritten into the
// Cache-Control header.
func serveEntry(w http.ResponseWriter, entry cache.Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(entry.TTL/time.Second)))
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
