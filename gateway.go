// Package offlinecache implements the network interception layer of the
// offline study-material viewer: an HTTP gateway in front of the application
// origin that keeps the app shell bootable offline and makes repeat
// document-proxy fetches cheap and connection-failure tolerant.
package offlinecache

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/studyshelf/offline-cache/cache"
)

// proxyCacheName holds document-proxy responses. It is intentionally not
// tagged with the shell version: proxied documents are content-addressed by
// request URL and survive shell deployments.
const proxyCacheName = "document-proxy-v1"

// shellCachePrefix tags application-shell cache generations.
const shellCachePrefix = "shell-"

// rootKey is the shell cache key the latest navigation response is stored
// under.
const rootKey = "/"

func shellCacheName(version string) string {
	return shellCachePrefix + version
}

type Config struct {
	// Storage for cache entries.
	Cache cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version tag of the shell cache generation, e.g. "v3".
	ShellVersion string
	// Paths pre-populated into the shell cache on Install.
	ShellManifest []string
	// Path of the dynamic document-proxy endpoint, matched exactly.
	ProxyPath string
	// Shell cache key served as the last-resort offline fallback.
	// Defaults to "/index.html".
	ShellIndex string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Gateway intercepts every request to the host application and decides, per
// request, whether to serve from a cache, the network, or a blend. It
// implements http.Handler.
type Gateway struct {
	cache      cache.Provider
	originURL  url.URL
	shellCache string
	manifest   []string
	proxyPath  string
	shellIndex string
	log        zerolog.Logger
	client     *http.Client
}

// New sets up the gateway for the given origin and shell version. Call
// Install and Activate afterwards to pre-populate the shell cache and evict
// stale generations.
func New(config Config) *Gateway {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("shellVersion", config.ShellVersion).
		Logger()

	shellIndex := config.ShellIndex
	if shellIndex == "" {
		shellIndex = "/index.html"
	}

	return &Gateway{
		cache:      config.Cache,
		originURL:  config.OriginURL,
		shellCache: shellCacheName(config.ShellVersion),
		manifest:   config.ShellManifest,
		proxyPath:  config.ProxyPath,
		shellIndex: shellIndex,
		log:        logger,
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP implements the http.Handler interface. Routing rules are
// evaluated in order; the first match wins.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method != http.MethodGet:
		g.passThrough(w, r)
	case g.isNavigation(r):
		g.serveNavigation(w, r)
	case g.isProxyRequest(r):
		g.serveProxy(w, r)
	default:
		g.serveStatic(w, r)
	}
}

// isNavigation reports whether the request is a page load.
func (g *Gateway) isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// isProxyRequest is an explicit predicate over the request path, not a
// substring match, so unrelated endpoints never hit the proxy cache.
func (g *Gateway) isProxyRequest(r *http.Request) bool {
	return g.proxyPath != "" && r.URL.Path == g.proxyPath
}

// passThrough forwards non-idempotent requests straight to the origin,
// never touching any cache.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdMethod)
	res, err := g.fetch(r)
	if err != nil {
		g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not reach origin")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	g.send(w, r, res, cs)
}

// serveNavigation is network-first with cache fallback: prefer fresh HTML
// when online, but guarantee the app still boots offline.
func (g *Gateway) serveNavigation(w http.ResponseWriter, r *http.Request) {
	res, err := g.fetch(r)
	if err == nil {
		if res.StatusCode == http.StatusOK {
			g.writeCache(g.shellCache, rootKey, res)
		}
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdRequest)
		g.send(w, r, res, cs)
		return
	}
	g.log.Debug().Err(err).Msg("Navigation fetch failed, falling back to shell cache")
	if g.sendCached(w, r, g.shellCache, rootKey) {
		return
	}
	if g.sendCached(w, r, g.shellCache, g.shellIndex) {
		return
	}
	http.Error(w, "Offline and no cached shell", http.StatusServiceUnavailable)
}

// serveProxy is cache-first with network fallback and write-through. A hit
// is served without any network round-trip; that is what makes repeat
// document loads fast and resilient to flaky connections.
func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	if g.sendCached(w, r, proxyCacheName, key) {
		return
	}
	res, err := g.fetch(r)
	if err != nil {
		// no cache entry and no network: the rejection propagates, and the
		// caller is expected to fall back to its offline store
		g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Proxy fetch failed with no cache entry")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	if res.StatusCode == http.StatusOK {
		g.writeCache(proxyCacheName, key, res)
	}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	g.send(w, r, res, cs)
}

// serveStatic is cache-first for all remaining GET requests, with the cached
// shell index as a last resort so the app shell never blank-screens.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	if g.sendCached(w, r, g.shellCache, key) {
		return
	}
	res, err := g.fetch(r)
	if err != nil {
		g.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Static fetch failed, serving shell index")
		if g.sendCached(w, r, g.shellCache, g.shellIndex) {
			return
		}
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	// every gateway fetch goes to the configured origin, so a 200 here is
	// the same-origin success the caching rule asks for
	if res.StatusCode == http.StatusOK {
		g.writeCache(g.shellCache, key, res)
	}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	g.send(w, r, res, cs)
}

// fetch requests the resource specified in the incoming request from the
// origin.
func (g *Gateway) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		r.Context(), r.Method, g.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = g.originURL.Host
	return g.client.Do(req)
}

// writeCache stores a response clone best-effort: a failure to write must
// never fail the outer request, so errors are logged and dropped here. Read
// paths use normal error propagation instead.
func (g *Gateway) writeCache(cacheName, key string, res *http.Response) {
	bts, err := responseToBytes(res)
	if err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not serialize response for cache")
		return
	}
	if err := g.cache.Put(cacheName, key, bts); err != nil {
		g.log.Error().Err(err).Str("cache", cacheName).Str("key", key).Msg("Could not write to cache")
		return
	}
	g.log.Trace().Str("cache", cacheName).Str("key", key).Msg("Cache write")
}

// sendCached serves the stored response for the key, if one exists.
func (g *Gateway) sendCached(w http.ResponseWriter, r *http.Request, cacheName, key string) bool {
	bts, ok, err := g.cache.Get(cacheName, key)
	if err != nil {
		g.log.Error().Err(err).Str("cache", cacheName).Str("key", key).Msg("Could not read from cache")
		return false
	}
	if !ok {
		return false
	}
	res, err := bytesToResponse(bts)
	if err != nil {
		// corrupted entry: drop it and let the caller fall through to network
		g.log.Error().Err(err).Str("key", key).Msg("Could not parse cached response")
		if err := g.cache.Delete(cacheName, key); err != nil {
			g.log.Error().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return false
	}
	cs := CacheStatus{}
	cs.Hit()
	g.send(w, r, res, cs)
	return true
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
	g.logRequest(r, res.StatusCode, cs)
}

func (g *Gateway) logRequest(r *http.Request, status int, cs CacheStatus) {
	isHit := 0
	if cs.status == CacheStatusHit {
		isHit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status).
		Str("cacheStatus", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip upstream proxy headers; some servers do not like the
		// presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
