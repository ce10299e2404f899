package offlinecache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/studyshelf/offline-cache/cache"
)

const testProxyPath = "/api/document-proxy"

func newTestGateway(t *testing.T, origin *httptest.Server) *Gateway {
	t.Helper()
	originURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		Cache:        cache.NewMemCache(),
		OriginURL:    *originURL,
		ShellVersion: "v1",
		ProxyPath:    testProxyPath,
	})
}

func TestProxyRequestServedFromCacheWithoutNetwork(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.Write([]byte("PDF-BYTES"))
	}))
	g := newTestGateway(t, origin)
	req := httptest.NewRequest("GET", testProxyPath+"?url=http%3A%2F%2Fx%2Fdoc1.pdf", nil)

	g.ServeHTTP(httptest.NewRecorder(), req)
	// make any further network call fail
	origin.Close()

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if originCalls != 1 {
		t.Fatalf("Origin called %d times", originCalls)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rr.Code)
	}
	if body, err := io.ReadAll(rr.Result().Body); err != nil || string(body) != "PDF-BYTES" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestProxyRequestsWithDifferentUrlsAreCachedSeparately(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content for " + r.URL.Query().Get("url")))
	}))
	defer origin.Close()
	g := newTestGateway(t, origin)

	first := httptest.NewRecorder()
	g.ServeHTTP(first, httptest.NewRequest("GET", testProxyPath+"?url=a", nil))
	second := httptest.NewRecorder()
	g.ServeHTTP(second, httptest.NewRequest("GET", testProxyPath+"?url=b", nil))

	if body := first.Body.String(); body != "content for a" {
		t.Fatalf("Body is %s", body)
	}
	if body := second.Body.String(); body != "content for b" {
		t.Fatalf("Body is %s", body)
	}
}

func TestProxyFailureWithoutCacheEntryPropagates(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	g := newTestGateway(t, origin)
	origin.Close()

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", testProxyPath+"?url=x", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status code is %d", rr.Code)
	}
}

func TestProxyErrorResponseIsNotCached(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer origin.Close()
	g := newTestGateway(t, origin)
	req := httptest.NewRequest("GET", testProxyPath+"?url=x", nil)

	g.ServeHTTP(httptest.NewRecorder(), req)
	g.ServeHTTP(httptest.NewRecorder(), req)

	if originCalls != 2 {
		t.Fatalf("Origin called %d times", originCalls)
	}
}

func TestNonGetRequestsAreNeverCached(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.Write([]byte("posted"))
	}))
	defer origin.Close()
	g := newTestGateway(t, origin)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/results", nil))
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("POST", "/api/results", nil))

	if originCalls != 2 {
		t.Fatalf("Origin called %d times", originCalls)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=method" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestNavigationPrefersNetworkAndFallsBackWhenOffline(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>shell</html>"))
	}))
	g := newTestGateway(t, origin)

	navReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/quiz/42", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		return req
	}

	g.ServeHTTP(httptest.NewRecorder(), navReq())
	g.ServeHTTP(httptest.NewRecorder(), navReq())
	if originCalls != 2 {
		t.Fatalf("Origin called %d times, navigation must be network-first", originCalls)
	}

	// offline: the last good navigation response still boots the app
	origin.Close()
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, navReq())

	if rr.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "<html>shell</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNavigationFallsBackToShellIndex(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<html>index</html>"))
	}))
	g := newTestGateway(t, origin)

	// cache the shell index only, then go offline
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/index.html", nil))
	origin.Close()

	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if body := rr.Body.String(); body != "<html>index</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestStaticAssetsAreCacheFirst(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("console.log('app')"))
	}))
	defer origin.Close()
	g := newTestGateway(t, origin)
	req := httptest.NewRequest("GET", "/assets/app.js", nil)

	g.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if originCalls != 1 {
		t.Fatalf("Origin called %d times", originCalls)
	}
	if ct := rr.Result().Header.Get("Content-Type"); ct != "application/javascript" {
		t.Fatalf("Content-Type header is %s", ct)
	}
}

func TestStaticFailureFallsBackToShellIndex(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>index</html>"))
	}))
	g := newTestGateway(t, origin)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/index.html", nil))
	origin.Close()

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "/assets/never-fetched.js", nil))

	if body := rr.Body.String(); body != "<html>index</html>" {
		t.Fatalf("Body is %s", body)
	}
}
