// Package download fetches remote documents through the backend proxy and
// hands them to the offline store.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/studyshelf/offline-cache/store"
)

// ErrInvalidDocument is returned when a document cannot be downloaded
// because it carries no source URL.
var ErrInvalidDocument = errors.New("download: document has no source url")

// Stored blobs always get this media type, regardless of what the proxy
// declared, so viewers see a consistent content type.
const pdfMediaType = "application/pdf"

// Saver is the slice of the offline store the downloader needs.
type Saver interface {
	Save(ctx context.Context, doc store.Document, blob store.Blob) error
}

// Downloader fetches a document's bytes via the document-proxy endpoint,
// reports coarse progress milestones and persists the result. Progress is a
// non-decreasing sequence in [0,100]; the milestones mark request issued,
// response started, body read and persisted rather than byte-level progress.
type Downloader struct {
	client   *http.Client
	proxyURL string
	store    Saver
	ident    store.Identity
	log      zerolog.Logger

	mutex    sync.Mutex
	inflight map[string]int
}

type Option func(*Downloader)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Downloader) {
		d.log = logger
	}
}

// New creates a Downloader fetching through the given proxy endpoint URL
// (e.g. "http://localhost:8080/api/document-proxy").
func New(proxyURL string, saver Saver, ident store.Identity, opts ...Option) *Downloader {
	d := &Downloader{
		client:   http.DefaultClient,
		proxyURL: proxyURL,
		store:    saver,
		ident:    ident,
		log:      log.Logger,
		inflight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DownloadForOffline fetches the document through the proxy and saves it for
// the current user. On any failure the in-flight progress entry is cleared,
// nothing is saved, and the error propagates to the caller.
func (d *Downloader) DownloadForOffline(ctx context.Context, doc store.Document, onProgress func(int)) (err error) {
	if d.ident.CurrentUserID(ctx) == "" {
		return store.ErrNotAuthenticated
	}
	if doc.SourceURL == "" {
		return ErrInvalidDocument
	}

	defer func() {
		d.mutex.Lock()
		delete(d.inflight, doc.ID)
		d.mutex.Unlock()
	}()
	report := func(percent int) {
		d.mutex.Lock()
		d.inflight[doc.ID] = percent
		d.mutex.Unlock()
		if onProgress != nil {
			onProgress(percent)
		}
	}

	report(10)
	proxied := d.proxyURL + "?url=" + url.QueryEscape(doc.SourceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxied, nil)
	if err != nil {
		return err
	}
	report(20)

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch document through proxy: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("document proxy returned status %d", res.StatusCode)
	}
	report(40)

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read document body: %w", err)
	}
	report(80)

	blob := store.Blob{MediaType: pdfMediaType, Content: content}
	report(95)

	if err := d.store.Save(ctx, doc, blob); err != nil {
		return err
	}
	report(100)

	d.log.Debug().
		Str("document", doc.ID).
		Str("url", doc.SourceURL).
		Int("bytes", len(content)).
		Msg("Downloaded document for offline use")
	return nil
}

// Progress reports the milestone of an in-flight download, if any.
func (d *Downloader) Progress(documentID string) (int, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	percent, ok := d.inflight[documentID]
	return percent, ok
}
