package offlinecache

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// MessageSkipWaiting forces immediate activation of a pending gateway
// version.
const MessageSkipWaiting = "skip-waiting"

// Message is a control message sent to the gateway by the host application.
type Message struct {
	Type string `json:"type"`
}

// Install pre-populates the shell cache with the configured manifest of
// shell resources. Fetches bypass intermediary caches so a stale proxy
// cannot poison the pre-population. Individual resource failures are logged
// and tolerated; installation only fails when the context is cancelled.
func (g *Gateway) Install(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, path := range g.manifest {
		path := path
		grp.Go(func() error {
			if err := g.precache(ctx, path); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.log.Warn().Err(err).Str("path", path).Msg("Could not pre-cache shell resource")
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	g.log.Info().Int("resources", len(g.manifest)).Str("cache", g.shellCache).Msg("Installed shell cache")
	return nil
}

func (g *Gateway) precache(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.originURL.String()+path, nil)
	if err != nil {
		return err
	}
	// reload-bypassing fetch
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	res, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &unexpectedStatusError{status: res.StatusCode}
	}
	bts, err := responseToBytes(res)
	if err != nil {
		return err
	}
	return g.cache.Put(g.shellCache, path, bts)
}

type unexpectedStatusError struct {
	status int
}

func (e *unexpectedStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.status)
}

// Activate evicts every cache generation not on the current whitelist: only
// the current shell cache and the long-lived proxy cache survive.
func (g *Gateway) Activate(ctx context.Context) error {
	whitelist := map[string]bool{
		g.shellCache:   true,
		proxyCacheName: true,
	}
	names, err := g.cache.CacheNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if whitelist[name] {
			continue
		}
		if err := g.cache.DeleteCache(name); err != nil {
			return err
		}
		g.log.Info().Str("cache", name).Msg("Evicted stale cache generation")
	}
	return nil
}

// HandleMessage processes a control message from the host application.
// Unknown message types are ignored.
func (g *Gateway) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type == MessageSkipWaiting {
		g.log.Info().Msg("Skip-waiting requested, activating now")
		return g.Activate(ctx)
	}
	return nil
}
