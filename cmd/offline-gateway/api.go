package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/studyshelf/offline-cache"
	"github.com/studyshelf/offline-cache/download"
	"github.com/studyshelf/offline-cache/store"
)

type userIDKey struct{}

// userIdentityMiddleware resolves the current user from the session layer.
// Session management itself is out of scope here; the authenticated user id
// arrives in a header set by the auth front.
func userIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-Id"); userID != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID))
		}
		next.ServeHTTP(w, r)
	})
}

func requestIdentity() store.Identity {
	return store.IdentityFunc(func(ctx context.Context) string {
		userID, _ := ctx.Value(userIDKey{}).(string)
		return userID
	})
}

// mountOfflineAPI exposes the offline store and the download orchestrator to
// the UI layer.
func mountOfflineAPI(r chi.Router, s *store.Store, d *download.Downloader) {
	r.Route("/offline", func(r chi.Router) {
		r.Get("/documents", func(w http.ResponseWriter, req *http.Request) {
			records, err := s.ListAll(req.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		})

		r.Post("/documents", func(w http.ResponseWriter, req *http.Request) {
			var doc store.Document
			if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
				http.Error(w, "invalid document payload", http.StatusBadRequest)
				return
			}
			err := d.DownloadForOffline(req.Context(), doc, func(percent int) {
				log.Trace().Str("document", doc.ID).Int("percent", percent).Msg("Download progress")
			})
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
		})

		r.Delete("/documents", func(w http.ResponseWriter, req *http.Request) {
			if err := s.ClearAll(req.Context()); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/documents/{id}", func(w http.ResponseWriter, req *http.Request) {
			rec, err := s.Get(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			if rec == nil {
				http.Error(w, "not saved", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		})

		r.Get("/documents/{id}/content", func(w http.ResponseWriter, req *http.Request) {
			blob, err := s.GetContent(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			if blob == nil {
				http.Error(w, "not saved", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", blob.MediaType)
			w.Header().Set("Content-Disposition", "inline")
			w.Write(blob.Content)
		})

		r.Delete("/documents/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := s.Remove(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/downloads/{id}", func(w http.ResponseWriter, req *http.Request) {
			percent, ok := d.Progress(chi.URLParam(req, "id"))
			if !ok {
				http.Error(w, "no download in flight", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"progress": percent})
		})

		r.Get("/usage", func(w http.ResponseWriter, req *http.Request) {
			usage, err := s.UsageSummary(req.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, usage)
		})
	})
}

func messageHandler(g *offlinecache.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var msg offlinecache.Message
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		if err := g.HandleMessage(req.Context(), msg); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not encode response")
	}
}

// writeError maps the error taxonomy to HTTP statuses so the UI can surface
// the specific failure (storage full vs. network vs. not logged in).
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotAuthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, download.ErrInvalidDocument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrQuotaExceeded):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
