package server

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/hlog"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.fetcher.Stats()
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read cache stats")
		respondError(w, http.StatusInternalServerError, "could not read cache stats")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total_entries":   stats.TotalEntries,
		"valid_entries":   stats.ValidEntries,
		"expired_entries": stats.ExpiredEntries,
		"db_size_bytes":   stats.SizeBytes,
		"db_size":         humanize.Bytes(uint64(stats.SizeBytes)),
		"db_path":         stats.Path,
	})
}

// handleCacheClear removes everything, or a single resource when a path
// (plus its upstream parameters) is given.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	path := query.Get("path")

	var removed int64
	var err error
	if path == "" {
		removed, err = s.fetcher.InvalidateAll()
	} else {
		query.Del("path")
		removed, err = s.fetcher.Invalidate(s.fetcher.KeyFor(path, query))
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not clear cache")
		respondError(w, http.StatusInternalServerError, "could not clear cache")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"removed": s.fetcher.CleanupExpired(),
	})
}
