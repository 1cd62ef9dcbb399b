package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// shopVar returns the normalized shop id from the route
func shopVar(vars map[string]string) string {
	return types.ShopIDFromURL(vars["shop"])
}

// handleStartFullSync starts or resumes a full sync. ?force=true starts a
// fresh bulk export even when a resumable or running sync exists.
func (s *Server) handleStartFullSync(w http.ResponseWriter, r *http.Request) {
	shop := shopVar(mux.Vars(r))

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "force must be a boolean", nil)
			return
		}
		force = parsed
	}

	syncLog, err := s.services.Syncs.StartFullSync(r.Context(), shop, force)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, syncLog)
}

// handleStartIncrementalSync runs an incremental sync in the background.
// Progress is visible through the status and history endpoints.
func (s *Server) handleStartIncrementalSync(w http.ResponseWriter, r *http.Request) {
	shop := shopVar(mux.Vars(r))

	go func(ctx context.Context) {
		if _, err := s.services.Syncs.StartIncrementalSync(ctx, shop); err != nil {
			logging.FromContext(ctx).WithComponent("api").WithShop(shop).WithError(err).Error("Incremental sync failed")
		}
	}(s.syncCtx)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"shop":   shop,
		"status": "started",
	})
}

// handleSyncStatus reports the latest sync and staleness
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.services.Syncs.Status(r.Context(), shopVar(mux.Vars(r)))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleSyncHistory lists recent sync logs
func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 100", nil)
			return
		}
		limit = parsed
	}

	logs, err := s.services.Syncs.History(r.Context(), shopVar(mux.Vars(r)), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"syncs": logs,
		"count": len(logs),
	})
}

// handleCancelSync marks a sync cancelled
func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	syncLog, err := s.services.Syncs.CancelSync(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, syncLog)
}

// handleDeadLetterCount reports how many deliveries exhausted their retries
func (s *Server) handleDeadLetterCount(w http.ResponseWriter, r *http.Request) {
	shop := shopVar(mux.Vars(r))
	count, err := s.services.DeadLetters.CountDeadLetters(r.Context(), shop)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"shop":  shop,
		"count": count,
	})
}

// handleRecalculateRFM recomputes RFM scores for the shop now
func (s *Server) handleRecalculateRFM(w http.ResponseWriter, r *http.Request) {
	shop := shopVar(mux.Vars(r))
	changes, err := s.services.RFM.RecalculateAllRFMScores(r.Context(), shop)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"shop":           shop,
		"segmentChanges": len(changes),
	})
}
