package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
)

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleOpen serves the tracking pixel. The pixel is returned even when the
// open cannot be recorded so mail clients never show a broken image.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.services.Engagement.RecordOpen(r.Context(), id, r.UserAgent()); err != nil {
		logEngagementError(r, id, "open", err)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// handleClick records a click and redirects to the original link. Only
// absolute http(s) targets are followed.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	target := r.URL.Query().Get("url")

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "url must be an absolute http(s) URL", nil)
		return
	}

	if err := s.services.Engagement.RecordClick(r.Context(), id, target, r.UserAgent()); err != nil {
		logEngagementError(r, id, "click", err)
	}
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

func logEngagementError(r *http.Request, messageID, event string, err error) {
	logger := logging.FromContext(r.Context()).WithComponent("api").WithError(err).WithFields(map[string]interface{}{
		"messageId": messageID,
		"event":     event,
	})
	if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		logger.Debug("Engagement for unknown message")
		return
	}
	logger.Warn("Failed to record engagement")
}
