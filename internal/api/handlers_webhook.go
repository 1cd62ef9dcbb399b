package api

import (
	"io"
	"net/http"

	"github.com/storefront-crm/internal/service"
)

// maxWebhookBody caps the bytes read from a webhook request
const maxWebhookBody = 5 << 20

// handleWebhook verifies and queues a platform webhook. The body is read
// raw because the signature covers the exact bytes sent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read body", nil)
		return
	}

	result, err := s.services.Webhooks.Ingest(r.Context(), body, r.Header)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":     string(result),
		"deliveryId": r.Header.Get(service.HeaderWebhookID),
	})
}
