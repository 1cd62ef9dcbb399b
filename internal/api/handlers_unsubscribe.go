package api

import (
	"html/template"
	"net/http"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
)

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:48px auto;text-align:center">
<h1>{{.Title}}</h1><p>{{.Body}}</p>
{{if .Token}}<form method="post" action="/unsubscribe">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">Unsubscribe</button>
</form>{{end}}
</body></html>`))

type unsubscribeView struct {
	Title string
	Body  string
	// Token, when set, renders the confirmation form
	Token string
}

// oneClickValue is the form body RFC 8058 clients post
const oneClickValue = "One-Click"

// handleUnsubscribeConfirm shows the confirmation form for the link in the
// email body. It changes nothing: mail scanners follow GET links.
func (s *Server) handleUnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		renderUnsubscribePage(w, r, http.StatusBadRequest, unsubscribeView{Title: "Invalid link", Body: "This unsubscribe link is not valid."})
		return
	}
	renderUnsubscribePage(w, r, http.StatusOK, unsubscribeView{
		Title: "Unsubscribe",
		Body:  "Stop receiving marketing emails from this store?",
		Token: token,
	})
}

// handleUnsubscribe applies an unsubscribe. List-Unsubscribe-Post clients get
// JSON; the confirmation form gets a page.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.PostFormValue("token")
	}
	oneClick := r.PostFormValue("List-Unsubscribe") == oneClickValue

	status := http.StatusOK
	view := unsubscribeView{Title: "You have been unsubscribed", Body: "You will no longer receive marketing emails from this store."}

	claims, err := s.services.Unsubscribes.Unsubscribe(r.Context(), token)
	switch {
	case err == nil:
		logging.FromContext(r.Context()).WithComponent("api").WithShop(claims.ShopID).
			WithFields(map[string]interface{}{
				"customerId": claims.CustomerID,
				"oneClick":   oneClick,
			}).Info("Customer unsubscribed")
	case apperrors.IsCategory(err, apperrors.CategoryVerification), apperrors.IsCategory(err, apperrors.CategoryNotFound):
		status = http.StatusBadRequest
		view = unsubscribeView{Title: "Invalid link", Body: "This unsubscribe link is not valid."}
	default:
		logging.FromContext(r.Context()).WithComponent("api").WithError(err).Error("Unsubscribe failed")
		status = http.StatusInternalServerError
		view = unsubscribeView{Title: "Something went wrong", Body: "Please try again later."}
	}

	if oneClick {
		respondJSON(w, status, map[string]bool{"unsubscribed": err == nil})
		return
	}
	renderUnsubscribePage(w, r, status, view)
}

func renderUnsubscribePage(w http.ResponseWriter, r *http.Request, status int, view unsubscribeView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := unsubscribePage.Execute(w, view); err != nil {
		logging.FromContext(r.Context()).WithComponent("api").WithError(err).
			WithField("page", view.Title).Warn("Failed to render unsubscribe page")
	}
}
