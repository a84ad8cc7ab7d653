// internal/api/http/deeplink_handlers.go
package http

import (
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"

	"github.com/courseloop/lti-bridge/internal/deeplink"
	"github.com/courseloop/lti-bridge/internal/registry"
)

type deepLinkReq struct {
	ReturnURL string                 `json:"return_url"`
	Data      string                 `json:"data"`
	Items     []deeplink.ContentItem `json:"items"`
}

// POST /deeplink/respond — sign the selected content items and hand back an
// auto-submitting form that POSTs the response JWT to the platform's deep
// link return URL.
func DeepLinkRespondHandler(responder *deeplink.Responder, regs registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "launch session required", http.StatusUnauthorized)
			return
		}
		var req deepLinkReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ReturnURL == "" || len(req.Items) == 0 {
			http.Error(w, "return_url and items required", http.StatusBadRequest)
			return
		}
		reg, err := regs.FindRegistrationByID(r.Context(), sess.RegistrationID)
		if err != nil {
			http.Error(w, "unknown registration", http.StatusNotFound)
			return
		}
		signed, err := responder.Response(reg, sess.DeploymentID, req.Data, req.Items)
		if err != nil {
			log.Printf("deep link response: %v", err)
			http.Error(w, "signing error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!doctype html><html><body onload="document.forms[0].submit()">
<form action="%s" method="post">
<input type="hidden" name="JWT" value="%s">
<noscript><button type="submit">Continue</button></noscript>
</form></body></html>`, html.EscapeString(req.ReturnURL), html.EscapeString(signed))
	}
}
