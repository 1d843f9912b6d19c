package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vecino.app/internal/accesscode"
	"vecino.app/internal/auth"
)

func (a *API) issueAccessCode(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req accesscode.IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.deps.AccessCodes.Issue(r.Context(), actor, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/access-codes/"+issued.ID)
	writeJSON(w, http.StatusCreated, issued)
}

func (a *API) getAccessCode(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	code, err := a.deps.AccessCodes.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

// scanAccessCode always answers 200 with a scan result; only store failures
// surface as errors.
func (a *API) scanAccessCode(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req accesscode.ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.OrganizationID = actor.OrganizationID
	req.ScannedBy = actor.UserID
	if req.DeviceInfo == "" {
		req.DeviceInfo = r.UserAgent()
	}
	out, err := a.deps.AccessCodes.Scan(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) revokeAccessCode(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	code, err := a.deps.AccessCodes.Revoke(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (a *API) accessCodeScans(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	logs, err := a.deps.AccessCodes.ScanLogs(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []accesscode.ScanLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}
