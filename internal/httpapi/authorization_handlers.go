package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vecino.app/internal/apperr"
	"vecino.app/internal/auth"
	"vecino.app/internal/authorization"
)

const (
	defaultQRSize = 512
	maxQRSize     = 2048
)

func (a *API) createAuthorization(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req authorization.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.deps.Authorizations.Create(r.Context(), actor, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/authorizations/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listAuthorizations(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offset, err := parseNonNegativeInt(q.Get("offset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset "+err.Error())
		return
	}
	list, err := a.deps.Authorizations.List(r.Context(), actor, authorization.ListRequest{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if list == nil {
		list = []authorization.VisitorAuthorization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  list,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) getAuthorization(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	got, err := a.deps.Authorizations.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) revokeAuthorization(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	revoked, err := a.deps.Authorizations.Revoke(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

func (a *API) authorizationQR(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	size, err := parsePositiveInt(r.URL.Query().Get("size"), defaultQRSize, maxQRSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "size "+err.Error())
		return
	}
	png, err := a.deps.Authorizations.RenderQR(r.Context(), actor, chi.URLParam(r, "id"), size, size)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// revocationFeed serves porter devices that sync revocations for offline use.
func (a *API) revocationFeed(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	list, err := a.deps.Authorizations.RevokedSince(r.Context(), actor, since)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if list == nil {
		list = []authorization.Revocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      list,
		"serverTime": a.now().UTC().Format(time.RFC3339),
	})
}

func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: since must be RFC 3339", apperr.ErrInvalidInput)
	}
	return t, nil
}
