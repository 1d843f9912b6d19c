package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vecino.app/internal/auth"
	"vecino.app/internal/enrollment"
)

type enrollmentRequest struct {
	UserID string `json:"userId"`
}

func (a *API) issueEnrollment(w http.ResponseWriter, r *http.Request) {
	a.enroll(w, r, a.deps.Enrollment.Issue)
}

func (a *API) regenerateEnrollment(w http.ResponseWriter, r *http.Request) {
	a.enroll(w, r, a.deps.Enrollment.Regenerate)
}

func (a *API) enroll(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, orgID, by string) (enrollment.Issued, error)) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req enrollmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "userId is required")
		return
	}
	issued, err := fn(r.Context(), req.UserID, actor.OrganizationID, actor.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (a *API) revokeEnrollment(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	t, err := a.deps.Enrollment.Get(r.Context(), actor.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	revoked, err := a.deps.Enrollment.Revoke(r.Context(), t.ID, actor.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

func (a *API) enrollmentAudit(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	t, err := a.deps.Enrollment.Get(r.Context(), actor.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	trail, err := a.deps.Enrollment.AuditTrail(r.Context(), t.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if trail == nil {
		trail = []enrollment.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": t, "items": trail})
}

type consumeRequest struct {
	Token     string `json:"token"`
	TokenHash string `json:"tokenHash"`
}

// consumeEnrollment is the unauthenticated device endpoint. Failures carry
// a machine-readable reason.
func (a *API) consumeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	act := enrollment.Activation{IP: clientIP(r), UserAgent: r.UserAgent()}

	var (
		res enrollment.Result
		err error
	)
	switch {
	case strings.TrimSpace(req.Token) != "":
		res, err = a.deps.Enrollment.Consume(r.Context(), req.Token, act)
	case strings.TrimSpace(req.TokenHash) != "":
		res, err = a.deps.Enrollment.ConsumeHash(r.Context(), req.TokenHash, act)
	default:
		writeError(w, r, http.StatusBadRequest, "token or tokenHash is required")
		return
	}
	if err != nil {
		var ce *enrollment.ConsumeError
		if errors.As(err, &ce) {
			status := http.StatusConflict
			if ce.Reason == enrollment.ReasonNotFound {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]any{
				"error":  ce.Error(),
				"reason": ce.Reason,
			})
			return
		}
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
