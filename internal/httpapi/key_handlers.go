package httpapi

import (
	"net/http"
	"strings"
	"time"

	"vecino.app/internal/auth"
	"vecino.app/internal/obs"
	"vecino.app/internal/verify"
)

type rotateResponse struct {
	Kid            string `json:"kid"`
	OrganizationID string `json:"organizationId"`
	Algorithm      string `json:"algorithm"`
	CreatedAt      string `json:"createdAt"`
}

func (a *API) rotateKey(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	key, err := a.deps.Keys.Rotate(r.Context(), actor.OrganizationID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rotateResponse{
		Kid:            key.Kid,
		OrganizationID: key.OrganizationID,
		Algorithm:      key.Algorithm,
		CreatedAt:      key.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) jwks(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	set, err := a.deps.Keys.PublicKeySet(r.Context(), actor.OrganizationID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(set)
}

type verifyRequest struct {
	SignedQR string `json:"signedQr"`
}

// verifyCredential runs the offline verification algorithm against the
// caller's organization keys and the shared revocation set.
func (a *API) verifyCredential(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SignedQR) == "" {
		writeError(w, r, http.StatusBadRequest, "signedQr is required")
		return
	}
	set, err := a.deps.Keys.PublicKeySet(r.Context(), actor.OrganizationID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ks, err := verify.NewKeySet(set)
	if err != nil {
		handleError(w, r, err)
		return
	}
	v, err := verify.NewVerifier(ks, verify.WithRevocations(a.deps.Revocations), verify.WithLogger(obs.Logger()))
	if err != nil {
		handleError(w, r, err)
		return
	}
	res := v.Verify(r.Context(), req.SignedQR, a.now(), a.deps.ClockSkew)
	if res.Payload != nil && res.Payload.OrgID != actor.OrganizationID {
		res = verify.Result{Outcome: verify.OutcomeInvalid}
	}
	writeJSON(w, http.StatusOK, res)
}
