package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahsinil/meal-pass/internal/audit"
	"github.com/ahsinil/meal-pass/internal/auth"
	"github.com/ahsinil/meal-pass/internal/redemption"
)

type tokenRequest struct {
	EmployeeCode string `json:"employee_code"`
	Password     string `json:"password"`
}

type tokenResponse struct {
	Token     string                     `json:"token"`
	ExpiresAt time.Time                  `json:"expires_at"`
	Roles     []string                   `json:"roles"`
	Identity  redemption.IdentitySummary `json:"identity"`
}

type meResponse struct {
	Identity   redemption.IdentitySummary `json:"identity"`
	Role       redemption.Role            `json:"role"`
	PickupCode string                     `json:"pickup_code,omitempty"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.issuer == nil || a.identities == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.EmployeeCode)
	if code == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "employee_code and password are required")
		return
	}

	ident, err := a.identities.IdentityByEmployeeCode(r.Context(), code)
	if err != nil && !errors.Is(err, redemption.ErrNotFound) {
		handleRedemptionError(w, r, err)
		return
	}
	if err != nil || !ident.Active || auth.VerifyPassword(ident.PasswordHash, req.Password) != nil {
		audit.Record(r.Context(), audit.EventLoginFailed, map[string]any{"employee_code": code})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	roles := []string{string(ident.Role)}
	token, expiresAt, err := a.issuer.Generate(strconv.FormatInt(ident.ID, 10), roles)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	audit.Record(r.Context(), audit.EventTokenIssued, map[string]any{
		"identity_id": ident.ID,
		"roles":       roles,
		"expires_at":  expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Roles:     roles,
		Identity:  ident.Summary(),
	})
}

// handleMe returns the caller's profile. Officers see their own pickup code,
// which prefixes every manual credential they accept.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	ident, err := a.identities.IdentityByID(r.Context(), id)
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	resp := meResponse{Identity: ident.Summary(), Role: ident.Role}
	if ident.Role == redemption.RoleOfficer || ident.Role == redemption.RoleAdmin {
		resp.PickupCode = ident.PickupCode
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCredentials issues a fresh QR credential for the caller.
func (a *API) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	cred, err := a.engine.IssueCredential(r.Context(), id)
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventCredentialIssued, map[string]any{
		"identity_id":     id,
		"expires_at_unix": cred.ExpiresAtUnix,
	})
	writeJSON(w, http.StatusCreated, cred)
}
