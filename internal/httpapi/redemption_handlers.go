package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahsinil/meal-pass/internal/audit"
	"github.com/ahsinil/meal-pass/internal/redemption"
)

type scanRequest struct {
	Input string `json:"input"`
}

type confirmRequest struct {
	SessionID      int64  `json:"session_id"`
	IdentityID     int64  `json:"identity_id"`
	Method         string `json:"method"`
	Overridden     bool   `json:"overridden"`
	OverrideReason string `json:"override_reason"`
}

type correctionRequest struct {
	SessionID  int64  `json:"session_id"`
	IdentityID int64  `json:"identity_id"`
	Method     string `json:"method"`
	Reason     string `json:"reason"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type listRedemptionsResponse struct {
	SessionID int64               `json:"session_id"`
	Items     []redemption.Record `json:"items"`
	AsOf      time.Time           `json:"as_of"`
}

// handleScans resolves raw station input. Rejections are ordinary outcomes
// and return 200 with status "rejected".
func (a *API) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	officerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req scanRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.engine.Submit(r.Context(), req.Input, officerID)
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRedemptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	officerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.engine.Confirm(r.Context(), redemption.ConfirmRequest{
		SessionID:      req.SessionID,
		IdentityID:     req.IdentityID,
		OfficerID:      officerID,
		Method:         redemption.Method(strings.ToLower(strings.TrimSpace(req.Method))),
		Overridden:     req.Overridden,
		OverrideReason: strings.TrimSpace(req.OverrideReason),
	})
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}

	fields := map[string]any{
		"redemption_id": rec.ID,
		"session_id":    rec.SessionID,
		"identity_id":   rec.IdentityID,
		"method":        rec.Method,
	}
	audit.Record(r.Context(), audit.EventRedemptionConfirmed, fields)
	if rec.Overridden {
		audit.Record(r.Context(), audit.EventRedemptionOverride, map[string]any{
			"redemption_id": rec.ID,
			"reason":        rec.OverrideReason,
		})
	}

	w.Header().Set("Location", "/v1/redemptions/"+strconv.FormatInt(rec.ID, 10))
	writeJSON(w, http.StatusCreated, rec)
}

// handleRedemptionResource serves administrative corrections on a record.
func (a *API) handleRedemptionResource(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/redemptions/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "redemption not found")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		a.correctRedemption(w, r, id)
	case http.MethodDelete:
		a.voidRedemption(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) correctRedemption(w http.ResponseWriter, r *http.Request, id int64) {
	var req correctionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.engine.CorrectRedemption(r.Context(), id, redemption.Correction{
		SessionID:  req.SessionID,
		IdentityID: req.IdentityID,
		Method:     redemption.Method(strings.ToLower(strings.TrimSpace(req.Method))),
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventRedemptionCorrected, map[string]any{
		"redemption_id": rec.ID,
		"session_id":    rec.SessionID,
		"identity_id":   rec.IdentityID,
		"reason":        rec.CorrectionReason,
	})
	writeJSON(w, http.StatusOK, rec)
}

// voidRedemption takes the reason from the body or, for clients that cannot
// send a DELETE body, the reason query parameter.
func (a *API) voidRedemption(w http.ResponseWriter, r *http.Request, id int64) {
	var req voidRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = strings.TrimSpace(r.URL.Query().Get("reason"))
	}
	if err := a.engine.VoidRedemption(r.Context(), id, reason); err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventRedemptionVoided, map[string]any{
		"redemption_id": id,
		"reason":        reason,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleSessions serves /v1/sessions/active and /v1/sessions/{id}/redemptions.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if path == "active" {
		a.activeSession(w, r)
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "redemptions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	items, err := a.engine.ListRedemptions(r.Context(), id)
	if err != nil {
		handleRedemptionError(w, r, err)
		return
	}
	if items == nil {
		items = []redemption.Record{}
	}
	writeJSON(w, http.StatusOK, listRedemptionsResponse{
		SessionID: id,
		Items:     items,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) activeSession(w http.ResponseWriter, r *http.Request) {
	sc, err := a.engine.ActiveSessionCapacity(r.Context())
	if err != nil {
		if redemption.KindOf(err) == redemption.KindNoActiveSession {
			writeKindError(w, r, http.StatusNotFound, redemption.KindNoActiveSession, err.Error())
			return
		}
		handleRedemptionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) handleRotatePickupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.rotator == nil {
		writeError(w, r, http.StatusServiceUnavailable, "pickup-code rotation disabled")
		return
	}
	n, err := a.rotator.RotateAll(r.Context())
	if err != nil {
		audit.Record(r.Context(), audit.EventPickupCodesRotated, map[string]any{"rotated": n, "error": err.Error()})
		handleRedemptionError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventPickupCodesRotated, map[string]any{"rotated": n})
	writeJSON(w, http.StatusOK, map[string]any{"rotated": n})
}
