package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ahsinil/meal-pass/internal/auth"
	"github.com/ahsinil/meal-pass/internal/obs"
)

// Event names written by the service.
const (
	EventTokenIssued         = "auth.token.issued"
	EventLoginFailed         = "auth.login_failed"
	EventCredentialIssued    = "credential.issued"
	EventRedemptionConfirmed = "redemption.confirmed"
	EventRedemptionOverride  = "redemption.override"
	EventRedemptionCorrected = "redemption.corrected"
	EventRedemptionVoided    = "redemption.voided"
	EventPickupCodesRotated  = "pickup_codes.rotated"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the request id and the
// acting identity.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor, ok := auth.UserIDFromContext(ctx); ok {
		entry["actor_id"] = actor
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Record logs the event and reports marshal failures to the service log
// instead of the caller. Handlers use it where an audit failure must not fail
// the request.
func Record(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit_failed", map[string]any{"event": event, "error": err.Error()})
	}
}
