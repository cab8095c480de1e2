package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ahsinil/meal-pass/internal/auth"
	"github.com/ahsinil/meal-pass/internal/obs"
	"github.com/ahsinil/meal-pass/internal/pickupcode"
	"github.com/ahsinil/meal-pass/internal/redemption"
	"github.com/ahsinil/meal-pass/internal/stream"
)

const serviceName = "meal-pass"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the backing store. A nil Ping is always ready.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// API is the HTTP layer over the redemption engine.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	engine     *redemption.Engine
	identities redemption.IdentityStore
	issuer     *auth.TokenIssuer
	stream     *stream.Stream
	rotator    *pickupcode.Rotator

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option customises the API.
type Option func(*API)

// WithStream enables the SSE feed.
func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }

// WithRotator enables the pickup-code rotation endpoint.
func WithRotator(r *pickupcode.Rotator) Option { return func(a *API) { a.rotator = r } }

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst, perSec int) Option {
	return func(a *API) {
		if burst > 0 && perSec > 0 {
			a.rateBurst, a.ratePerSec = burst, perSec
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New wires the routes.
func New(rp ReadyProbe, version string, engine *redemption.Engine, identities redemption.IdentityStore, issuer *auth.TokenIssuer, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		engine:     engine,
		identities: identities,
		issuer:     issuer,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	staff := RequireRole(string(redemption.RoleOfficer), string(redemption.RoleAdmin))
	admin := RequireRole(string(redemption.RoleAdmin))

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/credentials", a.handleCredentials)

	a.mux.Handle("/v1/scans", staff(http.HandlerFunc(a.handleScans)))
	a.mux.Handle("/v1/redemptions", staff(http.HandlerFunc(a.handleRedemptions)))
	a.mux.Handle("/v1/redemptions/", admin(http.HandlerFunc(a.handleRedemptionResource)))
	a.mux.Handle("/v1/sessions/", staff(http.HandlerFunc(a.handleSessions)))
	a.mux.Handle("/v1/stream", staff(http.HandlerFunc(a.Stream)))
	a.mux.Handle("/v1/admin/pickup-codes/rotate", admin(http.HandlerFunc(a.handleRotatePickupCodes)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeKindError(w, r, code, "", msg)
}

func writeKindError(w http.ResponseWriter, r *http.Request, code int, kind redemption.ErrorKind, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if kind != redemption.KindNone {
		payload["kind"] = kind
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON object. An empty body is an error unless
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleRedemptionError maps domain errors to HTTP statuses.
func handleRedemptionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, redemption.ErrOfficerNotFound) {
		writeError(w, r, http.StatusForbidden, "officer account is not active")
		return
	}
	kind := redemption.KindOf(err)
	switch kind {
	case redemption.KindValidation:
		writeKindError(w, r, http.StatusBadRequest, kind, err.Error())
	case redemption.KindAlreadyRedeemed, redemption.KindDuplicate, redemption.KindNoActiveSession:
		writeKindError(w, r, http.StatusConflict, kind, err.Error())
	case redemption.KindNotFound, redemption.KindIdentityNotFound:
		writeKindError(w, r, http.StatusNotFound, kind, err.Error())
	case redemption.KindMalformed, redemption.KindInvalidSignature, redemption.KindExpired,
		redemption.KindInputTooShort, redemption.KindPickupCodeMismatch:
		writeKindError(w, r, http.StatusUnprocessableEntity, kind, err.Error())
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// callerID resolves the authenticated identity or writes 401.
func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := auth.IdentityIDFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", realm)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return 0, false
	}
	return id, true
}
