// Package credential encodes and verifies the two forms of meal credential:
// the signed QR token shown on an employee's pass screen and the manual
// pickup-code string typed at an officer station.
package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Delimiter separates the encoded payload from its signature. Its presence
	// is the only thing that distinguishes a QR token from a manual code.
	Delimiter = "."

	// PickupCodeLength is the fixed width of the pickup-code prefix.
	PickupCodeLength = 6

	DefaultTTL    = 600 * time.Second
	DefaultLeeway = 30 * time.Second

	purposeScan = "scan"
)

var (
	ErrMalformed          = errors.New("malformed credential")
	ErrInvalidSignature   = errors.New("invalid credential signature")
	ErrExpired            = errors.New("credential expired")
	ErrInputTooShort      = errors.New("input too short")
	ErrPickupCodeMismatch = errors.New("pickup code mismatch")
	ErrIdentityNotFound   = errors.New("identity not found")
)

// Token is an issued QR credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// EmployeeLookup resolves an employee code to an identity id. Implementations
// return ErrIdentityNotFound when no active identity carries the code.
type EmployeeLookup interface {
	LookupEmployeeCode(ctx context.Context, code string) (int64, error)
}

// EmployeeLookupFunc adapts a function to EmployeeLookup.
type EmployeeLookupFunc func(ctx context.Context, code string) (int64, error)

func (f EmployeeLookupFunc) LookupEmployeeCode(ctx context.Context, code string) (int64, error) {
	return f(ctx, code)
}

// payload field order is the wire order: uid, type, exp.
type payload struct {
	UID  int64  `json:"uid"`
	Type string `json:"type"`
	Exp  int64  `json:"exp"`
}

// Codec signs and verifies credentials with a single injected key.
type Codec struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL overrides the default credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLeeway overrides the clock-skew tolerance applied to expiry checks.
func WithLeeway(leeway time.Duration) Option {
	return func(c *Codec) {
		if leeway >= 0 {
			c.leeway = leeway
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec builds a Codec. The key is used verbatim for every HMAC operation.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("credential: signing key is required")
	}
	c := &Codec{
		key:    append([]byte(nil), key...),
		ttl:    DefaultTTL,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL reports the default lifetime used when IssueQR receives ttl <= 0.
func (c *Codec) TTL() time.Duration { return c.ttl }

// IsQR reports whether raw input should take the QR path.
func IsQR(raw string) bool {
	return strings.Contains(raw, Delimiter)
}

// IssueQR signs a credential bound to identityID that expires after ttl.
func (c *Codec) IssueQR(identityID int64, ttl time.Duration) (Token, error) {
	if identityID <= 0 {
		return Token{}, fmt.Errorf("credential: invalid identity id %d", identityID)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	exp := c.now().Add(ttl).Unix()
	raw, err := json.Marshal(payload{UID: identityID, Type: purposeScan, Exp: exp})
	if err != nil {
		return Token{}, fmt.Errorf("credential: encode payload: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(raw) + Delimiter + c.sign(raw)
	return Token{Value: value, ExpiresAt: time.Unix(exp, 0).UTC()}, nil
}

// VerifyQR checks structure, signature and expiry, in that order, and returns
// the identity the token is bound to.
func (c *Codec) VerifyQR(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, Delimiter) != 1 {
		return 0, ErrMalformed
	}
	encoded, sig, _ := strings.Cut(token, Delimiter)
	if encoded == "" || sig == "" {
		return 0, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, ErrMalformed
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, ErrMalformed
	}
	if !hmac.Equal([]byte(c.sign(raw)), []byte(sig)) {
		return 0, ErrInvalidSignature
	}
	if p.Type != purposeScan || p.UID <= 0 || p.Exp == 0 {
		return 0, ErrMalformed
	}
	if p.Exp < c.now().Add(-c.leeway).Unix() {
		return 0, ErrExpired
	}
	return p.UID, nil
}

// VerifyManual resolves "PICKUP" + "EMPLOYEECODE" input. The prefix must be the
// pickup code of the identity operating the station; the remainder must name
// an existing identity.
func (c *Codec) VerifyManual(ctx context.Context, raw, presenterPickupCode string, lookup EmployeeLookup) (int64, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if len(raw) < PickupCodeLength+1 {
		return 0, ErrInputTooShort
	}
	prefix, rest := raw[:PickupCodeLength], raw[PickupCodeLength:]
	presenter := strings.ToUpper(strings.TrimSpace(presenterPickupCode))
	if presenter == "" || !hmac.Equal([]byte(prefix), []byte(presenter)) {
		return 0, ErrPickupCodeMismatch
	}
	if lookup == nil {
		return 0, ErrIdentityNotFound
	}
	id, err := lookup.LookupEmployeeCode(ctx, rest)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, ErrIdentityNotFound
	}
	return id, nil
}

func (c *Codec) sign(raw []byte) string {
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
