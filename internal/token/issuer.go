package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"member-auth/internal/signing"
)

const (
	MinAccessTTLMinutes     = 1
	MaxAccessTTLMinutes     = 60
	DefaultAccessTTLMinutes = 15
)

var (
	ErrInvalidAccessToken = errors.New("token: access token is not valid")
	ErrTokenRevoked       = errors.New("token: access token has been revoked")
)

// AccessClaims is the claim set carried by every access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Name       string   `json:"name,omitempty"`
	UserID     string   `json:"user_id"`
	NationalID string   `json:"national_id,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// Subject describes the user an access token is minted for.
type Subject struct {
	UserID     string
	Name       string
	NationalID string
	Phone      string
	Roles      []string
}

// Denylist answers whether a token ID has been revoked before its natural
// expiry. A nil denylist means no revocation checks.
type Denylist interface {
	Enabled() bool
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) bool
}

// AuditStore keeps a durable trail of issued access tokens. Trust decisions
// never read it; it backs revocation bookkeeping and incident forensics.
type AuditStore interface {
	RecordAccessToken(ctx context.Context, rec AccessAudit) error
	MarkAccessTokenRevoked(ctx context.Context, jti string, at time.Time) error
}

// Issuer mints and validates access tokens. The signing algorithm follows the
// resolved key material: RS256 with an RSA key file, HS256 otherwise.
type Issuer struct {
	material signing.Material
	issuer   string
	audience string
	denylist Denylist
	audit    AuditStore
	ttl      time.Duration
	now      func() time.Time
}

type IssuerOption func(*Issuer)

func WithAccessTTL(minutes int) IssuerOption {
	return func(i *Issuer) {
		if minutes < MinAccessTTLMinutes || minutes > MaxAccessTTLMinutes {
			minutes = DefaultAccessTTLMinutes
		}
		i.ttl = time.Duration(minutes) * time.Minute
	}
}

func WithDenylist(d Denylist) IssuerOption {
	return func(i *Issuer) { i.denylist = d }
}

func WithAuditStore(a AuditStore) IssuerOption {
	return func(i *Issuer) { i.audit = a }
}

func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(material signing.Material, issuer, audience string, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		material: material,
		issuer:   issuer,
		audience: audience,
		ttl:      DefaultAccessTTLMinutes * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.ttl
}

// Issue mints a signed access token for the subject. The returned token ID is
// the jti claim, usable later for targeted revocation.
func (i *Issuer) Issue(ctx context.Context, subject Subject) (string, string, error) {
	if subject.UserID == "" {
		return "", "", errors.New("token: subject user id is required")
	}

	jti, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("token: generate jti: %w", err)
	}

	now := i.now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   subject.UserID,
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Name:       subject.Name,
		UserID:     subject.UserID,
		NationalID: subject.NationalID,
		Phone:      subject.Phone,
		Roles:      subject.Roles,
	}

	signed, err := jwt.NewWithClaims(i.material.SigningMethod(), claims).SignedString(i.material.SignKey())
	if err != nil {
		return "", "", fmt.Errorf("token: sign access token: %w", err)
	}

	if i.audit != nil {
		err := i.audit.RecordAccessToken(ctx, AccessAudit{
			ID:        jti.String(),
			UserID:    subject.UserID,
			Value:     signed,
			IssuedAt:  now,
			ExpiresAt: now.Add(i.ttl),
		})
		if err != nil {
			return "", "", err
		}
	}

	return signed, jti.String(), nil
}

// Validate parses and verifies an access token. Any defect, from a malformed
// string to a revoked jti, comes back as an error; the caller never sees a
// half-trusted claim set.
func (i *Issuer) Validate(ctx context.Context, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, i.keyFunc,
		jwt.WithValidMethods([]string{string(i.material.Method)}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessToken, err)
	}

	if err := uuid.Validate(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidAccessToken)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrInvalidAccessToken)
	}

	if i.denylist != nil && i.denylist.IsRevoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

func (i *Issuer) keyFunc(*jwt.Token) (any, error) {
	return i.material.VerifyKey(), nil
}

// RevokeAccess deny-lists a still-live token for the remainder of its
// lifetime. Expired tokens need no entry.
func (i *Issuer) RevokeAccess(ctx context.Context, claims *AccessClaims) error {
	if i.denylist == nil || !i.denylist.Enabled() {
		return errors.New("token: revocation requires a deny list")
	}
	if claims.ExpiresAt == nil {
		return errors.New("token: claims carry no expiry")
	}

	now := i.now().UTC()
	if err := i.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(now)); err != nil {
		return err
	}

	if i.audit != nil {
		return i.audit.MarkAccessTokenRevoked(ctx, claims.ID, now)
	}

	return nil
}
