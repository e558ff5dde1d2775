package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"member-auth/internal/user"
)

const (
	MinRefreshTTLDays     = 1
	MaxRefreshTTLDays     = 90
	DefaultRefreshTTLDays = 30
)

// Store is the persistence surface the rotator depends on.
type Store interface {
	Create(ctx context.Context, rt *RefreshToken) error
	FindByLookup(ctx context.Context, lookupHash string) (*RefreshToken, error)
	Rotate(ctx context.Context, p RotateParams) (RotateOutcome, error)
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	RevokeAllForDevice(ctx context.Context, userID, deviceFingerprint string, now time.Time) (int64, error)
}

// Directory resolves token owners to full user records.
type Directory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// RotationResult is the outcome of one exchange attempt. User and
// RefreshSecret are set only when Status is RotationOK.
type RotationResult struct {
	Status        RotationStatus
	User          *user.User
	RefreshSecret string
	Token         *RefreshToken
	RevokedTokens int64
}

// Rotator issues opaque refresh secrets and exchanges them single-use. The
// raw secret exists only in transit; storage holds a peppered hash plus an
// unkeyed lookup digest.
type Rotator struct {
	store          Store
	users          Directory
	hasher         *SecretHasher
	ttl            time.Duration
	enforceBinding bool
	now            func() time.Time
}

type RotatorOption func(*Rotator)

func WithRefreshTTL(days int) RotatorOption {
	return func(r *Rotator) {
		if days < MinRefreshTTLDays || days > MaxRefreshTTLDays {
			days = DefaultRefreshTTLDays
		}
		r.ttl = time.Duration(days) * 24 * time.Hour
	}
}

func WithBindingEnforcement(enforce bool) RotatorOption {
	return func(r *Rotator) { r.enforceBinding = enforce }
}

func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) { r.now = now }
}

func NewRotator(store Store, users Directory, hasher *SecretHasher, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		store:  store,
		users:  users,
		hasher: hasher,
		ttl:    DefaultRefreshTTLDays * 24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rotator) RefreshTTL() time.Duration {
	return r.ttl
}

func (r *Rotator) newToken(userID, familyID string, binding Binding, now time.Time) (string, *RefreshToken, error) {
	raw, err := NewSecret()
	if err != nil {
		return "", nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("token: generate token id: %w", err)
	}

	rt := &RefreshToken{
		ID:         id.String(),
		UserID:     userID,
		FamilyID:   familyID,
		Value:      r.hasher.Hash(raw),
		LookupHash: Lookup(raw),
		IssuedAt:   now,
		ExpiresAt:  now.Add(r.ttl),
		Binding:    binding,
	}

	return raw, rt, nil
}

// Issue starts a new session family for the user and returns the raw secret.
func (r *Rotator) Issue(ctx context.Context, userID string, binding Binding) (string, *RefreshToken, error) {
	familyID, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("token: generate family id: %w", err)
	}

	raw, rt, err := r.newToken(userID, familyID.String(), binding, r.now().UTC())
	if err != nil {
		return "", nil, err
	}

	if err := r.store.Create(ctx, rt); err != nil {
		return "", nil, err
	}

	return raw, rt, nil
}

// Exchange swaps a presented refresh secret for a fresh one. The old secret
// is dead afterwards regardless of outcome; replaying it revokes the whole
// session family.
func (r *Rotator) Exchange(ctx context.Context, rawSecret string, binding Binding) (RotationResult, error) {
	if rawSecret == "" {
		return RotationResult{Status: RotationInvalidToken}, nil
	}

	now := r.now().UTC()

	// The successor's family is assigned inside the transaction, once the
	// current token's family is known.
	newSecret, successor, err := r.newToken("", "", binding, now)
	if err != nil {
		return RotationResult{}, err
	}

	outcome, err := r.store.Rotate(ctx, RotateParams{
		LookupHash:     Lookup(rawSecret),
		ProvidedHash:   r.hasher.Hash(rawSecret),
		Binding:        binding,
		EnforceBinding: r.enforceBinding,
		Successor:      successor,
		Now:            now,
	})
	if err != nil {
		return RotationResult{}, err
	}

	result := RotationResult{Status: outcome.Status, RevokedTokens: outcome.RevokedTokens}
	if outcome.Status != RotationOK {
		return result, nil
	}

	successor.UserID = outcome.UserID
	successor.FamilyID = outcome.FamilyID
	owner, err := r.users.GetByID(ctx, outcome.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			result.Status = RotationUserNotFound
			return result, nil
		}
		return RotationResult{}, err
	}

	result.User = owner
	result.RefreshSecret = newSecret
	result.Token = successor
	return result, nil
}

// Revoke ends the session family a presented secret belongs to. Used at
// logout; an unknown or forged secret is reported, not acted on.
func (r *Rotator) Revoke(ctx context.Context, rawSecret string) (int64, error) {
	rt, err := r.store.FindByLookup(ctx, Lookup(rawSecret))
	if err != nil {
		return 0, err
	}

	if !r.hasher.Matches(rawSecret, rt.Value) {
		return 0, ErrTokenNotFound
	}

	return r.store.RevokeFamily(ctx, rt.FamilyID, r.now().UTC())
}

// RevokeAllForUser ends every session the user holds on every device.
func (r *Rotator) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return r.store.RevokeAllForUser(ctx, userID, r.now().UTC())
}

// RevokeDevice ends the user's sessions bound to one device fingerprint.
func (r *Rotator) RevokeDevice(ctx context.Context, userID, deviceFingerprint string) (int64, error) {
	return r.store.RevokeAllForDevice(ctx, userID, deviceFingerprint, r.now().UTC())
}
