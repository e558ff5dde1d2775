package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"member-auth/internal/revocation"
	"member-auth/internal/signing"
)

func testMaterial(t *testing.T) signing.Material {
	t.Helper()

	material, err := signing.Resolve("", "issuer-test-secret")
	require.NoError(t, err)
	return material
}

func testSubject() Subject {
	return Subject{
		UserID:     uuid.NewString(),
		Name:       "Jordan Example",
		NationalID: "1234567890",
		Phone:      "+15550001111",
		Roles:      []string{"member"},
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api")
	subject := testSubject()

	signed, jti, err := issuer.Issue(context.Background(), subject)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := issuer.Validate(context.Background(), signed)
	require.NoError(t, err)

	assert.Equal(t, jti, claims.ID)
	assert.Equal(t, subject.UserID, claims.Subject)
	assert.Equal(t, subject.UserID, claims.UserID)
	assert.Equal(t, subject.Name, claims.Name)
	assert.Equal(t, subject.NationalID, claims.NationalID)
	assert.Equal(t, subject.Phone, claims.Phone)
	assert.Equal(t, subject.Roles, claims.Roles)
	assert.Equal(t, "member-auth", claims.Issuer)
}

func TestIssuer_TTLClamping(t *testing.T) {
	material := testMaterial(t)

	cases := map[int]time.Duration{
		0:   DefaultAccessTTLMinutes * time.Minute,
		-5:  DefaultAccessTTLMinutes * time.Minute,
		61:  DefaultAccessTTLMinutes * time.Minute,
		999: DefaultAccessTTLMinutes * time.Minute,
		1:   time.Minute,
		60:  time.Hour,
		30:  30 * time.Minute,
	}

	for minutes, want := range cases {
		issuer := NewIssuer(material, "member-auth", "member-api", WithAccessTTL(minutes))
		assert.Equal(t, want, issuer.AccessTTL())
	}
}

func TestIssuer_ExpiredTokenIsRejected(t *testing.T) {
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api",
		WithClock(func() time.Time { return current }),
	)

	signed, _, err := issuer.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	// A second before expiry the token still validates.
	current = current.Add(DefaultAccessTTLMinutes*time.Minute - time.Second)
	_, err = issuer.Validate(context.Background(), signed)
	require.NoError(t, err)

	// At expiry it does not. No leeway is granted.
	current = current.Add(2 * time.Second)
	_, err = issuer.Validate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RejectsForgedAndMalformedTokens(t *testing.T) {
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api")
	ctx := context.Background()

	_, err := issuer.Validate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	_, err = issuer.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	otherMaterial, err := signing.Resolve("", "a-different-secret")
	require.NoError(t, err)
	forger := NewIssuer(otherMaterial, "member-auth", "member-api")

	forged, _, err := forger.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	_, err = issuer.Validate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RejectsWrongIssuerOrAudience(t *testing.T) {
	material := testMaterial(t)
	issuer := NewIssuer(material, "member-auth", "member-api")
	ctx := context.Background()

	stranger := NewIssuer(material, "someone-else", "member-api")
	signed, _, err := stranger.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	_, err = issuer.Validate(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	offTarget := NewIssuer(material, "member-auth", "other-api")
	signed, _, err = offTarget.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	_, err = issuer.Validate(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RejectsAlgorithmSubstitution(t *testing.T) {
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api")

	// An unsigned token must never pass, whatever its claims say.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:   "member-auth",
		Audience: jwt.ClaimStrings{"member-api"},
		Subject:  uuid.NewString(),
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = issuer.Validate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RejectsMissingTokenID(t *testing.T) {
	material := testMaterial(t)
	issuer := NewIssuer(material, "member-auth", "member-api")

	// A well-signed token without a jti never reaches the deny list.
	now := time.Now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "member-auth",
			Audience:  jwt.ClaimStrings{"member-api"},
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		UserID: uuid.NewString(),
	}
	raw, err := jwt.NewWithClaims(material.SigningMethod(), claims).SignedString(material.SignKey())
	require.NoError(t, err)

	_, err = issuer.Validate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RejectsMalformedSubject(t *testing.T) {
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api")

	signed, _, err := issuer.Issue(context.Background(), Subject{UserID: "not-a-uuid"})
	require.NoError(t, err)

	_, err = issuer.Validate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestIssuer_RevokedTokenIsRejected(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	denylist := revocation.NewList(client)
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api", WithDenylist(denylist))
	ctx := context.Background()

	signed, _, err := issuer.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	claims, err := issuer.Validate(ctx, signed)
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeAccess(ctx, claims))

	_, err = issuer.Validate(ctx, signed)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The deny entry lives no longer than the token itself.
	srv.FastForward(DefaultAccessTTLMinutes*time.Minute + time.Second)
	assert.False(t, denylist.IsRevoked(ctx, claims.ID))
}

func TestIssuer_DenylistOutageFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api",
		WithDenylist(revocation.NewList(client)),
	)
	ctx := context.Background()

	signed, _, err := issuer.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	srv.Close()

	// Signature and expiry still gate the token; the unreachable deny list
	// does not take validation down with it.
	_, err = issuer.Validate(ctx, signed)
	assert.NoError(t, err)
}

type recordingAudit struct {
	issued  []AccessAudit
	revoked []string
}

func (a *recordingAudit) RecordAccessToken(_ context.Context, rec AccessAudit) error {
	a.issued = append(a.issued, rec)
	return nil
}

func (a *recordingAudit) MarkAccessTokenRevoked(_ context.Context, jti string, _ time.Time) error {
	a.revoked = append(a.revoked, jti)
	return nil
}

func TestIssuer_AuditTrailFollowsIssueAndRevoke(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	audit := &recordingAudit{}
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api",
		WithDenylist(revocation.NewList(client)),
		WithAuditStore(audit),
	)
	ctx := context.Background()

	subject := testSubject()
	signed, jti, err := issuer.Issue(ctx, subject)
	require.NoError(t, err)

	require.Len(t, audit.issued, 1)
	assert.Equal(t, jti, audit.issued[0].ID)
	assert.Equal(t, subject.UserID, audit.issued[0].UserID)
	assert.Equal(t, signed, audit.issued[0].Value)
	assert.Equal(t, issuer.AccessTTL(), audit.issued[0].ExpiresAt.Sub(audit.issued[0].IssuedAt))

	claims, err := issuer.Validate(ctx, signed)
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeAccess(ctx, claims))
	assert.Equal(t, []string{jti}, audit.revoked)
}

func TestIssuer_RevokeWithoutDenylistFailsLoudly(t *testing.T) {
	issuer := NewIssuer(testMaterial(t), "member-auth", "member-api")

	signed, _, err := issuer.Issue(context.Background(), testSubject())
	require.NoError(t, err)

	claims, err := issuer.Validate(context.Background(), signed)
	require.NoError(t, err)

	assert.Error(t, issuer.RevokeAccess(context.Background(), claims))
}
