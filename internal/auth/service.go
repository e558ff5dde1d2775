package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"member-auth/internal/observability"
	"member-auth/internal/token"
	"member-auth/internal/user"
)

var (
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrSessionCompromised  = errors.New("auth: refresh token reuse detected")
)

// Tokens is the credential pair handed to a client after verification or
// refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OTPFlow starts and confirms phone verification challenges.
type OTPFlow interface {
	Start(ctx context.Context, phoneNumber string) (string, error)
	Confirm(ctx context.Context, challengeID, phoneNumber, code string) error
}

// Users resolves and provisions accounts by phone number.
type Users interface {
	GetByPhone(ctx context.Context, phoneNumber string) (*user.User, error)
	CreateFromPhone(ctx context.Context, id, phoneNumber string) (*user.User, error)
}

// RefreshRotator manages opaque refresh secrets and their session families.
type RefreshRotator interface {
	Issue(ctx context.Context, userID string, binding token.Binding) (string, *token.RefreshToken, error)
	Exchange(ctx context.Context, rawSecret string, binding token.Binding) (token.RotationResult, error)
	Revoke(ctx context.Context, rawSecret string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// AccessIssuer mints and verifies signed access tokens.
type AccessIssuer interface {
	Issue(ctx context.Context, subject token.Subject) (string, string, error)
	Validate(ctx context.Context, raw string) (*token.AccessClaims, error)
	RevokeAccess(ctx context.Context, claims *token.AccessClaims) error
	AccessTTL() time.Duration
}

// Service ties phone verification, account lookup and token issuance into
// the login lifecycle.
type Service struct {
	otp     OTPFlow
	users   Users
	rotator RefreshRotator
	issuer  AccessIssuer
	logger  *observability.Logger
}

func NewService(otp OTPFlow, users Users, rotator RefreshRotator, issuer AccessIssuer, logger *observability.Logger) *Service {
	return &Service{
		otp:     otp,
		users:   users,
		rotator: rotator,
		issuer:  issuer,
		logger:  logger,
	}
}

// RequestOTP begins phone verification and returns the challenge ID the
// client must echo back.
func (s *Service) RequestOTP(ctx context.Context, phoneNumber string) (string, error) {
	return s.otp.Start(ctx, strings.TrimSpace(phoneNumber))
}

// VerifyOTP completes phone verification and establishes a session. A phone
// number seen for the first time gets an account on the spot.
func (s *Service) VerifyOTP(ctx context.Context, challengeID, phoneNumber, code string, binding token.Binding) (Tokens, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)

	if err := s.otp.Confirm(ctx, challengeID, phoneNumber, code); err != nil {
		return Tokens{}, err
	}

	account, err := s.users.GetByPhone(ctx, phoneNumber)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			return Tokens{}, err
		}

		id, idErr := uuid.NewV7()
		if idErr != nil {
			return Tokens{}, fmt.Errorf("generate user id: %w", idErr)
		}
		account, err = s.users.CreateFromPhone(ctx, id.String(), phoneNumber)
		if err != nil {
			return Tokens{}, err
		}
	}

	tokens, err := s.issueTokens(ctx, account, binding)
	if err != nil {
		return Tokens{}, err
	}

	s.logger.Info("session established", map[string]any{
		"user_id": account.ID,
	})

	return tokens, nil
}

// Refresh exchanges a refresh secret for a fresh credential pair. A replayed
// secret shuts the whole session family down and reports the compromise.
func (s *Service) Refresh(ctx context.Context, refreshSecret string, binding token.Binding) (Tokens, error) {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	result, err := s.rotator.Exchange(ctx, refreshSecret, binding)
	if err != nil {
		return Tokens{}, err
	}

	switch result.Status {
	case token.RotationOK:
		// fall through below
	case token.RotationReuseDetected:
		s.logger.Error("refresh token reuse detected", map[string]any{
			"revoked_tokens": result.RevokedTokens,
		})
		return Tokens{}, ErrSessionCompromised
	default:
		return Tokens{}, ErrInvalidRefreshToken
	}

	access, _, err := s.issuer.Issue(ctx, subjectFor(result.User))
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: result.RefreshSecret,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Logout ends the session family the refresh secret belongs to and, when
// access claims are presented, deny-lists the live access token as well.
func (s *Service) Logout(ctx context.Context, refreshSecret string, claims *token.AccessClaims) error {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		return ErrInvalidRefreshToken
	}

	if _, err := s.rotator.Revoke(ctx, refreshSecret); err != nil {
		if errors.Is(err, token.ErrTokenNotFound) {
			return ErrInvalidRefreshToken
		}
		return err
	}

	if claims != nil {
		if err := s.issuer.RevokeAccess(ctx, claims); err != nil {
			// Session revocation already succeeded; a missing deny list
			// only means the access token runs out its short lifetime.
			s.logger.Error("access token revocation skipped", map[string]any{
				"error": err.Error(),
			})
		}
	}

	return nil
}

// LogoutAll ends every session the user holds, across all devices.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.rotator.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("all sessions revoked", map[string]any{
		"user_id":        userID,
		"revoked_tokens": revoked,
	})

	return revoked, nil
}

func (s *Service) issueTokens(ctx context.Context, account *user.User, binding token.Binding) (Tokens, error) {
	access, _, err := s.issuer.Issue(ctx, subjectFor(account))
	if err != nil {
		return Tokens{}, err
	}

	refreshSecret, _, err := s.rotator.Issue(ctx, account.ID, binding)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshSecret,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

func subjectFor(account *user.User) token.Subject {
	return token.Subject{
		UserID:     account.ID,
		Name:       account.DisplayName,
		NationalID: account.NationalID,
		Phone:      account.PhoneNumber,
		Roles:      account.Roles,
	}
}
