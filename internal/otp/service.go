package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"member-auth/internal/observability"
)

var (
	ErrChallengeExpired = errors.New("otp: challenge expired")
	ErrCodeMismatch     = errors.New("otp: code does not match")
	ErrTooManyAttempts  = errors.New("otp: too many failed attempts")
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultMaxAttempts  = 5
)

// Store is the persistence surface the service depends on.
type Store interface {
	Create(ctx context.Context, c *Challenge) error
	GetByID(ctx context.Context, id string) (*Challenge, error)
	Consume(ctx context.Context, id string, when time.Time) error
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
	ExpireOpenForPhone(ctx context.Context, phoneNumber string, now time.Time) (int64, error)
}

// Sender delivers the plain code to the subscriber. The service never logs or
// stores the code itself.
type Sender interface {
	SendCode(ctx context.Context, phoneNumber, code string) error
}

type Service struct {
	store       Store
	hasher      *Hasher
	sender      Sender
	logger      *observability.Logger
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewService(store Store, hasher *Hasher, sender Sender, logger *observability.Logger) *Service {
	return &Service{
		store:       store,
		hasher:      hasher,
		sender:      sender,
		logger:      logger,
		ttl:         DefaultChallengeTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// Start creates a fresh challenge for the phone number, invalidating any
// still-open ones first, and hands the plain code to the sender.
func (s *Service) Start(ctx context.Context, phoneNumber string) (string, error) {
	now := s.now().UTC()

	if _, err := s.store.ExpireOpenForPhone(ctx, phoneNumber, now); err != nil {
		return "", err
	}

	code, err := GenerateCode(DefaultCodeLength)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}

	nonce, err := GenerateNonce(DefaultNonceLength)
	if err != nil {
		return "", fmt.Errorf("generate otp nonce: %w", err)
	}

	challengeID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}

	digest, err := s.hasher.Hash(challengeID.String(), phoneNumber, code, nonce)
	if err != nil {
		return "", err
	}

	challenge := &Challenge{
		ID:          challengeID.String(),
		PhoneNumber: phoneNumber,
		HashedCode:  digest,
		Nonce:       nonce,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if err := s.store.Create(ctx, challenge); err != nil {
		return "", err
	}

	if err := s.sender.SendCode(ctx, phoneNumber, code); err != nil {
		return "", fmt.Errorf("send otp code: %w", err)
	}

	s.logger.Info("otp challenge started", map[string]any{
		"challenge_id": challenge.ID,
	})

	return challenge.ID, nil
}

// Confirm checks a submitted code against its challenge and consumes the
// challenge on success. Phone number must match the one the challenge was
// started for.
func (s *Service) Confirm(ctx context.Context, challengeID, phoneNumber, code string) error {
	challenge, err := s.store.GetByID(ctx, challengeID)
	if err != nil {
		return err
	}

	now := s.now().UTC()

	if challenge.ConsumedAt != nil {
		return ErrChallengeConsumed
	}
	if !challenge.ExpiresAt.After(now) {
		return ErrChallengeExpired
	}
	if challenge.Attempts >= s.maxAttempts {
		return ErrTooManyAttempts
	}

	if !s.hasher.Verify(challenge.ID, phoneNumber, code, challenge.Nonce, challenge.HashedCode) {
		attempts, recordErr := s.store.RecordFailedAttempt(ctx, challenge.ID)
		if recordErr != nil {
			return recordErr
		}
		if attempts >= s.maxAttempts {
			return ErrTooManyAttempts
		}
		return ErrCodeMismatch
	}

	if err := s.store.Consume(ctx, challenge.ID, now); err != nil {
		return err
	}

	s.logger.Info("otp challenge confirmed", map[string]any{
		"challenge_id": challenge.ID,
	})

	return nil
}

// LogSender is a development stand-in for a real SMS gateway.
type LogSender struct {
	Logger *observability.Logger
}

func (l *LogSender) SendCode(_ context.Context, phoneNumber string, _ string) error {
	l.Logger.Info("otp code dispatched", map[string]any{
		"phone_number": phoneNumber,
	})
	return nil
}
