package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"member-auth/internal/observability"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, phone_number, display_name, national_id, roles, password_hash, created_at, updated_at`

func (r *Repository) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.DisplayName, &u.NationalID, &u.Roles, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
}

func (r *Repository) GetByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE phone_number = $1
	`, phoneNumber))
}

// CreateFromPhone provisions a user the first time a phone number verifies.
// Racing requests converge on the same row through the phone number key.
func (r *Repository) CreateFromPhone(ctx context.Context, id, phoneNumber string) (*User, error) {
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, phone_number, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (phone_number) DO NOTHING
	`, id, phoneNumber, []string{"member"}, now)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return r.GetByPhone(ctx, phoneNumber)
}

// BootstrapAdmin ensures the configured admin account exists with an admin
// role and the given password. Keyed on phone number, so repeated boots are
// idempotent and never duplicate the account.
func (r *Repository) BootstrapAdmin(ctx context.Context, id, phoneNumber, password string, logger *observability.Logger) error {
	if phoneNumber == "" || password == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	ct, err := r.db.Exec(ctx, `
		INSERT INTO users (id, phone_number, display_name, roles, password_hash, created_at, updated_at)
		VALUES ($1, $2, 'Administrator', $3, $4, $5, $5)
		ON CONFLICT (phone_number) DO UPDATE
		SET roles = EXCLUDED.roles,
		    password_hash = EXCLUDED.password_hash,
		    updated_at = EXCLUDED.updated_at
	`, id, phoneNumber, []string{"admin", "member"}, string(hash), now)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	logger.Info("admin account ensured", map[string]any{
		"rows": ct.RowsAffected(),
	})

	return nil
}
