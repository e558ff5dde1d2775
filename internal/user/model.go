package user

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("user: not found")

type User struct {
	ID           string
	PhoneNumber  string
	DisplayName  string
	NationalID   string
	Roles        []string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
