package model

import "time"

// User is a row of the users table. Password holds whatever the configured
// password encoder produced; with the default encoder that is the plain text.
type User struct {
	ID        int64
	Name      string
	Surname   string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CreateUser struct {
	Name     string
	Surname  string
	Password string
}

// UpdateUser is a partial update: nil fields are left untouched.
type UpdateUser struct {
	Name     *string
	Surname  *string
	Password *string
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 100
)

type Page struct {
	Limit  int
	Offset int
}
