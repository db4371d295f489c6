package service

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordEncoder turns a submitted password into its stored form.
type PasswordEncoder interface {
	Encode(password string) (string, error)
}

// PlainPasswords stores passwords as submitted.
type PlainPasswords struct{}

func (PlainPasswords) Encode(password string) (string, error) {
	return password, nil
}

type BcryptPasswords struct {
	Cost int
}

func (b BcryptPasswords) Encode(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// PasswordEncoderFor maps PASSWORD_STORAGE onto an encoder.
func PasswordEncoderFor(mode string) (PasswordEncoder, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "plain":
		return PlainPasswords{}, nil
	case "bcrypt":
		return BcryptPasswords{}, nil
	default:
		return nil, fmt.Errorf("unknown password storage %q", mode)
	}
}
