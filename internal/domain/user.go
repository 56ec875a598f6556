// Package domain holds records and identifiers shared by every layer.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

// User is the identity established at connect time.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Guest    bool   `json:"guest,omitempty"`
}

func NewUser(id, username string) (*User, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return nil, ErrUserIDInvalid
	}
	u := &User{ID: UserID(id)}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

// NewGuest names anonymous users after their token so logs stay readable.
func NewGuest(token string) (*User, error) {
	short := token
	if len(short) > 8 {
		short = short[:8]
	}
	u, err := NewUser(token, "guest-"+short)
	if err != nil {
		return nil, err
	}
	u.Guest = true
	return u, nil
}

func (u *User) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
