package storage

import "errors"

var (
	ErrUserNotFound = errors.New("user is not found")
	ErrUserExists   = errors.New("user already exists")
)
