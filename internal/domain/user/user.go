package user

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("user: not found")
)

type ID string

// User is the marketplace identity as the messaging core sees it. The record
// is owned by the accounts service; the core only reads it and treats it as
// immutable for the lifetime of a connection.
type User struct {
	ID        ID
	Email     string
	FirstName string
	LastName  string
	Active    bool
}

type Repository interface {
	ByID(ctx context.Context, id ID) (*User, error)
}
