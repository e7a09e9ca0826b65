package main

import "time"

// User is an account allowed to own applications. Username is the identity
// carried in access tokens.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
