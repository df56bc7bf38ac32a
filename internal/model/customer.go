package model

import (
	"strings"
	"time"
)

type Customer struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// DisplayName falls back to the email when no name is on file.
func (c Customer) DisplayName() string {
	if n := c.FullName(); n != "" {
		return n
	}
	return c.Email
}

type PasswordResetCode struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}
