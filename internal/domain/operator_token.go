package domain

import "time"

type OperatorToken struct {
	ID         int64
	TokenHash  string
	OperatorID int64
	Name       string
	ExpiresAt  *time.Time
}
