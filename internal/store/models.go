package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Diagram struct {
	ID        string
	ProjectID string
	OwnerID   string
	Name      string
	Code      string
	IsPublic  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditTransaction is an append-only audit record. One row is written per
// successful ledger deduction; rows are never updated or deleted.
type CreditTransaction struct {
	ID               string
	UserID           string
	Amount           int64
	Type             string
	ReferenceID      string
	Metadata         map[string]string
	ResultingBalance int64
	CreatedAt        time.Time
}
