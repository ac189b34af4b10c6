package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a registered payments customer. Accounts reference it by ID.
type User struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name      string    `gorm:"column:name;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func NewUser(name string) User {
	return User{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
}
