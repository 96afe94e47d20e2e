package model

import "time"

// Collection is one conversation thread. Owner and name never change after creation.
type Collection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   string    `gorm:"size:128;not null;index" json:"owner_id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
