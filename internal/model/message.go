package model

import "time"

const (
	RoleUser  = "user"
	RoleModel = "model"
)

const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

type Message struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CollectionID uint           `gorm:"not null;uniqueIndex:idx_message_collection_seq,priority:1" json:"collection_id"`
	Role         string         `gorm:"size:16;not null" json:"role"`
	Content      MessageContent `gorm:"type:text;not null" json:"content"`
	Sequence     int            `gorm:"not null;uniqueIndex:idx_message_collection_seq,priority:2" json:"sequence"`
	Status       string         `gorm:"size:16;not null;default:'complete'" json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

func ValidRole(role string) bool {
	return role == RoleUser || role == RoleModel
}
