package users

import (
	"strings"
	"time"
)

// User is the canonical identity record. A record always carries at least one
// authentication method: a password hash, a Google subject id, or both once
// the accounts have been linked.
type User struct {
	ID            string     `gorm:"column:id;primaryKey;size:36;not null"`
	Email         string     `gorm:"column:email;size:320;not null;uniqueIndex"`
	Handle        string     `gorm:"column:handle;size:30;not null;uniqueIndex"`
	DisplayName   string     `gorm:"column:display_name;size:320"`
	PasswordHash  *string    `gorm:"column:password_hash;size:128"`
	GoogleSubject *string    `gorm:"column:google_subject;size:190;index"`
	AvatarURL     string     `gorm:"column:avatar_url;size:512"`
	LastLogoutAt  *time.Time `gorm:"column:last_logout_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

// HasPassword reports whether the record can authenticate with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
